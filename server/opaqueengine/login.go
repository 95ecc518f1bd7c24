package opaqueengine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytemare/opaque"
	"github.com/bytemare/opaque/message"

	"github.com/darkauth/idp/storage"
)

// StartLogin runs the server half of login's first message (KE1) and
// returns the KE2 response together with the session id the caller must
// present to FinishLogin. If no record exists for subject, the dummy
// record drives the exchange so the timing and response shape are
// indistinguishable from a real user with a wrong password.
func (e *Engine) StartLogin(ctx context.Context, ke1Bytes []byte, subject, identityU string) (ke2Bytes []byte, sessionID string, err error) {
	ke1, err := e.server.Deserialize.KE1(ke1Bytes)
	if err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	rec, err := e.store.GetOpaqueRecord(ctx, e.owner, subject)
	var clientRec clientRecord
	switch {
	case err == nil:
		if jerr := json.Unmarshal(rec.Record, &clientRec); jerr != nil {
			return nil, "", fmt.Errorf("unmarshal client record: %w", jerr)
		}
	case errors.Is(err, storage.ErrNotFound):
		clientRec = e.dummy.recordFor(subject)
	default:
		return nil, "", fmt.Errorf("get opaque record: %w", err)
	}

	ke2, err := e.server.GenerateKE2(ke1, &opaque.ClientRecord{
		CredentialIdentifier: []byte(subject),
		ClientIdentity:       []byte(identityU),
		RegistrationRecord: &message.RegistrationRecord{
			PublicKey:  clientRec.PublicKey,
			MaskingKey: clientRec.MaskingKey,
			Envelope:   clientRec.Envelope,
		},
	})
	if err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	ke2Bytes, err = ke2.Serialize()
	if err != nil {
		return nil, "", fmt.Errorf("serialize ke2: %w", err)
	}

	serverState := e.server.SerializeState()
	id, err := randomSessionID()
	if err != nil {
		return nil, "", fmt.Errorf("generate session id: %w", err)
	}

	encU, err := e.kek.Encrypt([]byte(identityU), []byte(id))
	if err != nil {
		return nil, "", fmt.Errorf("encrypt identity_u: %w", err)
	}
	encS, err := e.kek.Encrypt([]byte(identityS), []byte(id))
	if err != nil {
		return nil, "", fmt.Errorf("encrypt identity_s: %w", err)
	}

	session := storage.OpaqueLoginSession{
		ID:                 id,
		ServerState:        serverState,
		EncryptedIdentityU: encU,
		EncryptedIdentityS: encS,
		Owner:              e.owner,
		ExpiresAt:          time.Now().Add(LoginSessionTTL),
	}
	if err := e.store.CreateOpaqueLoginSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("create opaque login session: %w", err)
	}

	return ke2Bytes, id, nil
}

// FinishLogin consumes SESSION(id) exactly once: a second call with the
// same id, or one made after the 10-minute timeout, fails with
// ErrAuthenticationFailed rather than retrying the protocol. It returns the
// subject identity bound to the session at StartLogin alongside the
// negotiated session key, since the session row (and the identity it
// carried) no longer exists for the caller to look up once consumed.
func (e *Engine) FinishLogin(ctx context.Context, sessionID string, ke3Bytes []byte) (sessionKey []byte, identityU string, err error) {
	session, err := e.store.ConsumeOpaqueLoginSession(ctx, sessionID, time.Now())
	if err != nil {
		return nil, "", ErrAuthenticationFailed
	}
	if session.Owner != e.owner {
		return nil, "", ErrAuthenticationFailed
	}

	identityBytes, err := e.kek.Decrypt(session.EncryptedIdentityU, []byte(session.ID))
	if err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	if err := e.server.SetAKEState(session.ServerState); err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	ke3, err := e.server.Deserialize.KE3(ke3Bytes)
	if err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	if err := e.server.LoginFinish(ke3); err != nil {
		return nil, "", ErrAuthenticationFailed
	}

	return e.server.SessionKey(), string(identityBytes), nil
}

func randomSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
