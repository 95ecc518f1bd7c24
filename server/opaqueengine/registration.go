package opaqueengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darkauth/idp/storage"
)

// clientRecord is the portion of message.RegistrationUpload this engine
// persists: the client's static public key, masking key, and envelope.
// Stored as one opaque JSON blob since nothing outside the protocol
// engine ever interprets the fields individually.
type clientRecord struct {
	PublicKey  []byte `json:"public_key"`
	MaskingKey []byte `json:"masking_key"`
	Envelope   []byte `json:"envelope"`
}

// StartRegistration runs the server half of registration's first message.
// subject is both the storage key and the OPAQUE credentialIdentifier;
// FinishRegistration is called with the same subject, and no separate
// client identity is passed to either call.
func (e *Engine) StartRegistration(requestBytes []byte, subject string) ([]byte, error) {
	req, err := e.server.Deserialize.RegistrationRequest(requestBytes)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	resp := e.server.RegistrationResponse(req, e.setup.ServerPublicKey, []byte(subject), e.setup.OPRFSeed)

	out, err := resp.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize registration response: %w", err)
	}
	return out, nil
}

// FinishRegistration validates the client's upload and persists the
// resulting record, retiring any prior record for the same subject so a
// re-registration (e.g. password change) keeps the old envelope around
// for recovery per storage.OpaqueRecord's Retired contract.
func (e *Engine) FinishRegistration(ctx context.Context, uploadBytes []byte, subject string) error {
	upload, err := e.server.Deserialize.RegistrationRecord(uploadBytes)
	if err != nil {
		return ErrAuthenticationFailed
	}

	rec := clientRecord{
		PublicKey:  upload.PublicKey,
		MaskingKey: upload.MaskingKey,
		Envelope:   upload.Envelope,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal client record: %w", err)
	}

	record := storage.OpaqueRecord{
		Subject:   subject,
		Owner:     e.owner,
		Record:    encoded,
		CreatedAt: time.Now(),
	}

	_, err = e.store.GetOpaqueRecord(ctx, e.owner, subject)
	switch {
	case err == nil:
		return e.store.RetireOpaqueRecord(ctx, e.owner, subject, record)
	case errors.Is(err, storage.ErrNotFound):
		return e.store.CreateOpaqueRecord(ctx, record)
	default:
		return fmt.Errorf("get opaque record: %w", err)
	}
}
