// Package opaqueengine implements server-side OPAQUE registration and login
// against the Ristretto255-SHA512 OPAQUE suite via
// github.com/bytemare/opaque. It exposes one Engine per record-owner
// namespace (users, admins), each holding its own long-term key material
// and in-flight login sessions.
package opaqueengine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytemare/opaque"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/storage"
)

// identityS is the fixed server identity string shared by every client.
const identityS = "DarkAuth"

// settingKey is where the server's long-term OPAQUE key material (OPRF
// seed, AKE key pair) is persisted, encrypted under the process KEK.
// Regenerating it invalidates every stored envelope, so it is written once
// and reused for the life of the deployment.
const settingKey = "opaque_server_setup"

// LoginSessionTTL is how long a SESSION(id) row may remain unconsumed
// before it is swept as expired.
const LoginSessionTTL = 10 * time.Minute

// ErrAuthenticationFailed is the single error surfaced for every OPAQUE
// protocol failure: invalid messages, tampered envelopes, unknown or
// expired session ids, and "user not found" all collapse to this one
// value so a caller can never distinguish them.
var ErrAuthenticationFailed = errors.New("opaqueengine: authentication failed")

// setup is the server's persisted long-term key material.
type setup struct {
	OPRFSeed        []byte `json:"oprf_seed"`
	ServerSecretKey []byte `json:"server_secret_key"`
	ServerPublicKey []byte `json:"server_public_key"`
}

// Engine wraps one OPAQUE configuration and its server-side state for one
// owner namespace (users or admins); DarkAuth runs two instances, one per
// storage.OpaqueRecordOwner, sharing the same storage.Storage and KEK.
type Engine struct {
	owner   storage.OpaqueRecordOwner
	store   storage.Storage
	kek     *kek.Service
	conf    *opaque.Configuration
	server  *opaque.Server
	setup   setup
	dummy   *dummyRecord
}

// New loads (or on first use, generates and persists) the server's OPAQUE
// key material for owner and returns a ready Engine.
func New(ctx context.Context, owner storage.OpaqueRecordOwner, store storage.Storage, kekSvc *kek.Service) (*Engine, error) {
	conf := opaque.DefaultConfiguration()

	server, err := opaque.NewServer(conf)
	if err != nil {
		return nil, fmt.Errorf("new opaque server: %w", err)
	}

	s, err := loadOrCreateSetup(ctx, string(owner), store, kekSvc, conf)
	if err != nil {
		return nil, err
	}

	if err := server.SetKeyMaterial(nil, s.ServerSecretKey, s.ServerPublicKey, s.OPRFSeed); err != nil {
		return nil, fmt.Errorf("set opaque key material: %w", err)
	}

	e := &Engine{owner: owner, store: store, kek: kekSvc, conf: conf, server: server, setup: s}
	e.dummy = newDummyRecord(e)
	return e, nil
}

func loadOrCreateSetup(ctx context.Context, owner string, store storage.Storage, kekSvc *kek.Service, conf *opaque.Configuration) (setup, error) {
	key := settingKey + ":" + owner
	aad := []byte(key)

	blob, err := store.GetSetting(ctx, key)
	if err == nil {
		plaintext, err := kekSvc.Decrypt(blob, aad)
		if err != nil {
			return setup{}, fmt.Errorf("decrypt opaque setup: %w", err)
		}
		var s setup
		if err := json.Unmarshal(plaintext, &s); err != nil {
			return setup{}, fmt.Errorf("unmarshal opaque setup: %w", err)
		}
		return s, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return setup{}, fmt.Errorf("get opaque setup: %w", err)
	}

	seed := make([]byte, conf.Hash.Size())
	if _, err := rand.Read(seed); err != nil {
		return setup{}, fmt.Errorf("generate oprf seed: %w", err)
	}
	sk, pk := conf.KeyGen()

	s := setup{OPRFSeed: seed, ServerSecretKey: sk, ServerPublicKey: pk}
	plaintext, err := json.Marshal(s)
	if err != nil {
		return setup{}, fmt.Errorf("marshal opaque setup: %w", err)
	}
	ciphertext, err := kekSvc.Encrypt(plaintext, aad)
	if err != nil {
		return setup{}, fmt.Errorf("encrypt opaque setup: %w", err)
	}
	if err := store.PutSetting(ctx, key, ciphertext); err != nil {
		return setup{}, fmt.Errorf("put opaque setup: %w", err)
	}
	return s, nil
}

// ServerPublicKey returns the server's long-term AKE public key, which
// every OPAQUE client needs to run registration and login.
func (e *Engine) ServerPublicKey() []byte {
	return e.setup.ServerPublicKey
}
