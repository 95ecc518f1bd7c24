package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/go-jose/go-jose/v4"
)

// MockConfig creates a signer with a static Ed25519 key, for tests of
// components that depend on a Signer without exercising C2's storage or
// rotation logic (e.g. the token endpoint's grant handlers).
type MockConfig struct {
	Key ed25519.PrivateKey
}

// Open creates a new mock signer.
func (c *MockConfig) Open(_ context.Context) (Signer, error) {
	if c.Key == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		c.Key = key
	}

	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	keyID := hex.EncodeToString(b)

	return &mockSigner{
		key:    &jose.JSONWebKey{Key: c.Key, KeyID: keyID, Algorithm: string(jose.EdDSA), Use: "sig"},
		pubKey: &jose.JSONWebKey{Key: c.Key.Public(), KeyID: keyID, Algorithm: string(jose.EdDSA), Use: "sig"},
	}, nil
}

// mockSigner signs with a static Ed25519 key and never rotates.
type mockSigner struct {
	key    *jose.JSONWebKey
	pubKey *jose.JSONWebKey
}

func (m *mockSigner) Sign(_ context.Context, payload []byte) (string, error) {
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: m.key.Key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": m.key.KeyID},
	})
	if err != nil {
		return "", err
	}
	jws, err := sig.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

func (m *mockSigner) ValidationKeys(_ context.Context) ([]*jose.JSONWebKey, error) {
	return []*jose.JSONWebKey{m.pubKey}, nil
}

func (m *mockSigner) Algorithm(_ context.Context) (jose.SignatureAlgorithm, error) {
	return jose.EdDSA, nil
}

func (m *mockSigner) Start(_ context.Context) {}

// NewMockSigner creates a mock signer with the provided key, generating one
// if key is nil.
func NewMockSigner(key ed25519.PrivateKey) (Signer, error) {
	return (&MockConfig{Key: key}).Open(context.Background())
}
