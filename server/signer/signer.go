// Package signer implements ID token signing key management: EdDSA
// (Ed25519) key generation, rotation, and JWT signing, with the private
// JWK encrypted at rest by the key-encryption-key service.
package signer

import (
	"context"

	"github.com/go-jose/go-jose/v4"
)

// Signer signs payloads and exposes the public keys needed to verify them.
type Signer interface {
	// Sign signs the provided payload, returning a compact JWS.
	Sign(ctx context.Context, payload []byte) (string, error)
	// ValidationKeys returns every public key (active and verify-only) that
	// can currently validate a signature, for JWKS publication.
	ValidationKeys(ctx context.Context) ([]*jose.JSONWebKey, error)
	// Algorithm returns the signing algorithm used by the active key.
	Algorithm(ctx context.Context) (jose.SignatureAlgorithm, error)
	// Start begins any background rotation and blocks until the first
	// rotation attempt has completed, so a freshly installed store already
	// has a usable key by the time Start returns.
	Start(ctx context.Context)
}
