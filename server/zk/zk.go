// Package zk implements zero-knowledge Data Root Key binding. The IdP never
// constructs, decrypts, or stores the Data Root Key; it only validates the
// client's ephemeral ECDH public key and later binds the authorization code
// to a hash the client computed over its own JWE. JWK handling uses
// go-jose/go-jose/v4, the same library used for every other JWK operation
// in this codebase.
package zk

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// ErrInvalidPublicKey is returned when zk_pub is not a well-formed P-256
// ECDH public JWK.
var ErrInvalidPublicKey = errors.New("zk: invalid public key")

// ValidatePublicKey parses and validates a client-supplied zk_pub JWK. It
// must be an EC key on the P-256 curve with both coordinates present and no
// private component.
func ValidatePublicKey(raw []byte) (jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return jose.JSONWebKey{}, ErrInvalidPublicKey
	}
	if !jwk.Valid() || !jwk.IsPublic() {
		return jose.JSONWebKey{}, ErrInvalidPublicKey
	}

	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return jose.JSONWebKey{}, ErrInvalidPublicKey
	}
	if pub.Curve.Params().Name != "P-256" {
		return jose.JSONWebKey{}, ErrInvalidPublicKey
	}

	return jwk, nil
}

// Fingerprint computes zk_pub_kid = base64url(SHA-256(raw)) over the exact
// bytes the client submitted, so the IdP and client agree on the fingerprint
// without either side re-serializing the JWK.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ErrMissingDRKHash is returned at token-exchange time for a code minted
// with hasZk=true but no drkHash recorded — the fail-closed contract.
var ErrMissingDRKHash = errors.New("zk: hasZk is true but drkHash is empty")

// RequireDRKHash enforces the fail-closed invariant: any code whose
// pending authorization carried a zk_pub must have a non-empty drkHash by
// the time it reaches the token endpoint.
func RequireDRKHash(hasZK bool, drkHash string) error {
	if hasZK && drkHash == "" {
		return ErrMissingDRKHash
	}
	return nil
}

// ValidateDRKHash checks that a client-submitted hash is well-formed
// base64url of a 32-byte SHA-256 digest, without knowing anything about
// what it's a hash of.
func ValidateDRKHash(hash string) error {
	b, err := base64.RawURLEncoding.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("drk_hash: %w", err)
	}
	if len(b) != sha256.Size {
		return errors.New("drk_hash: must encode a 32-byte sha-256 digest")
	}
	return nil
}
