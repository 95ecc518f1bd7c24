// Package kek implements the key-encryption-key service: every other secret
// at rest — OPAQUE server setup, client secrets, signing key private halves
// — is AEAD-encrypted under a key derived once from an operator passphrase
// and never persisted.
package kek

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/darkauth/idp/pkg/crypto"
)

// ErrNotInitialized is returned by Encrypt/Decrypt before Unlock has run.
var ErrNotInitialized = errors.New("kek: not initialized")

// ErrInvalidCiphertext is returned when a blob is too short, the GCM tag
// fails to verify, or the associated data does not match what was sealed.
var ErrInvalidCiphertext = errors.New("kek: invalid ciphertext")

const (
	keySize   = 32 // AES-256
	nonceSize = 12
)

// KDFParams are the Argon2id parameters used to derive the KEK from an
// operator passphrase. Persisted once, at install time, under the
// "kek_kdf" setting; never rotated without re-encrypting every ciphertext
// protected by the key it produces.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	HashLength  uint32 `json:"hash_length"`
}

// GenerateKDFParams produces a fresh salt and conservative, fixed cost
// parameters for a new installation.
func GenerateKDFParams() (KDFParams, error) {
	salt, err := crypto.RandBytes(32)
	if err != nil {
		return KDFParams{}, fmt.Errorf("generate salt: %w", err)
	}
	return KDFParams{
		Salt:        salt,
		MemoryKiB:   128 * 1024, // 128 MiB
		Iterations:  3,
		Parallelism: 4,
		HashLength:  32,
	}, nil
}

// Marshal/Unmarshal let KDFParams round-trip through storage.Storage's
// byte-slice Setting value.
func (p KDFParams) Marshal() ([]byte, error) { return json.Marshal(p) }

func UnmarshalKDFParams(b []byte) (KDFParams, error) {
	var p KDFParams
	err := json.Unmarshal(b, &p)
	return p, err
}

// Service derives a master key from a passphrase and KDF params, and holds
// it only in process memory. The zero value is unlocked=false; it must
// never be copied after Unlock.
type Service struct {
	key []byte
}

// New returns a locked Service.
func New() *Service {
	return &Service{}
}

// Unlock derives the master key from passphrase and params and stores it in
// memory. Safe to call again with the same inputs (e.g. on process restart);
// calling it with different inputs mid-process would silently invalidate
// every previously-sealed blob, so callers must only do this once at
// startup.
func (s *Service) Unlock(passphrase string, params KDFParams) {
	s.key = argon2.IDKey([]byte(passphrase), params.Salt, params.Iterations, params.MemoryKiB, params.Parallelism, params.HashLength)
}

// IsAvailable reports whether Unlock has run.
func (s *Service) IsAvailable() bool {
	return len(s.key) == keySize
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random 12-byte
// nonce, optionally binding associated data that must be presented
// unchanged to Decrypt. Output layout: nonce(12) || ciphertext || tag(16).
func (s *Service) Encrypt(plaintext, aad []byte) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, ErrNotInitialized
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a blob produced by Encrypt. A length, tag, or aad mismatch
// all collapse to ErrInvalidCiphertext, matching C1's contract.
func (s *Service) Decrypt(blob, aad []byte) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, ErrNotInitialized
	}
	if len(blob) < nonceSize+16 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// EncryptToString is a convenience wrapper for callers that persist blobs
// as base64url text rather than raw bytes.
func (s *Service) EncryptToString(plaintext, aad []byte) (string, error) {
	b, err := s.Encrypt(plaintext, aad)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecryptFromString is the inverse of EncryptToString.
func (s *Service) DecryptFromString(blob string, aad []byte) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return s.Decrypt(b, aad)
}
