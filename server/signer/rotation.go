package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/storage"
)

var errAlreadyRotated = errors.New("keys already rotated by another server instance")

// rotationStrategy describes how often to generate a new signing key and
// how long a demoted key stays published in JWKS for verification.
type rotationStrategy struct {
	// rotationFrequency is the time between key generations.
	rotationFrequency time.Duration

	// idTokenValidFor is how long a demoted key must keep validating
	// signatures after being replaced: long enough that every ID token it
	// signed expires before the key does.
	idTokenValidFor time.Duration
}

func defaultRotationStrategy(rotationFrequency, idTokenValidFor time.Duration) rotationStrategy {
	return rotationStrategy{
		rotationFrequency: rotationFrequency,
		idTokenValidFor:   idTokenValidFor,
	}
}

type keyRotator struct {
	storage storage.Storage
	kek     *kek.Service

	strategy rotationStrategy
	now      func() time.Time

	logger *slog.Logger
}

// rotate generates and persists a new Ed25519 signing key if the active key
// is due or missing. It is safe to call from multiple instances: a
// concurrent winner's insert causes this instance's own insert to fail with
// storage.ErrAlreadyExists, which it treats as errAlreadyRotated.
func (k *keyRotator) rotate() error {
	active, err := k.storage.GetActiveSigningKey(context.Background())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get active signing key: %w", err)
	}
	hasActive := err == nil

	if hasActive && k.now().Before(active.CreatedAt.Add(k.strategy.rotationFrequency)) {
		return nil
	}
	k.logger.Info("signing key rotation due", "has_active", hasActive)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return fmt.Errorf("generate kid: %w", err)
	}

	pubJWK := jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: string(jose.EdDSA), Use: "sig"}
	pubJWKBytes, err := json.Marshal(pubJWK)
	if err != nil {
		return fmt.Errorf("marshal public jwk: %w", err)
	}

	privJWK := jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.EdDSA), Use: "sig"}
	privJWKBytes, err := json.Marshal(privJWK)
	if err != nil {
		return fmt.Errorf("marshal private jwk: %w", err)
	}
	encPriv, err := k.kek.Encrypt(privJWKBytes, []byte(kid))
	if err != nil {
		return fmt.Errorf("encrypt private jwk: %w", err)
	}

	newKey := storage.SigningKey{
		KID:                 kid,
		Algorithm:           storage.AlgorithmEdDSA,
		PublicJWK:           pubJWKBytes,
		EncryptedPrivateJWK: encPriv,
		Active:              true,
		CreatedAt:           k.now(),
	}

	if !hasActive {
		if err := k.storage.CreateSigningKey(context.Background(), newKey); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errAlreadyRotated
			}
			return fmt.Errorf("create signing key: %w", err)
		}
		k.logger.Info("signing key created", "kid", kid)
		return nil
	}

	demoted := active
	demoted.Active = false
	demoted.VerifyOnly = true
	demoted.Expiry = k.now().Add(k.strategy.idTokenValidFor)

	if err := k.storage.RotateSigningKey(context.Background(), demoted, newKey); err != nil {
		return fmt.Errorf("rotate signing key: %w", err)
	}
	k.logger.Info("signing key rotated", "kid", kid, "demoted_kid", demoted.KID)
	return nil
}

func randomKID() (string, error) {
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
