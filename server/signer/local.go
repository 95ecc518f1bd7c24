package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/storage"
)

// LocalConfig holds configuration for the local signer.
type LocalConfig struct {
	// KeysRotationPeriod is the duration after which a new signing key is
	// generated and the previous one demoted to verify-only.
	KeysRotationPeriod string `json:"keysRotationPeriod"`
}

// Open creates a new local signer backed by storage.Storage's signing-key
// table, deriving private JWKs on demand via kekSvc.
func (c *LocalConfig) Open(_ context.Context, s storage.Storage, kekSvc *kek.Service, idTokenValidFor time.Duration, now func() time.Time, logger *slog.Logger) (Signer, error) {
	rotateKeysAfter, err := time.ParseDuration(c.KeysRotationPeriod)
	if err != nil {
		return nil, fmt.Errorf("invalid config value %q for local signer rotation period: %v", c.KeysRotationPeriod, err)
	}

	strategy := defaultRotationStrategy(rotateKeysAfter, idTokenValidFor)
	r := &keyRotator{storage: s, kek: kekSvc, strategy: strategy, now: now, logger: logger}
	return &localSigner{
		storage: s,
		kek:     kekSvc,
		rotator: r,
		logger:  logger,
	}, nil
}

// localSigner signs payloads using the active key in storage.Storage's
// signing_key table, decrypting its private half via C1 on every call
// rather than caching it in memory.
type localSigner struct {
	storage storage.Storage
	kek     *kek.Service
	rotator *keyRotator
	logger  *slog.Logger
}

// Start triggers an immediate rotation attempt so a freshly installed
// store has a signing key before Start returns, then checks every 30
// seconds in the background, rotating once the active key is due, until
// ctx is canceled.
func (l *localSigner) Start(ctx context.Context) {
	if err := l.rotator.rotate(); err != nil {
		if err == errAlreadyRotated {
			l.logger.Info("key rotation not needed", "err", err)
		} else {
			l.logger.Error("failed to rotate signing keys", "err", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second * 30):
				if err := l.rotator.rotate(); err != nil && err != errAlreadyRotated {
					l.logger.Error("failed to rotate signing keys", "err", err)
				}
			}
		}
	}()
}

func (l *localSigner) activePrivateJWK(ctx context.Context) (jose.JSONWebKey, error) {
	active, err := l.storage.GetActiveSigningKey(ctx)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("get active signing key: %w", err)
	}
	plaintext, err := l.kek.Decrypt(active.EncryptedPrivateJWK, []byte(active.KID))
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("decrypt private jwk: %w", err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(plaintext, &jwk); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("unmarshal private jwk: %w", err)
	}
	return jwk, nil
}

func (l *localSigner) Sign(ctx context.Context, payload []byte) (string, error) {
	jwk, err := l.activePrivateJWK(ctx)
	if err != nil {
		return "", err
	}

	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: jwk.Key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": jwk.KeyID},
	})
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	jws, err := sig.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

func (l *localSigner) ValidationKeys(ctx context.Context) ([]*jose.JSONWebKey, error) {
	keys, err := l.storage.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}

	jwks := make([]*jose.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(k.PublicJWK, &jwk); err != nil {
			return nil, fmt.Errorf("unmarshal public jwk %s: %w", k.KID, err)
		}
		jwks = append(jwks, &jwk)
	}
	if len(jwks) == 0 {
		return nil, fmt.Errorf("no public keys found")
	}
	return jwks, nil
}

func (l *localSigner) Algorithm(ctx context.Context) (jose.SignatureAlgorithm, error) {
	if _, err := l.storage.GetActiveSigningKey(ctx); err != nil {
		return "", fmt.Errorf("get active signing key: %w", err)
	}
	return jose.EdDSA, nil
}
