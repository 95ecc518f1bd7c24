package signer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/server/signer"
	"github.com/darkauth/idp/storage/memory"
)

func unlockedKEK(t *testing.T) *kek.Service {
	t.Helper()
	params, err := kek.GenerateKDFParams()
	require.NoError(t, err)
	svc := kek.New()
	svc.Unlock("test-passphrase", params)
	return svc
}

func openLocalSigner(t *testing.T, rotationPeriod string) signer.Signer {
	t.Helper()
	store := memory.New(slog.Default())
	cfg := &signer.LocalConfig{KeysRotationPeriod: rotationPeriod}
	s, err := cfg.Open(context.Background(), store, unlockedKEK(t), time.Hour, time.Now, slog.Default())
	require.NoError(t, err)
	return s
}

func TestLocalSignerStartProvisionsKey(t *testing.T) {
	s := openLocalSigner(t, "24h")
	s.Start(context.Background())

	alg, err := s.Algorithm(context.Background())
	require.NoError(t, err)
	require.Equal(t, jose.EdDSA, alg)

	keys, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestLocalSignerSignAndVerify(t *testing.T) {
	s := openLocalSigner(t, "24h")
	s.Start(context.Background())

	jws, err := s.Sign(context.Background(), []byte(`{"sub":"u1"}`))
	require.NoError(t, err)

	keys, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)

	parsed, err := jose.ParseSigned(jws, []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	payload, err := parsed.Verify(keys[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"sub":"u1"}`, string(payload))
}

func TestLocalSignerRotationDemotesPreviousKey(t *testing.T) {
	// A rotation period in the past forces every Start/rotate call to mint
	// a fresh key, exercising the demote-then-insert path.
	s := openLocalSigner(t, "-1s")
	s.Start(context.Background())

	first, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	s.Start(context.Background())

	second, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 2)
}

func TestMockSignerRoundTrip(t *testing.T) {
	s, err := signer.NewMockSigner(nil)
	require.NoError(t, err)

	jws, err := s.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, jws)

	keys, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)

	parsed, err := jose.ParseSigned(jws, []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	_, err = parsed.Verify(keys[0])
	require.NoError(t, err)
}

func TestMockSignerWithProvidedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := signer.NewMockSigner(priv)
	require.NoError(t, err)

	keys, err := s.ValidationKeys(context.Background())
	require.NoError(t, err)
	require.True(t, keys[0].Key.(ed25519.PublicKey).Equal(priv.Public()))
}
