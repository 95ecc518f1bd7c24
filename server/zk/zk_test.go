package zk_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/server/zk"
)

func marshalPublicJWK(t *testing.T, priv *ecdsa.PrivateKey) []byte {
	t.Helper()
	jwk := jose.JSONWebKey{Key: &priv.PublicKey}
	raw, err := json.Marshal(jwk)
	require.NoError(t, err)
	return raw
}

func TestValidatePublicKeyAccepts(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	raw := marshalPublicJWK(t, priv)
	_, err = zk.ValidatePublicKey(raw)
	require.NoError(t, err)
}

func TestValidatePublicKeyRejectsPrivate(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	jwk := jose.JSONWebKey{Key: priv}
	raw, err := json.Marshal(jwk)
	require.NoError(t, err)

	_, err = zk.ValidatePublicKey(raw)
	require.ErrorIs(t, err, zk.ErrInvalidPublicKey)
}

func TestValidatePublicKeyRejectsWrongCurve(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	raw := marshalPublicJWK(t, priv)
	_, err = zk.ValidatePublicKey(raw)
	require.ErrorIs(t, err, zk.ErrInvalidPublicKey)
}

func TestFingerprintDeterministic(t *testing.T) {
	raw := []byte(`{"kty":"EC"}`)
	require.Equal(t, zk.Fingerprint(raw), zk.Fingerprint(raw))
}

func TestRequireDRKHash(t *testing.T) {
	require.NoError(t, zk.RequireDRKHash(false, ""))
	require.NoError(t, zk.RequireDRKHash(true, "somehash"))
	require.ErrorIs(t, zk.RequireDRKHash(true, ""), zk.ErrMissingDRKHash)
}

func TestValidateDRKHash(t *testing.T) {
	sum := sha256.Sum256([]byte("jwe bytes"))
	good := base64.RawURLEncoding.EncodeToString(sum[:])
	require.NoError(t, zk.ValidateDRKHash(good))

	require.Error(t, zk.ValidateDRKHash("not-base64url!!"))
	require.Error(t, zk.ValidateDRKHash(base64.RawURLEncoding.EncodeToString([]byte("too-short"))))
}
