package kek

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func unlockedService(t *testing.T) *Service {
	t.Helper()
	params, err := GenerateKDFParams()
	require.NoError(t, err)
	s := New()
	s.Unlock("correct horse battery staple", params)
	require.True(t, s.IsAvailable())
	return s
}

func TestRoundTrip(t *testing.T) {
	s := unlockedService(t)

	plaintext := []byte("the private half of a signing key")
	aad := []byte("signing-key:kid-1")

	ciphertext, err := s.Encrypt(plaintext, aad)
	require.NoError(t, err)

	got, err := s.Decrypt(ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptWrongAAD(t *testing.T) {
	s := unlockedService(t)

	ciphertext, err := s.Encrypt([]byte("secret"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = s.Decrypt(ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptTooShort(t *testing.T) {
	s := unlockedService(t)

	_, err := s.Decrypt([]byte("short"), nil)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNotInitialized(t *testing.T) {
	s := New()
	require.False(t, s.IsAvailable())

	_, err := s.Encrypt([]byte("x"), nil)
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.Decrypt([]byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxx"), nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestKDFParamsRoundTrip(t *testing.T) {
	params, err := GenerateKDFParams()
	require.NoError(t, err)

	b, err := params.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalKDFParams(b)
	require.NoError(t, err)
	require.Equal(t, params, got)
}
