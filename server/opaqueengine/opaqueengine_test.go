package opaqueengine_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/server/opaqueengine"
	"github.com/darkauth/idp/storage"
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

func TestNewPersistsSetupAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())
	kekSvc := unlockedKEK(t)

	e1, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, kekSvc)
	require.NoError(t, err)
	require.NotEmpty(t, e1.ServerPublicKey())

	// A second Engine over the same storage must load the persisted setup
	// rather than generating a new OPRF seed, since regenerating it would
	// invalidate every stored envelope.
	e2, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, kekSvc)
	require.NoError(t, err)
	require.Equal(t, e1.ServerPublicKey(), e2.ServerPublicKey())
}

func TestNewIsolatesOwnerNamespaces(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())
	kekSvc := unlockedKEK(t)

	users, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, kekSvc)
	require.NoError(t, err)
	admins, err := opaqueengine.New(ctx, storage.OpaqueOwnerAdmin, store, kekSvc)
	require.NoError(t, err)

	require.NotEqual(t, users.ServerPublicKey(), admins.ServerPublicKey())
}

func TestFinishLoginUnknownSessionFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())
	e, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, unlockedKEK(t))
	require.NoError(t, err)

	_, _, err = e.FinishLogin(ctx, "does-not-exist", []byte("garbage"))
	require.ErrorIs(t, err, opaqueengine.ErrAuthenticationFailed)
}

func TestStartRegistrationRejectsMalformedRequest(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())
	e, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, unlockedKEK(t))
	require.NoError(t, err)

	_, err = e.StartRegistration([]byte("not a valid registration request"), "alice")
	require.ErrorIs(t, err, opaqueengine.ErrAuthenticationFailed)
}

func TestStartLoginRejectsMalformedKE1(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())
	e, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, unlockedKEK(t))
	require.NoError(t, err)

	_, _, err = e.StartLogin(ctx, []byte("not a valid ke1"), "nobody@example.com", "nobody@example.com")
	require.ErrorIs(t, err, opaqueengine.ErrAuthenticationFailed)
}
