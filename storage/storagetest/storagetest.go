// Package storagetest provides conformance tests run against every
// storage.Storage implementation (storage/memory and storage/sql).
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/storage"
)

var neverExpire = time.Now().Add(time.Hour * 24 * 365 * 100)

// RunTestSuite runs the full conformance suite against s.
func RunTestSuite(t *testing.T, s storage.Storage) {
	t.Run("UpdateUser", func(t *testing.T) { testUpdateUser(t, s) })
	t.Run("CreateAndConsumeAuthCode", func(t *testing.T) { testConsumeAuthCode(t, s) })
	t.Run("AuthCodeSingleUse", func(t *testing.T) { testAuthCodeSingleUse(t, s) })
	t.Run("PendingAuthorizationLifecycle", func(t *testing.T) { testPendingAuthorization(t, s) })
	t.Run("SessionRefreshRotation", func(t *testing.T) { testSessionRefreshRotation(t, s) })
	t.Run("StaleRefreshTokenRejected", func(t *testing.T) { testStaleRefreshRejected(t, s) })
	t.Run("OpaqueLoginSessionExactlyOnce", func(t *testing.T) { testOpaqueLoginSessionOnce(t, s) })
	t.Run("GroupAndRoleRBAC", func(t *testing.T) { testRBAC(t, s) })
	t.Run("GarbageCollect", func(t *testing.T) { testGarbageCollect(t, s) })
}

func testUpdateUser(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	u := storage.User{Subject: storage.NewID(16), Email: "alice@example.com", Name: "Alice"}
	require.NoError(t, s.CreateUser(ctx, u))

	require.NoError(t, s.UpdateUser(ctx, u.Subject, func(old storage.User) (storage.User, error) {
		old.Name = "Alice Updated"
		return old, nil
	}))

	got, err := s.GetUser(ctx, u.Subject)
	require.NoError(t, err)
	require.Equal(t, "Alice Updated", got.Name)

	got2, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, u.Subject, got2.Subject)
}

func testConsumeAuthCode(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := storage.AuthCode{
		Code:        storage.NewID(32),
		ClientID:    "app-web",
		Subject:     "user-1",
		RedirectURI: "http://localhost:9092/callback",
		ExpiresAt:   neverExpire,
	}
	require.NoError(t, s.CreateAuthCode(ctx, code))

	got, err := s.ConsumeAuthCode(ctx, code.Code, time.Now())
	require.NoError(t, err)
	require.True(t, got.Consumed)
}

func testAuthCodeSingleUse(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := storage.AuthCode{
		Code:      storage.NewID(32),
		ClientID:  "app-web",
		Subject:   "user-1",
		ExpiresAt: neverExpire,
	}
	require.NoError(t, s.CreateAuthCode(ctx, code))

	_, err := s.ConsumeAuthCode(ctx, code.Code, time.Now())
	require.NoError(t, err)

	_, err = s.ConsumeAuthCode(ctx, code.Code, time.Now())
	require.ErrorIs(t, err, storage.ErrAlreadyConsumed)
}

func testPendingAuthorization(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.PendingAuthorization{
		RequestID: storage.NewID(32),
		ClientID:  "app-web",
		ExpiresAt: neverExpire,
	}
	require.NoError(t, s.CreatePendingAuthorization(ctx, p))
	require.NoError(t, s.BindUserToPendingAuthorization(ctx, p.RequestID, "user-1", true))

	got, err := s.ConsumePendingAuthorization(ctx, p.RequestID, time.Now())
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserSub)
	require.True(t, got.OTPVerified)

	_, err = s.GetPendingAuthorization(ctx, p.RequestID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testSessionRefreshRotation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sess := storage.Session{
		ID:           storage.NewID(32),
		Cohort:       storage.SessionCohortUser,
		Subject:      "user-1",
		ClientID:     "app-web",
		RefreshToken: storage.NewID(32),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	newToken := storage.NewID(32)
	rotated, err := s.RotateSessionRefreshToken(ctx, sess.RefreshToken, newToken, time.Now().Add(2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Equal(t, newToken, rotated.RefreshToken)

	_, err = s.RotateSessionRefreshToken(ctx, sess.RefreshToken, storage.NewID(32), time.Now().Add(time.Hour), time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testStaleRefreshRejected(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sess := storage.Session{
		ID:           storage.NewID(32),
		Cohort:       storage.SessionCohortUser,
		Subject:      "user-2",
		ClientID:     "app-web",
		RefreshToken: storage.NewID(32),
		ExpiresAt:    time.Now().Add(-time.Minute), // already expired
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	_, err := s.RotateSessionRefreshToken(ctx, sess.RefreshToken, storage.NewID(32), time.Now().Add(time.Hour), time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testOpaqueLoginSessionOnce(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sess := storage.OpaqueLoginSession{
		ID:        storage.NewID(32),
		Owner:     storage.OpaqueOwnerUser,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.CreateOpaqueLoginSession(ctx, sess))

	_, err := s.ConsumeOpaqueLoginSession(ctx, sess.ID, time.Now())
	require.NoError(t, err)

	_, err = s.ConsumeOpaqueLoginSession(ctx, sess.ID, time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testRBAC(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateGroup(ctx, storage.Group{Key: "eng", Permissions: []string{"repo:read"}}))
	user := "user-rbac"
	require.NoError(t, s.AddUserToGroup(ctx, "eng", user))
	require.NoError(t, s.SetUserPermissions(ctx, user, []string{"profile:read"}))

	groups, err := s.ListUserGroups(ctx, user)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "eng", groups[0].Key)

	perms, err := s.ListUserPermissions(ctx, user)
	require.NoError(t, err)
	require.Contains(t, perms, "profile:read")
}

func testGarbageCollect(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	expired := storage.PendingAuthorization{
		RequestID: storage.NewID(32),
		ClientID:  "app-web",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.CreatePendingAuthorization(ctx, expired))

	result, err := s.GarbageCollect(ctx, time.Now())
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.PendingAuthorizations, int64(1))

	_, err = s.GetPendingAuthorization(ctx, expired.RequestID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
