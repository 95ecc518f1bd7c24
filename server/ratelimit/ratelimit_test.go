package ratelimit_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/server/ratelimit"
	"github.com/darkauth/idp/storage/memory"
)

func TestAllowWithinLimit(t *testing.T) {
	store := memory.New(slog.Default())
	buckets := map[string]ratelimit.BucketConfig{
		"otp": {WindowMinutes: 1, MaxRequests: 2, Enabled: true},
	}
	bus := ratelimit.New(store, buckets)

	ctx := context.Background()
	r1, err := bus.Allow(ctx, "otp", "client-a")
	require.NoError(t, err)
	require.True(t, r1.Allowed)

	r2, err := bus.Allow(ctx, "otp", "client-a")
	require.NoError(t, err)
	require.True(t, r2.Allowed)

	r3, err := bus.Allow(ctx, "otp", "client-a")
	require.NoError(t, err)
	require.False(t, r3.Allowed)
	require.Positive(t, r3.RetryAfter)
}

func TestAllowPerClientIsolation(t *testing.T) {
	store := memory.New(slog.Default())
	bus := ratelimit.New(store, map[string]ratelimit.BucketConfig{
		"otp": {WindowMinutes: 1, MaxRequests: 1, Enabled: true},
	})

	ctx := context.Background()
	r1, err := bus.Allow(ctx, "otp", "client-a")
	require.NoError(t, err)
	require.True(t, r1.Allowed)

	r2, err := bus.Allow(ctx, "otp", "client-b")
	require.NoError(t, err)
	require.True(t, r2.Allowed)
}

func TestAllowUnknownBucketAlwaysAllows(t *testing.T) {
	store := memory.New(slog.Default())
	bus := ratelimit.New(store, map[string]ratelimit.BucketConfig{})

	r, err := bus.Allow(context.Background(), "nonexistent", "client-a")
	require.NoError(t, err)
	require.True(t, r.Allowed)
}
