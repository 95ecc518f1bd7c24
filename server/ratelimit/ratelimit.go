// Package ratelimit implements the rate-limit bus's counter half: named
// buckets (auth, opaque, token, otp, admin, install, general), each a
// fixed-window counter keyed by {bucket, clientKey}, backed by
// storage.Storage when no Redis URL is configured and by redis/go-redis/v9
// INCR+EXPIRE when one is.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darkauth/idp/storage"
)

// BucketConfig is one named bucket's policy, as set in the config file's
// rateLimitBuckets overrides.
type BucketConfig struct {
	WindowMinutes int  `json:"window_minutes"`
	MaxRequests   int  `json:"max_requests"`
	Enabled       bool `json:"enabled"`
}

// DefaultBuckets returns the default policy for each named bucket this
// service uses: auth, opaque, token, otp, admin, install, general.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		"auth":    {WindowMinutes: 1, MaxRequests: 20, Enabled: true},
		"opaque":  {WindowMinutes: 1, MaxRequests: 20, Enabled: true},
		"token":   {WindowMinutes: 1, MaxRequests: 60, Enabled: true},
		"otp":     {WindowMinutes: 5, MaxRequests: 10, Enabled: true},
		"admin":   {WindowMinutes: 1, MaxRequests: 120, Enabled: true},
		"install": {WindowMinutes: 10, MaxRequests: 5, Enabled: true},
		"general": {WindowMinutes: 1, MaxRequests: 300, Enabled: true},
	}
}

// Result reports the outcome of a Bus.Allow check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Bus enforces per-bucket, per-client fixed-window limits.
type Bus struct {
	buckets map[string]BucketConfig
	counter counter
}

// counter is the pluggable backend for incrementing a window's count.
type counter interface {
	Increment(ctx context.Context, bucket, clientKey string, windowStart time.Time, windowTTL time.Duration) (int64, error)
}

// New builds a Bus backed by store, using buckets as the named policy set
// (pass DefaultBuckets() or DefaultBuckets() merged with the config file's
// rateLimitBuckets overrides).
func New(store storage.Storage, buckets map[string]BucketConfig) *Bus {
	return &Bus{buckets: buckets, counter: storageCounter{store}}
}

// NewRedis builds a Bus backed by a Redis INCR+EXPIRE counter, used when
// the config file's redisURL is set, for multi-instance deployments.
func NewRedis(client *redis.Client, buckets map[string]BucketConfig) *Bus {
	return &Bus{buckets: buckets, counter: redisCounter{client}}
}

// Allow increments the counter for {bucket, clientKey}'s current window and
// reports whether the request is within policy. An unknown or disabled
// bucket always allows.
func (b *Bus) Allow(ctx context.Context, bucket, clientKey string) (Result, error) {
	cfg, ok := b.buckets[bucket]
	if !ok || !cfg.Enabled {
		return Result{Allowed: true}, nil
	}

	window := time.Duration(cfg.WindowMinutes) * time.Minute
	windowStart := time.Now().UTC().Truncate(window)

	count, err := b.counter.Increment(ctx, bucket, clientKey, windowStart, window)
	if err != nil {
		return Result{}, fmt.Errorf("increment rate limit bucket %q: %w", bucket, err)
	}

	if count <= int64(cfg.MaxRequests) {
		return Result{Allowed: true}, nil
	}
	return Result{Allowed: false, RetryAfter: windowStart.Add(window).Sub(time.Now().UTC())}, nil
}

type storageCounter struct {
	store storage.Storage
}

func (c storageCounter) Increment(ctx context.Context, bucket, clientKey string, windowStart time.Time, _ time.Duration) (int64, error) {
	return c.store.IncrementRateLimitBucket(ctx, bucket, clientKey, windowStart)
}

type redisCounter struct {
	client *redis.Client
}

func (c redisCounter) Increment(ctx context.Context, bucket, clientKey string, windowStart time.Time, windowTTL time.Duration) (int64, error) {
	key := fmt.Sprintf("darkauth:ratelimit:%s:%s:%d", bucket, clientKey, windowStart.Unix())

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
