package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/darkauth/idp/server"
	"github.com/darkauth/idp/server/ratelimit"
	"github.com/darkauth/idp/storage"
	"github.com/darkauth/idp/storage/memory"
	"github.com/darkauth/idp/storage/sql"
)

// Config is the top-level config format for darkauth serve/install.
type Config struct {
	Issuer  string  `json:"issuer"`
	Storage Storage `json:"storage"`
	Web     Web     `json:"web"`
	Logger  Logger  `json:"logger"`

	// KEK configures C1's passphrase-derived key-encryption key. Passphrase
	// is expected to come from an env reference ($DARKAUTH_KEK_PASSPHRASE)
	// rather than being inlined in the config file.
	KEK KEK `json:"kek"`

	Expiry Expiry `json:"expiry"`

	// RedisURL, when set, backs the rate-limit bus with Redis INCR+EXPIRE
	// instead of storage.Storage's own counter table, for multi-instance
	// deployments that need a shared limiter.
	RedisURL string `json:"redisURL"`

	// RateLimitBuckets overrides ratelimit.DefaultBuckets() per named
	// bucket; unset buckets keep their default policy.
	RateLimitBuckets map[string]ratelimit.BucketConfig `json:"rateLimitBuckets"`

	// StaticClients seeds storage.Client rows at startup if storage has none
	// yet. This is a one-time seed, not a read-only override, since
	// DarkAuth's admin API manages clients after that.
	StaticClients []storage.Client `json:"staticClients"`
}

// Validate checks c for the combinations serve and install both require
// before doing any work, collecting every failure into one error rather
// than stopping at the first.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply a HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
		{c.KEK.PassphraseEnv == "" && c.KEK.Passphrase == "", "no kek passphrase or passphraseEnv specified"},
		{c.Expiry.SessionDefault != "" && !validDuration(c.Expiry.SessionDefault), "invalid expiry.sessionDefault"},
		{c.Expiry.PendingAuthorization != "" && !validDuration(c.Expiry.PendingAuthorization), "invalid expiry.pendingAuthorization"},
		{c.Expiry.AuthCode != "" && !validDuration(c.Expiry.AuthCode), "invalid expiry.authCode"},
		{c.Expiry.IDTokens != "" && !validDuration(c.Expiry.IDTokens), "invalid expiry.idTokens"},
		{c.Expiry.SigningKeys != "" && !validDuration(c.Expiry.SigningKeys), "invalid expiry.signingKeys"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

func validDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

// passphrase resolves the KEK unlock passphrase, preferring an explicit
// env-var reference over an inlined value.
func (c Config) passphrase() (string, error) {
	if c.KEK.PassphraseEnv != "" {
		v := os.Getenv(c.KEK.PassphraseEnv)
		if v == "" {
			return "", fmt.Errorf("kek.passphraseEnv %q is unset", c.KEK.PassphraseEnv)
		}
		return v, nil
	}
	return c.KEK.Passphrase, nil
}

// KEK configures the passphrase driving C1's Argon2id key derivation.
type KEK struct {
	Passphrase    string `json:"passphrase"`
	PassphraseEnv string `json:"passphraseEnv"`
}

// Web is the config format for the HTTP listener.
type Web struct {
	HTTP           string   `json:"http"`
	HTTPS          string   `json:"https"`
	TLSCert        string   `json:"tlsCert"`
	TLSKey         string   `json:"tlsKey"`
	AllowedOrigins []string `json:"allowedOrigins"`
	// LoginURL is the external UI's login page; see server.WebConfig.
	LoginURL string `json:"loginURL"`
}

// Logger configures the structured logging handler.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Expiry overrides the default TTLs for short-lived server resources
// (pending authorizations, auth codes, sessions, id tokens, signing keys).
// Blank fields keep their package-level default.
type Expiry struct {
	PendingAuthorization string `json:"pendingAuthorization"`
	AuthCode             string `json:"authCode"`
	SessionDefault       string `json:"sessionDefault"`
	IDTokens             string `json:"idTokens"`
	SigningKeys          string `json:"signingKeys"`
}

// resolve converts the config's string durations into server.Expiry,
// leaving zero values for anything blank so server.go's own defaults apply.
func (e Expiry) resolve() server.Expiry {
	return server.Expiry{
		PendingAuthorization: mustParseDuration(e.PendingAuthorization),
		AuthCode:             mustParseDuration(e.AuthCode),
		SessionDefault:       mustParseDuration(e.SessionDefault),
		IDTokens:             mustParseDuration(e.IDTokens),
	}
}

func mustParseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// StorageConfig is anything that can open a storage.Storage.
type StorageConfig interface {
	Open(logger *slog.Logger) (storage.Storage, error)
}

var (
	_ StorageConfig = (*memoryConfig)(nil)
	_ StorageConfig = (*sql.SQLite3)(nil)
	_ StorageConfig = (*sql.Postgres)(nil)
)

// memoryConfig adapts storage/memory's no-error New to the StorageConfig
// shape the SQL backends already satisfy.
type memoryConfig struct{}

func (memoryConfig) Open(logger *slog.Logger) (storage.Storage, error) {
	return memory.New(logger), nil
}

// Storage is the polymorphic storage config, dispatched on Type.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

var storageTypes = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return &memoryConfig{} },
	"sqlite3":  func() StorageConfig { return &sql.SQLite3{} },
	"postgres": func() StorageConfig { return &sql.Postgres{} },
}

// UnmarshalJSON dynamically resolves Storage.Config based on Type.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse storage: %w", err)
	}

	f, ok := storageTypes[raw.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", raw.Type)
	}

	cfg := f()
	if len(raw.Config) != 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("parse storage config: %w", err)
		}
	}

	s.Type = raw.Type
	s.Config = cfg
	return nil
}
