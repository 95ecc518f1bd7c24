package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/internal/rbac"
	"github.com/darkauth/idp/server"
	"github.com/darkauth/idp/server/install"
	"github.com/darkauth/idp/server/opaqueengine"
	"github.com/darkauth/idp/server/ratelimit"
	"github.com/darkauth/idp/server/signer"
	"github.com/darkauth/idp/storage"
)

func commandServe() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DarkAuth identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "darkauth.yaml", "path to config file")
	return cmd
}

func loadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := replaceEnvKeys(&cfg, os.Getenv); err != nil {
		return Config{}, fmt.Errorf("resolve env references: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg Config) error {
	level, err := parseLogLevel(cfg.Logger.Level)
	if err != nil {
		return err
	}
	logger, err := newLogger(level, cfg.Logger.Format)
	if err != nil {
		return err
	}

	store, err := cfg.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	kekSvc := kek.New()
	passphrase, err := cfg.passphrase()
	if err != nil {
		return err
	}

	installer := &install.Bootstrap{
		Storage:        store,
		KEK:            kekSvc,
		Now:            utcNow,
		Logger:         logger,
		DefaultIssuer:  cfg.Issuer,
		DefaultClients: cfg.StaticClients,
	}

	if !installer.IsInitialized(ctx) {
		logger.Warn("darkauth has not completed install; mounting install-only router")
		router := mux.NewRouter()
		installer.RegisterRoutes(router)

		bus := ratelimit.New(store, ratelimit.DefaultBuckets())
		limit := bus.Middleware("install", func(r *http.Request) (string, error) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				return r.RemoteAddr, nil
			}
			return host, nil
		})

		return runHTTP(ctx, cfg, limit(router), logger)
	}

	if err := unlockKEK(ctx, store, kekSvc, passphrase); err != nil {
		return err
	}

	return serveNormal(ctx, cfg, store, kekSvc, logger)
}

func utcNow() time.Time { return time.Now().UTC() }

// unlockKEK loads the KDF params persisted at install time and derives the
// key from the operator's passphrase; it never generates new params once
// install has run, since that would silently invalidate every sealed blob.
func unlockKEK(ctx context.Context, store storage.Storage, kekSvc *kek.Service, passphrase string) error {
	raw, err := store.GetSetting(ctx, "kek_kdf")
	if err != nil {
		return fmt.Errorf("load kek_kdf setting: %w", err)
	}
	params, err := kek.UnmarshalKDFParams(raw)
	if err != nil {
		return fmt.Errorf("parse kek_kdf setting: %w", err)
	}
	kekSvc.Unlock(passphrase, params)
	return nil
}

// serveNormal wires the fully provisioned process: two OPAQUE engines (one
// per owner namespace), the rotating local signer, RBAC resolution, and the
// rate-limit bus, then hands everything to server.NewServer.
func serveNormal(ctx context.Context, cfg Config, store storage.Storage, kekSvc *kek.Service, logger *slog.Logger) error {
	expiry := cfg.Expiry.resolve()

	userOpaque, err := opaqueengine.New(ctx, storage.OpaqueOwnerUser, store, kekSvc)
	if err != nil {
		return fmt.Errorf("open user opaque engine: %w", err)
	}
	adminOpaque, err := opaqueengine.New(ctx, storage.OpaqueOwnerAdmin, store, kekSvc)
	if err != nil {
		return fmt.Errorf("open admin opaque engine: %w", err)
	}

	signerCfg := &signer.LocalConfig{KeysRotationPeriod: cfg.Expiry.SigningKeys}
	sign, err := signerCfg.Open(ctx, store, kekSvc, expiry.idTokens(), utcNow, logger)
	if err != nil {
		return fmt.Errorf("open signer: %w", err)
	}
	sign.Start(ctx)

	buckets := ratelimit.DefaultBuckets()
	for name, override := range cfg.RateLimitBuckets {
		buckets[name] = override
	}
	bus := ratelimit.New(store, buckets)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redisURL: %w", err)
		}
		bus = ratelimit.NewRedis(redis.NewClient(opts), buckets)
	}

	srv, err := server.NewServer(ctx, server.Config{
		Issuer: cfg.Issuer,
		Web: server.WebConfig{
			AllowedOrigins: cfg.Web.AllowedOrigins,
			LoginURL:       cfg.Web.LoginURL,
		},
		Storage:     store,
		KEK:         kekSvc,
		Signer:      sign,
		UserOpaque:  userOpaque,
		AdminOpaque: adminOpaque,
		RBAC:        rbac.New(store),
		RateLimit:   bus,
		Expiry:      expiry,
		Now:         utcNow,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	return runHTTP(ctx, cfg, srv, logger)
}

// runHTTP runs handler until ctx is cancelled or an interrupt/SIGTERM
// arrives, then shuts down with a bounded grace period.
func runHTTP(ctx context.Context, cfg Config, handler http.Handler, logger *slog.Logger) error {
	addr := cfg.Web.HTTP
	useTLS := cfg.Web.HTTPS != ""
	if useTLS {
		addr = cfg.Web.HTTPS
	}

	httpServer := &http.Server{Addr: addr, Handler: handler}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = httpServer.ListenAndServeTLS(cfg.Web.TLSCert, cfg.Web.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("darkauth listening", "addr", addr, "tls", useTLS)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
