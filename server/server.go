// Package server implements DarkAuth's HTTP surface: OIDC discovery, the
// OPAQUE registration/login handshake, the authorize/finalize/token
// endpoints, per-user crypto blob storage, session logout, and the admin
// CRUD surface. It is the integration point of every other package in
// this module.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/internal/rbac"
	"github.com/darkauth/idp/server/opaqueengine"
	"github.com/darkauth/idp/server/ratelimit"
	"github.com/darkauth/idp/server/signer"
	"github.com/darkauth/idp/storage"
)

// Expiry holds the TTLs C4/C5 apply when minting new rows; zero values fall
// back to the package defaults below.
type Expiry struct {
	PendingAuthorization time.Duration
	AuthCode             time.Duration
	SessionDefault       time.Duration
	IDTokens             time.Duration
}

const (
	defaultPendingAuthorizationTTL = 5 * time.Minute
	defaultAuthCodeTTL             = 60 * time.Second
	defaultSessionTTL              = 15 * time.Minute
	defaultIDTokenTTL              = 300 * time.Second
)

func (e Expiry) pendingAuthorization() time.Duration {
	if e.PendingAuthorization > 0 {
		return e.PendingAuthorization
	}
	return defaultPendingAuthorizationTTL
}

func (e Expiry) authCode() time.Duration {
	if e.AuthCode > 0 {
		return e.AuthCode
	}
	return defaultAuthCodeTTL
}

func (e Expiry) sessionDefault() time.Duration {
	if e.SessionDefault > 0 {
		return e.SessionDefault
	}
	return defaultSessionTTL
}

func (e Expiry) idTokens() time.Duration {
	if e.IDTokens > 0 {
		return e.IDTokens
	}
	return defaultIDTokenTTL
}

// Config is everything NewServer needs to wire the HTTP surface to the
// already-constructed components.
type Config struct {
	Issuer string
	Web    WebConfig

	Storage storage.Storage
	KEK     *kek.Service
	Signer  signer.Signer

	UserOpaque  *opaqueengine.Engine
	AdminOpaque *opaqueengine.Engine

	RBAC      *rbac.Resolver
	RateLimit *ratelimit.Bus

	Expiry Expiry
	Now    func() time.Time
	Logger *slog.Logger
}

// WebConfig carries the HTTP-layer-specific settings that don't belong in
// any single component.
type WebConfig struct {
	AllowedOrigins []string
	// LoginURL is the external UI's login page; GET /authorize redirects
	// here with a request_id query parameter since HTML rendering is an
	// explicit non-goal of this component.
	LoginURL string
}

// Server is the darkauth HTTP server: an http.Handler plus the dependencies
// every route handler closes over.
type Server struct {
	router    *mux.Router
	handler   http.Handler
	cfg       Config
	validate  *validator.Validate
	startedAt time.Time
}

// NewServer builds the router and wraps it with CORS and access logging.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		validate:  validator.New(),
		startedAt: cfg.Now(),
	}

	router := mux.NewRouter()
	s.registerDiscoveryRoutes(router)
	s.registerOpaqueRoutes(router)
	s.registerAuthorizationRoutes(router)
	s.registerTokenRoutes(router)
	s.registerCryptoRoutes(router)
	s.registerSessionRoutes(router)
	s.registerTOTPRoutes(router)
	s.registerAdminRoutes(router)
	s.registerMetricsRoute(router)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	router.Use(metricsMiddleware)
	s.router = router

	var handler http.Handler = router
	if len(cfg.Web.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.Web.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
			handlers.AllowCredentials(),
		)(handler)
	}
	handler = handlers.CombinedLoggingHandler(slogWriter{cfg.Logger}, handler)
	s.handler = handler

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Storage.ListSettings(r.Context()); err != nil {
		writeAPIError(w, newAPIError(errServerError, "storage unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// slogWriter adapts *slog.Logger to the io.Writer gorilla/handlers' combined
// logging handler expects, so access logs flow through the same structured
// sink as every other log line.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Info("http access", "line", string(p))
	return len(p), nil
}
