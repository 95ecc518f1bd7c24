// Package install implements the one-shot install bootstrap: a router
// mounted only while the "system.initialized" setting is false, which
// derives the KEK from an operator-supplied passphrase, runs a dedicated
// OPAQUE registration for the first admin, seeds default settings and
// clients, and flips the installed flag so the caller can swap this router
// out for the normal one.
package install

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/server/opaqueengine"
	"github.com/darkauth/idp/storage"
)

const (
	settingInitialized = "system.initialized"
	settingKEKParams   = "kek_kdf"
	installTokenTTL    = 10 * time.Minute
)

// ErrAlreadyInitialized is returned by every handler once install has
// completed, so a retried or duplicated install attempt can never run
// twice.
var ErrAlreadyInitialized = fmt.Errorf("already_initialized")

// Bootstrap holds everything the install flow needs before the permanent
// signer and OPAQUE engines exist. KEK is the same *kek.Service instance
// the rest of the process will use after install completes, so unlocking
// it here is the one and only unlock for the process lifetime.
type Bootstrap struct {
	Storage storage.Storage
	KEK     *kek.Service
	Now     func() time.Time
	Logger  *slog.Logger

	// DefaultIssuer seeds the "issuer" setting if the request doesn't override it.
	DefaultIssuer string
	// DefaultClients seeds storage.Client rows at install completion.
	DefaultClients []storage.Client

	adminOpaque *opaqueengine.Engine
	tokenPlain  string
	tokenExpiry time.Time
	validate    *validator.Validate
}

func (b *Bootstrap) validator() *validator.Validate {
	if b.validate == nil {
		b.validate = validator.New()
	}
	return b.validate
}

type installToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsInitialized reports whether install has already completed, so the
// caller can decide whether to mount this router at all.
func (b *Bootstrap) IsInitialized(ctx context.Context) bool {
	raw, err := b.Storage.GetSetting(ctx, settingInitialized)
	if err != nil {
		return false
	}
	var initialized bool
	_ = json.Unmarshal(raw, &initialized)
	return initialized
}

func (b *Bootstrap) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/install", b.handleBegin).Methods(http.MethodPost)
	router.HandleFunc("/install", b.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/install/opaque/start", b.handleOpaqueStart).Methods(http.MethodPost)
	router.HandleFunc("/install/opaque/finish", b.handleOpaqueFinish).Methods(http.MethodPost)
	router.HandleFunc("/install/complete", b.handleComplete).Methods(http.MethodPost)
}

func (b *Bootstrap) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": b.IsInitialized(r.Context())})
}

type beginRequest struct {
	Passphrase string `json:"passphrase" validate:"required,min=12"`
	Issuer     string `json:"issuer"`
}

// handleBegin derives the KEK from the operator's passphrase and opens the
// admin-namespace OPAQUE engine, both of which require a storage handle
// that already exists by the time this process starts.
func (b *Bootstrap) handleBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if b.IsInitialized(ctx) {
		writeError(w, http.StatusConflict, ErrAlreadyInitialized.Error())
		return
	}

	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || b.validator().Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	params, err := kek.GenerateKDFParams()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	b.KEK.Unlock(req.Passphrase, params)

	marshaled, err := params.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := b.Storage.PutSetting(ctx, settingKEKParams, marshaled); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	engine, err := opaqueengine.New(ctx, storage.OpaqueOwnerAdmin, b.Storage, b.KEK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	b.adminOpaque = engine

	issuer := req.Issuer
	if issuer == "" {
		issuer = b.DefaultIssuer
	}
	if issuer != "" {
		_ = b.Storage.PutSetting(ctx, "issuer", mustJSON(issuer))
	}

	b.tokenPlain = storage.NewID(32)
	b.tokenExpiry = b.Now().Add(installTokenTTL)

	writeJSON(w, http.StatusOK, installToken{Token: b.tokenPlain, ExpiresAt: b.tokenExpiry})
}

func (b *Bootstrap) checkToken(r *http.Request) bool {
	if b.tokenPlain == "" {
		return false
	}
	if b.Now().After(b.tokenExpiry) {
		return false
	}
	return r.Header.Get("X-Install-Token") == b.tokenPlain
}

type opaqueStartRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Name    string `json:"name" validate:"required"`
	Request string `json:"request" validate:"required"`
}

func (b *Bootstrap) handleOpaqueStart(w http.ResponseWriter, r *http.Request) {
	if b.IsInitialized(r.Context()) {
		writeError(w, http.StatusConflict, ErrAlreadyInitialized.Error())
		return
	}
	if !b.checkToken(r) {
		writeError(w, http.StatusUnauthorized, "expired")
		return
	}

	var req opaqueStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || b.validator().Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	requestBytes, err := base64.RawURLEncoding.DecodeString(req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	respBytes, err := b.adminOpaque.StartRegistration(requestBytes, req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": base64.RawURLEncoding.EncodeToString(respBytes)})
}

type opaqueFinishRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name" validate:"required"`
	Record string `json:"record" validate:"required"`
}

func (b *Bootstrap) handleOpaqueFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if b.IsInitialized(ctx) {
		writeError(w, http.StatusConflict, ErrAlreadyInitialized.Error())
		return
	}
	if !b.checkToken(r) {
		writeError(w, http.StatusUnauthorized, "expired")
		return
	}

	var req opaqueFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || b.validator().Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	recordBytes, err := base64.RawURLEncoding.DecodeString(req.Record)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := b.adminOpaque.FinishRegistration(ctx, recordBytes, req.Email); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_failed")
		return
	}
	if err := b.Storage.CreateAdmin(ctx, storage.Admin{
		Subject:   req.Email,
		Email:     req.Email,
		Name:      req.Name,
		Role:      storage.AdminRoleWrite,
		CreatedAt: b.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subject": req.Email})
}

// handleComplete seeds default settings and clients and flips
// system.initialized, after which every install route responds
// already_initialized for the remaining process lifetime.
func (b *Bootstrap) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if b.IsInitialized(ctx) {
		writeError(w, http.StatusConflict, ErrAlreadyInitialized.Error())
		return
	}
	if !b.checkToken(r) {
		writeError(w, http.StatusUnauthorized, "expired")
		return
	}

	defaults := map[string]any{
		"users.self_registration_enabled": false,
		"id_token.lifetime_seconds":       300,
		"access_token.lifetime_seconds":   300,
	}
	for key, value := range defaults {
		if _, err := b.Storage.GetSetting(ctx, key); err == nil {
			continue
		}
		if err := b.Storage.PutSetting(ctx, key, mustJSON(value)); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	for _, client := range b.DefaultClients {
		if client.CreatedAt.IsZero() {
			client.CreatedAt = b.Now()
		}
		if err := b.Storage.CreateClient(ctx, client); err != nil && err != storage.ErrAlreadyExists {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	if err := b.Storage.PutSetting(ctx, settingInitialized, mustJSON(true)); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	b.tokenPlain = ""
	b.adminOpaque = nil

	writeJSON(w, http.StatusOK, map[string]bool{"initialized": true})
}

func mustJSON(v any) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}
