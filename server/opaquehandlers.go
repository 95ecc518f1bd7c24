package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/server/opaqueengine"
	"github.com/darkauth/idp/storage"
)

func (s *Server) registerOpaqueRoutes(router *mux.Router) {
	userLimited := s.rateLimited("opaque")
	router.Handle("/opaque/register/start", userLimited(http.HandlerFunc(s.handleUserRegisterStart))).Methods(http.MethodPost)
	router.Handle("/opaque/register/finish", userLimited(http.HandlerFunc(s.handleUserRegisterFinish))).Methods(http.MethodPost)
	router.Handle("/opaque/login/start", userLimited(http.HandlerFunc(s.handleUserLoginStart))).Methods(http.MethodPost)
	router.Handle("/opaque/login/finish", userLimited(http.HandlerFunc(s.handleUserLoginFinish))).Methods(http.MethodPost)

	adminLimited := s.rateLimited("admin")
	router.Handle("/admin/opaque/login/start", adminLimited(http.HandlerFunc(s.handleAdminLoginStart))).Methods(http.MethodPost)
	router.Handle("/admin/opaque/login/finish", adminLimited(http.HandlerFunc(s.handleAdminLoginFinish))).Methods(http.MethodPost)
}

type registerStartRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Name    string `json:"name" validate:"required"`
	Request string `json:"request" validate:"required"`
}

type registerResponse struct {
	Response string `json:"response"`
}

func (s *Server) selfRegistrationEnabled(ctx context.Context) bool {
	raw, err := s.cfg.Storage.GetSetting(ctx, "users.self_registration_enabled")
	if err != nil {
		return false
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return false
	}
	return enabled
}

func (s *Server) handleUserRegisterStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.selfRegistrationEnabled(ctx) {
		writeAPIError(w, newAPIError(errForbidden, "self-registration is disabled"))
		return
	}

	var req registerStartRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}

	if _, err := s.cfg.Storage.GetUserByEmail(ctx, req.Email); err == nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "email already registered"))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	requestBytes, err := base64.RawURLEncoding.DecodeString(req.Request)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "request must be base64url"))
		return
	}

	respBytes, err := s.cfg.UserOpaque.StartRegistration(requestBytes, req.Email)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, ""))
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Response: base64.RawURLEncoding.EncodeToString(respBytes)})
}

type registerFinishRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name" validate:"required"`
	Record string `json:"record" validate:"required"`
}

func (s *Server) handleUserRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.selfRegistrationEnabled(ctx) {
		writeAPIError(w, newAPIError(errForbidden, "self-registration is disabled"))
		return
	}

	var req registerFinishRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}

	recordBytes, err := base64.RawURLEncoding.DecodeString(req.Record)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "record must be base64url"))
		return
	}

	if err := s.cfg.UserOpaque.FinishRegistration(ctx, recordBytes, req.Email); err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, ""))
		return
	}

	if err := s.cfg.Storage.CreateUser(ctx, storage.User{
		Subject:   req.Email,
		Email:     req.Email,
		Name:      req.Name,
		CreatedAt: s.cfg.Now(),
	}); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorUser, req.Email, "user.register", req.Email, r, true, "")
	writeJSON(w, http.StatusOK, map[string]string{"subject": req.Email})
}

type loginStartRequest struct {
	Email string `json:"email" validate:"required,email"`
	KE1   string `json:"ke1" validate:"required"`
}

type loginStartResponse struct {
	KE2       string `json:"ke2"`
	SessionID string `json:"loginSessionId"`
}

func (s *Server) handleUserLoginStart(w http.ResponseWriter, r *http.Request) {
	s.handleLoginStart(w, r, s.cfg.UserOpaque)
}

func (s *Server) handleAdminLoginStart(w http.ResponseWriter, r *http.Request) {
	s.handleLoginStart(w, r, s.cfg.AdminOpaque)
}

func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request, engine *opaqueengine.Engine) {
	var req loginStartRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}

	ke1Bytes, err := base64.RawURLEncoding.DecodeString(req.KE1)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "ke1 must be base64url"))
		return
	}

	ke2Bytes, sessionID, err := engine.StartLogin(r.Context(), ke1Bytes, req.Email, req.Email)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, ""))
		return
	}

	writeJSON(w, http.StatusOK, loginStartResponse{
		KE2:       base64.RawURLEncoding.EncodeToString(ke2Bytes),
		SessionID: sessionID,
	})
}

type loginFinishRequest struct {
	SessionID string `json:"loginSessionId" validate:"required"`
	KE3       string `json:"ke3" validate:"required"`
}

type loginFinishResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleUserLoginFinish(w http.ResponseWriter, r *http.Request) {
	s.handleLoginFinish(w, r, s.cfg.UserOpaque, storage.SessionCohortUser)
}

func (s *Server) handleAdminLoginFinish(w http.ResponseWriter, r *http.Request) {
	s.handleLoginFinish(w, r, s.cfg.AdminOpaque, storage.SessionCohortAdmin)
}

func (s *Server) handleLoginFinish(w http.ResponseWriter, r *http.Request, engine *opaqueengine.Engine, cohort storage.SessionCohort) {
	ctx := r.Context()
	var req loginFinishRequest
	if !s.decodeValidate(w, r, &req) {
		return
	}

	ke3Bytes, err := base64.RawURLEncoding.DecodeString(req.KE3)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "ke3 must be base64url"))
		return
	}

	_, subject, err := engine.FinishLogin(ctx, req.SessionID, ke3Bytes)
	if err != nil {
		s.audit(ctx, auditActorForCohort(cohort), "", "login.failed", string(cohort), r, false, "")
		writeAPIError(w, newAPIError(errAuthenticationFailed, ""))
		return
	}

	sess, err := s.createSession(ctx, cohort, subject, r)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.setSessionCookie(w, cohort, sess)
	s.audit(ctx, auditActorForCohort(cohort), subject, "login.success", subject, r, true, "")
	writeJSON(w, http.StatusOK, loginFinishResponse{SessionID: sess.ID})
}

func auditActorForCohort(cohort storage.SessionCohort) storage.AuditActorType {
	if cohort == storage.SessionCohortAdmin {
		return storage.AuditActorAdmin
	}
	return storage.AuditActorUser
}
