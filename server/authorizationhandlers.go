package server

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/server/zk"
	"github.com/darkauth/idp/storage"
)

func (s *Server) registerAuthorizationRoutes(router *mux.Router) {
	limited := s.rateLimited("auth")
	router.Handle("/authorize", limited(http.HandlerFunc(s.handleAuthorize))).Methods(http.MethodGet)
	router.Handle("/authorize/bind", limited(http.HandlerFunc(s.handleAuthorizeBind))).Methods(http.MethodPost)
	router.Handle("/authorize/finalize", limited(http.HandlerFunc(s.handleAuthorizeFinalize))).Methods(http.MethodPost)
}

// handleAuthorize validates the incoming OIDC request and hands the browser
// off to the external UI with a request_id; rendering the login page itself
// is the UI's job, not this server's.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	client, err := s.cfg.Storage.GetClient(ctx, clientID)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidClient, "unknown client_id"))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !stringSliceContains(client.RedirectURIs, redirectURI) {
		writeAPIError(w, newAPIError(errInvalidRequest, "redirect_uri is not registered for this client"))
		return
	}

	if q.Get("response_type") != "code" {
		writeAPIError(w, newAPIError(errInvalidRequest, "response_type must be code"))
		return
	}

	challengeMethod := storage.PKCEMethod(q.Get("code_challenge_method"))
	if q.Get("code_challenge") != "" && challengeMethod != storage.PKCEMethodS256 {
		writeAPIError(w, newAPIError(errInvalidRequest, "unsupported code_challenge_method"))
		return
	}
	if q.Get("code_challenge") == "" && (client.Type == storage.ClientTypePublic || client.RequirePKCE) {
		writeAPIError(w, newAPIError(errInvalidRequest, "pkce required for this client"))
		return
	}

	var zkPubKID string
	if rawZKPub := q.Get("zk_pub"); rawZKPub != "" {
		if client.ZKDelivery == storage.ZKDeliveryNone {
			writeAPIError(w, newAPIError(errInvalidRequest, "client does not support zk delivery"))
			return
		}
		if _, err := zk.ValidatePublicKey([]byte(rawZKPub)); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, err.Error()))
			return
		}
		zkPubKID = zk.Fingerprint([]byte(rawZKPub))
	} else if client.ZKRequired {
		writeAPIError(w, newAPIError(errInvalidRequest, "zk delivery required but zk_pub absent"))
		return
	}

	now := s.cfg.Now()
	pending := storage.PendingAuthorization{
		RequestID:           storage.NewID(32),
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: challengeMethod,
		ZKPubKID:            zkPubKID,
		Origin:              r.Header.Get("Origin"),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.Expiry.pendingAuthorization()),
	}
	if err := s.cfg.Storage.CreatePendingAuthorization(ctx, pending); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	loginURL, err := url.Parse(s.cfg.Web.LoginURL)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, "login url misconfigured"))
		return
	}
	query := loginURL.Query()
	query.Set("request_id", pending.RequestID)
	loginURL.RawQuery = query.Encode()

	http.Redirect(w, r, loginURL.String(), http.StatusFound)
}

// handleAuthorizeBind attaches the authenticated session's subject to a
// pending authorization once the UI has completed OPAQUE login (and, when
// the subject has TOTP enrolled, second-factor verification).
func (s *Server) handleAuthorizeBind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed form body"))
		return
	}

	requestID := r.PostForm.Get("request_id")
	pending, err := s.cfg.Storage.GetPendingAuthorization(ctx, requestID)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "unknown or expired request_id"))
		return
	}
	if s.cfg.Now().After(pending.ExpiresAt) {
		writeAPIError(w, newAPIError(errInvalidRequest, "request_id expired"))
		return
	}

	otpVerified := false
	if enrolled, confirmed := s.totpStatus(ctx, sess.Subject); enrolled && confirmed {
		code := r.PostForm.Get("totp_code")
		if code == "" || !s.verifyTOTP(ctx, sess.Subject, code) {
			writeAPIError(w, newAPIError(errAuthenticationFailed, "totp code required or invalid"))
			return
		}
		otpVerified = true
	}

	if err := s.cfg.Storage.BindUserToPendingAuthorization(ctx, requestID, sess.Subject, otpVerified); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorUser, sess.Subject, "authorize.bind", pending.ClientID, r, true, "")
	writeJSON(w, http.StatusOK, map[string]bool{"bound": true})
}

// handleAuthorizeFinalize mints the authorization code and redirects the
// browser back to the client's redirect_uri, carrying the zero-knowledge
// Data Root Key binding established earlier when the client participates in
// it.
func (s *Server) handleAuthorizeFinalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed form body"))
		return
	}

	requestID := r.PostForm.Get("request_id")
	drkHash := r.PostForm.Get("drk_hash")
	if drkHash != "" {
		if err := zk.ValidateDRKHash(drkHash); err != nil {
			writeAPIError(w, newAPIError(errInvalidRequest, err.Error()))
			return
		}
	}

	pending, err := s.cfg.Storage.ConsumePendingAuthorization(ctx, requestID, s.cfg.Now())
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "unknown, expired, or already-finalized request_id"))
		return
	}
	if pending.UserSub == "" || pending.UserSub != sess.Subject {
		writeAPIError(w, newAPIError(errForbidden, "pending authorization is not bound to this session"))
		return
	}

	hasZK := pending.ZKPubKID != ""
	if err := zk.RequireDRKHash(hasZK, drkHash); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, err.Error()))
		return
	}

	orgMember, org, hasOrg, err := s.cfg.RBAC.ResolveOrganizationContext(ctx, sess.Subject, "")
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	orgID := ""
	if hasOrg {
		orgID = org.ID
		_ = orgMember
	}

	now := s.cfg.Now()
	code := storage.AuthCode{
		Code:                storage.NewID(32),
		ClientID:            pending.ClientID,
		Subject:             sess.Subject,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
		Scope:               pending.Scope,
		OrganizationID:      orgID,
		HasZK:               hasZK,
		ZKPubKID:            pending.ZKPubKID,
		DRKHash:             drkHash,
		OTPVerified:         pending.OTPVerified,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.Expiry.authCode()),
	}
	if err := s.cfg.Storage.CreateAuthCode(ctx, code); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	redirectTo, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, "invalid redirect_uri on record"))
		return
	}
	v := redirectTo.Query()
	v.Set("code", code.Code)
	if pending.State != "" {
		v.Set("state", pending.State)
	}
	redirectTo.RawQuery = v.Encode()

	s.audit(ctx, storage.AuditActorUser, sess.Subject, "authorize.finalize", pending.ClientID, r, true, "")
	http.Redirect(w, r, redirectTo.String(), http.StatusSeeOther)
}
