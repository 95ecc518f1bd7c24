// TOTP enrollment and verification (second factor). The storage layer has
// no dedicated table for this, so enrollment state rides the same
// key/value settings store used elsewhere, namespaced per subject.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pquerna/otp"

	"github.com/darkauth/idp/internal/totp"
	"github.com/darkauth/idp/storage"
)

func totpSecretKey(subject string) string { return "totp.secret." + subject }

type totpRecord struct {
	URL       string `json:"url"`
	Confirmed bool   `json:"confirmed"`
}

func (s *Server) registerTOTPRoutes(router *mux.Router) {
	limited := s.rateLimited("otp")
	router.Handle("/totp/enroll", limited(http.HandlerFunc(s.handleTOTPEnroll))).Methods(http.MethodPost)
	router.Handle("/totp/confirm", limited(http.HandlerFunc(s.handleTOTPConfirm))).Methods(http.MethodPost)
}

// totpStatus reports whether subject has ever started enrollment, and
// whether that enrollment was confirmed with a valid code.
func (s *Server) totpStatus(ctx context.Context, subject string) (enrolled, confirmed bool) {
	rec, ok := s.loadTOTPRecord(ctx, subject)
	if !ok {
		return false, false
	}
	return true, rec.Confirmed
}

func (s *Server) loadTOTPRecord(ctx context.Context, subject string) (totpRecord, bool) {
	raw, err := s.cfg.Storage.GetSetting(ctx, totpSecretKey(subject))
	if err != nil || len(raw) == 0 {
		return totpRecord{}, false
	}
	var rec totpRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return totpRecord{}, false
	}
	return rec, true
}

func (s *Server) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}
	if rec, ok := s.loadTOTPRecord(ctx, sess.Subject); ok && rec.Confirmed {
		writeAPIError(w, newAPIError(errInvalidRequest, "totp already enrolled"))
		return
	}

	enrollment, err := totp.Generate(sess.Email)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	rec := totpRecord{URL: enrollment.URL, Confirmed: false}
	raw, err := json.Marshal(rec)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	if err := s.cfg.Storage.PutSetting(ctx, totpSecretKey(sess.Subject), raw); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	key, err := otp.NewKeyFromURL(enrollment.URL)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	qrImage, err := key.Image(300, 300)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qrImage); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorUser, sess.Subject, "totp.enroll", sess.Subject, r, true, "")
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":   enrollment.Secret,
		"qr_image": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}
	var body struct {
		Code string `json:"code" validate:"required"`
	}
	if !s.decodeValidate(w, r, &body) {
		return
	}

	rec, ok := s.loadTOTPRecord(ctx, sess.Subject)
	if !ok {
		writeAPIError(w, newAPIError(errInvalidRequest, "no pending totp enrollment"))
		return
	}
	if rec.Confirmed {
		writeAPIError(w, newAPIError(errInvalidRequest, "totp already confirmed"))
		return
	}
	if !totp.Validate(body.Code, rec.URL) {
		s.audit(ctx, storage.AuditActorUser, sess.Subject, "totp.confirm", sess.Subject, r, false, "invalid code")
		writeAPIError(w, newAPIError(errAuthenticationFailed, "invalid totp code"))
		return
	}

	rec.Confirmed = true
	raw, err := json.Marshal(rec)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	if err := s.cfg.Storage.PutSetting(ctx, totpSecretKey(sess.Subject), raw); err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorUser, sess.Subject, "totp.confirm", sess.Subject, r, true, "")
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

// verifyTOTP validates code against subject's confirmed secret. Returns
// false for any subject without a confirmed enrollment.
func (s *Server) verifyTOTP(ctx context.Context, subject, code string) bool {
	rec, ok := s.loadTOTPRecord(ctx, subject)
	if !ok || !rec.Confirmed {
		return false
	}
	return totp.Validate(code, rec.URL)
}
