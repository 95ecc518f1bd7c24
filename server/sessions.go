package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/storage"
)

const (
	userSessionCookie  = "darkauth_session"
	adminSessionCookie = "darkauth_admin_session"
)

func sessionCookieName(cohort storage.SessionCohort) string {
	if cohort == storage.SessionCohortAdmin {
		return adminSessionCookie
	}
	return userSessionCookie
}

// createSession mints a new Session row for subject, looking up its display
// name/email from the appropriate table so the session carries a
// denormalized copy and later reads never need a join.
func (s *Server) createSession(ctx context.Context, cohort storage.SessionCohort, subject string, r *http.Request) (storage.Session, error) {
	email, name, err := s.identityFor(ctx, cohort, subject)
	if err != nil {
		return storage.Session{}, err
	}

	now := s.cfg.Now()
	sess := storage.Session{
		ID:           storage.NewID(32),
		Cohort:       cohort,
		Subject:      subject,
		Email:        email,
		Name:         name,
		ClientID:     r.URL.Query().Get("client_id"),
		RefreshToken: storage.NewID(32),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Expiry.sessionDefault()),
	}
	if err := s.cfg.Storage.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func (s *Server) identityFor(ctx context.Context, cohort storage.SessionCohort, subject string) (email, name string, err error) {
	if cohort == storage.SessionCohortAdmin {
		admin, err := s.cfg.Storage.GetAdmin(ctx, subject)
		if err != nil {
			return "", "", err
		}
		return admin.Email, admin.Name, nil
	}
	user, err := s.cfg.Storage.GetUser(ctx, subject)
	if err != nil {
		return "", "", err
	}
	return user.Email, user.Name, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, cohort storage.SessionCohort, sess storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(cohort),
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, cohort storage.SessionCohort) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(cohort),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionFromCookie loads and validates the session named by cohort's
// cookie, rejecting it if expired. It does not extend expiry; only the
// refresh_token grant does that.
func (s *Server) sessionFromCookie(r *http.Request, cohort storage.SessionCohort) (storage.Session, error) {
	cookie, err := r.Cookie(sessionCookieName(cohort))
	if err != nil {
		return storage.Session{}, errors.New("no session cookie")
	}
	sess, err := s.cfg.Storage.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return storage.Session{}, err
	}
	if sess.Cohort != cohort {
		return storage.Session{}, errors.New("session cohort mismatch")
	}
	if s.cfg.Now().After(sess.ExpiresAt) {
		return storage.Session{}, errors.New("session expired")
	}
	return sess, nil
}

func (s *Server) registerSessionRoutes(router *mux.Router) {
	router.Handle("/logout", s.rateLimited("general")(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed form body"))
		return
	}

	cohort := storage.SessionCohortUser
	sess, err := s.sessionFromCookie(r, cohort)
	if err != nil {
		sess, err = s.sessionFromCookie(r, storage.SessionCohortAdmin)
		cohort = storage.SessionCohortAdmin
	}
	if err == nil {
		_ = s.cfg.Storage.DeleteSession(ctx, sess.ID)
		s.audit(ctx, auditActorForCohort(cohort), sess.Subject, "logout", sess.Subject, r, true, "")
	}
	s.clearSessionCookie(w, storage.SessionCohortUser)
	s.clearSessionCookie(w, storage.SessionCohortAdmin)

	redirect := r.Form.Get("post_logout_redirect_uri")
	if redirect == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if state := r.Form.Get("state"); state != "" {
		redirect = redirect + "?state=" + state
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}
