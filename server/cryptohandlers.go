// Per-user client-side key material, served through /crypto/*. Every blob
// here is opaque to the server: it stores and returns bytes it never
// interprets, wraps, or decrypts, so the zero-knowledge property holds
// because the server-side code in this file never branches on content.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/storage"
)

const maxCryptoBlobBytes = 10 * 1024

type cryptoBlob struct {
	Value string `json:"value"` // base64url
}

func (s *Server) registerCryptoRoutes(router *mux.Router) {
	limited := s.rateLimited("general")
	router.Handle("/crypto/wrapped-drk", limited(http.HandlerFunc(s.handleWrappedDRK))).Methods(http.MethodGet, http.MethodPut)
	router.Handle("/crypto/wrapped-enc-priv", limited(http.HandlerFunc(s.handleWrappedEncPriv))).Methods(http.MethodGet, http.MethodPut)
	router.Handle("/crypto/enc-pub", limited(http.HandlerFunc(s.handleEncPub))).Methods(http.MethodGet, http.MethodPut)
	router.Handle("/crypto/user-enc-pub", limited(http.HandlerFunc(s.handleUserEncPub))).Methods(http.MethodGet)
}

func (s *Server) handleWrappedDRK(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Storage.GetWrappedRootKey(ctx, sess.Subject)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "no wrapped drk on record"))
			return
		}
		writeJSON(w, http.StatusOK, cryptoBlob{Value: base64.RawURLEncoding.EncodeToString(rec.Wrapped)})
	case http.MethodPut:
		raw, ok := s.decodeCryptoBlob(w, r)
		if !ok {
			return
		}
		if err := s.cfg.Storage.PutWrappedRootKey(ctx, storage.WrappedRootKey{
			Subject:   sess.Subject,
			Wrapped:   raw,
			UpdatedAt: s.cfg.Now(),
		}); err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		s.audit(ctx, storage.AuditActorUser, sess.Subject, "crypto.wrapped_drk.put", sess.Subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWrappedEncPriv(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Storage.GetUserEncryptionKey(ctx, sess.Subject)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "no encryption key on record"))
			return
		}
		writeJSON(w, http.StatusOK, cryptoBlob{Value: base64.RawURLEncoding.EncodeToString(rec.EncPriv)})
	case http.MethodPut:
		raw, ok := s.decodeCryptoBlob(w, r)
		if !ok {
			return
		}
		if err := s.upsertUserEncryptionKey(ctx, sess.Subject, func(k *storage.UserEncryptionKey) { k.EncPriv = raw }); err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		s.audit(ctx, storage.AuditActorUser, sess.Subject, "crypto.wrapped_enc_priv.put", sess.Subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleEncPub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.requireSession(r, storage.SessionCohortUser)
	if err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Storage.GetUserEncryptionKey(ctx, sess.Subject)
		if err != nil {
			writeAPIError(w, newAPIError(errNotFound, "no encryption key on record"))
			return
		}
		writeJSON(w, http.StatusOK, cryptoBlob{Value: base64.RawURLEncoding.EncodeToString(rec.EncPub)})
	case http.MethodPut:
		raw, ok := s.decodeCryptoBlob(w, r)
		if !ok {
			return
		}
		if err := s.upsertUserEncryptionKey(ctx, sess.Subject, func(k *storage.UserEncryptionKey) { k.EncPub = raw }); err != nil {
			writeAPIError(w, newAPIError(errServerError, ""))
			return
		}
		s.audit(ctx, storage.AuditActorUser, sess.Subject, "crypto.enc_pub.put", sess.Subject, r, true, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleUserEncPub looks up another user's public encryption key by
// subject, so a relying party can encrypt a DRK share to a teammate
// without the server ever holding the corresponding private half.
func (s *Server) handleUserEncPub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.requireSession(r, storage.SessionCohortUser); err != nil {
		writeAPIError(w, newAPIError(errAuthenticationFailed, "no active session"))
		return
	}

	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeAPIError(w, newAPIError(errInvalidRequest, "missing subject"))
		return
	}
	rec, err := s.cfg.Storage.GetUserEncryptionKey(ctx, subject)
	if err != nil {
		writeAPIError(w, newAPIError(errNotFound, "no encryption key on record"))
		return
	}
	writeJSON(w, http.StatusOK, cryptoBlob{Value: base64.RawURLEncoding.EncodeToString(rec.EncPub)})
}

func (s *Server) upsertUserEncryptionKey(ctx context.Context, subject string, mutate func(*storage.UserEncryptionKey)) error {
	rec, err := s.cfg.Storage.GetUserEncryptionKey(ctx, subject)
	if err != nil {
		rec = storage.UserEncryptionKey{Subject: subject}
	}
	mutate(&rec)
	rec.UpdatedAt = s.cfg.Now()
	return s.cfg.Storage.PutUserEncryptionKey(ctx, rec)
}

func (s *Server) decodeCryptoBlob(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	var body cryptoBlob
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCryptoBlobBytes)).Decode(&body); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed JSON body or blob too large"))
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body.Value)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "value must be base64url"))
		return nil, false
	}
	return raw, true
}
