package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/darkauth/idp/storage"
)

// rateLimited wraps a handler so every request first consumes one unit of
// bucket via C10, returning the taxonomy's rate_limited error when the
// client is over the named bucket's policy.
func (s *Server) rateLimited(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.RateLimit == nil {
				next.ServeHTTP(w, r)
				return
			}
			result, err := s.cfg.RateLimit.Allow(r.Context(), bucket, clientKey(r))
			if err != nil {
				s.cfg.Logger.ErrorContext(r.Context(), "rate limit check failed", "bucket", bucket, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				writeAPIError(w, newRateLimitedError(int(result.RetryAfter.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the rate-limit bucket key: the caller's IP, taking the
// left-most X-Forwarded-For hop when present so a reverse proxy doesn't
// collapse every client into one bucket.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

// decodeValidate JSON-decodes r's body into dst and runs struct-tag
// validation, writing a validation apiError and returning false on any
// failure so handlers can early-return in one line.
func (s *Server) decodeValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed JSON body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeAPIError(w, newValidationError(fieldErrorDetails(err)))
		return false
	}
	return true
}

func fieldErrorDetails(err error) []string {
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(ves))
	for _, fe := range ves {
		details = append(details, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return details
}

// requireSession is used by handlers that need an authenticated caller of
// the given cohort (user routes, admin routes).
func (s *Server) requireSession(r *http.Request, cohort storage.SessionCohort) (storage.Session, error) {
	return s.sessionFromCookie(r, cohort)
}
