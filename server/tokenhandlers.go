package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/darkauth/idp/internal/rbac"
	"github.com/darkauth/idp/server/zk"
	"github.com/darkauth/idp/storage"
)

func (s *Server) registerTokenRoutes(router *mux.Router) {
	router.Handle("/token", s.rateLimited("token")(http.HandlerFunc(s.handleToken))).Methods(http.MethodPost)
}

// idTokenClaims is the full set of claims this engine can emit; fields left
// at their zero value are omitted by the json tag so one struct serves
// every grant in §4.7.4.
type idTokenClaims struct {
	Issuer      string   `json:"iss"`
	Subject     string   `json:"sub"`
	Audience    string   `json:"aud"`
	IssuedAt    int64    `json:"iat"`
	Expiry      int64    `json:"exp"`
	Nonce       string   `json:"nonce,omitempty"`
	Email       string   `json:"email,omitempty"`
	EmailVerif  *bool    `json:"email_verified,omitempty"`
	Name        string   `json:"name,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	OrgSlug     string   `json:"org_slug,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ACR         string   `json:"acr,omitempty"`
	AMR         []string `json:"amr,omitempty"`
}

type accessTokenClaims struct {
	Issuer      string   `json:"iss"`
	Subject     string   `json:"sub"`
	Audience    string   `json:"aud"`
	AZP         string   `json:"azp"`
	IssuedAt    int64    `json:"iat"`
	Expiry      int64    `json:"exp"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
	GrantType   string   `json:"grant_type"`
	TokenUse    string   `json:"token_use"`
}

type tokenResponse struct {
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ZKDRKHash    string `json:"zk_drk_hash,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeAPIError(w, newAPIError(errInvalidRequest, "malformed form body"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	client, authenticated, apiErr := s.authenticateClient(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if !authenticated {
		writeAPIError(w, newAPIError(errInvalidClient, "client authentication failed"))
		return
	}

	if !stringSliceContains(client.GrantTypes, grantType) {
		writeAPIError(w, newAPIError(errUnauthorizedClient, "grant type not allowed for this client"))
		return
	}

	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(ctx, w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(ctx, w, r, client)
	case "client_credentials":
		s.handleClientCredentialsGrant(ctx, w, r, client)
	default:
		writeAPIError(w, newAPIError(errInvalidRequest, "unsupported grant_type"))
	}
}

// authenticateClient resolves the client named by the request and verifies
// it per the rules of its tokenEndpointAuthMethod.
func (s *Server) authenticateClient(r *http.Request) (storage.Client, bool, *apiError) {
	ctx := r.Context()

	basicID, basicSecret, hasBasic := r.BasicAuth()
	clientID := r.PostForm.Get("client_id")
	if hasBasic {
		clientID = basicID
	}
	if clientID == "" {
		return storage.Client{}, false, newAPIError(errInvalidClient, "missing client_id")
	}

	client, err := s.cfg.Storage.GetClient(ctx, clientID)
	if err != nil {
		return storage.Client{}, false, newAPIError(errInvalidClient, "unknown client")
	}

	switch client.TokenEndpointAuthMethod {
	case storage.AuthMethodNone:
		if client.Type != storage.ClientTypePublic {
			return storage.Client{}, false, newAPIError(errInvalidClient, "confidential client must authenticate")
		}
		return client, true, nil
	case storage.AuthMethodClientSecretBasic:
		if !hasBasic {
			return storage.Client{}, false, newAPIError(errInvalidClient, "basic authentication required")
		}
		plainSecret, err := s.cfg.KEK.Decrypt(client.EncryptedSecret, []byte(client.ID))
		if err != nil {
			return storage.Client{}, false, newAPIError(errInvalidClient, "client secret unavailable")
		}
		if subtle.ConstantTimeCompare(plainSecret, []byte(basicSecret)) != 1 {
			return storage.Client{}, false, newAPIError(errInvalidClient, "bad client secret")
		}
		return client, true, nil
	default:
		return storage.Client{}, false, newAPIError(errInvalidClient, "unsupported token endpoint auth method")
	}
}

func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, client storage.Client) {
	codeValue := r.PostForm.Get("code")
	if codeValue == "" {
		writeAPIError(w, newAPIError(errInvalidRequest, "missing code"))
		return
	}

	code, err := s.cfg.Storage.GetAuthCode(ctx, codeValue)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "unknown or expired code"))
		return
	}
	if code.Consumed || s.cfg.Now().After(code.ExpiresAt) {
		writeAPIError(w, newAPIError(errInvalidGrant, "code consumed or expired"))
		return
	}
	if code.ClientID != client.ID {
		writeAPIError(w, newAPIError(errInvalidGrant, "code was not issued to this client"))
		return
	}
	if subtleNotEqual(code.RedirectURI, r.PostForm.Get("redirect_uri")) {
		writeAPIError(w, newAPIError(errInvalidGrant, "redirect_uri mismatch"))
		return
	}

	if err := verifyPKCE(code, client, r.PostForm.Get("code_verifier")); err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, err.Error()))
		return
	}

	consumed, err := s.cfg.Storage.ConsumeAuthCode(ctx, codeValue, s.cfg.Now())
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "code already consumed"))
		return
	}

	user, err := s.cfg.Storage.GetUser(ctx, consumed.Subject)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "user not found"))
		return
	}

	if err := zk.RequireDRKHash(consumed.HasZK, consumed.DRKHash); err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, err.Error()))
		return
	}

	claims, err := s.cfg.RBAC.ResolveWithOrganization(ctx, user.Subject, consumed.OrganizationID)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	amr := []string{"pwd"}
	if consumed.OTPVerified {
		amr = append(amr, "otp")
	}

	now := s.cfg.Now()
	lifetime := s.idTokenLifetime(ctx, client)
	idToken, err := s.signIDToken(ctx, idTokenClaims{
		Issuer:      s.cfg.Issuer,
		Subject:     user.Subject,
		Audience:    client.ID,
		IssuedAt:    now.Unix(),
		Expiry:      now.Add(lifetime).Unix(),
		Nonce:       consumed.Nonce,
		Email:       user.Email,
		EmailVerif:  boolPointer(user.Email != ""),
		Name:        user.Name,
		OrgID:       claims.OrganizationID,
		OrgSlug:     claims.OrganizationSlug,
		Roles:       claims.RoleKeys,
		Permissions: mergedPermissions(claims),
		ACR:         acrFor(amr),
		AMR:         amr,
	})
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	sess, err := s.createSessionForToken(ctx, user.Subject, user.Email, user.Name, claims, client.ID)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	resp := tokenResponse{
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(lifetime.Seconds()),
		RefreshToken: sess.RefreshToken,
	}
	if consumed.HasZK {
		resp.ZKDRKHash = consumed.DRKHash
	}

	s.audit(ctx, storage.AuditActorUser, user.Subject, "token.issue", client.ID, r, true, "grant=authorization_code")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshTokenGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, client storage.Client) {
	token := r.PostForm.Get("refresh_token")
	if token == "" {
		writeAPIError(w, newAPIError(errInvalidRequest, "missing refresh_token"))
		return
	}

	existing, err := s.cfg.Storage.GetSessionByRefreshToken(ctx, token)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "unknown refresh token"))
		return
	}
	if existing.ClientID != client.ID {
		writeAPIError(w, newAPIError(errInvalidGrant, "refresh token was not issued to this client"))
		return
	}
	if s.cfg.Now().After(existing.ExpiresAt) {
		writeAPIError(w, newAPIError(errInvalidGrant, "session expired"))
		return
	}

	newToken := storage.NewID(32)
	now := s.cfg.Now()
	newExpiry := now.Add(s.cfg.Expiry.sessionDefault())
	sess, err := s.cfg.Storage.RotateSessionRefreshToken(ctx, token, newToken, newExpiry, now)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "refresh token already rotated"))
		return
	}

	user, err := s.cfg.Storage.GetUser(ctx, sess.Subject)
	if err != nil {
		writeAPIError(w, newAPIError(errInvalidGrant, "user not found"))
		return
	}

	claims, err := s.cfg.RBAC.ResolveWithOrganization(ctx, user.Subject, sess.OrganizationID)
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}
	if claims.OrganizationID != sess.OrganizationID || claims.OrganizationSlug != sess.OrganizationSlug {
		_ = s.cfg.Storage.UpdateSession(ctx, sess.ID, func(cur storage.Session) (storage.Session, error) {
			cur.OrganizationID = claims.OrganizationID
			cur.OrganizationSlug = claims.OrganizationSlug
			return cur, nil
		})
	}

	amr := []string{"pwd"}
	if sess.OTPVerified {
		amr = append(amr, "otp")
	}

	lifetime := s.idTokenLifetime(ctx, client)
	idToken, err := s.signIDToken(ctx, idTokenClaims{
		Issuer:      s.cfg.Issuer,
		Subject:     user.Subject,
		Audience:    client.ID,
		IssuedAt:    now.Unix(),
		Expiry:      now.Add(lifetime).Unix(),
		Email:       user.Email,
		EmailVerif:  boolPointer(user.Email != ""),
		Name:        user.Name,
		OrgID:       claims.OrganizationID,
		OrgSlug:     claims.OrganizationSlug,
		Roles:       claims.RoleKeys,
		Permissions: mergedPermissions(claims),
		ACR:         acrFor(amr),
		AMR:         amr,
	})
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorUser, user.Subject, "token.refresh", client.ID, r, true, "")
	writeJSON(w, http.StatusOK, tokenResponse{
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(lifetime.Seconds()),
		RefreshToken: sess.RefreshToken,
	})
}

func (s *Server) handleClientCredentialsGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, client storage.Client) {
	if client.Type != storage.ClientTypeConfidential || client.TokenEndpointAuthMethod != storage.AuthMethodClientSecretBasic {
		writeAPIError(w, newAPIError(errUnauthorizedClient, "client_credentials requires a confidential client"))
		return
	}

	requested := strings.Fields(r.PostForm.Get("scope"))
	var scope []string
	if len(requested) == 0 {
		scope = append([]string(nil), client.Scopes...)
	} else {
		for _, sc := range requested {
			if !stringSliceContains(client.Scopes, sc) {
				writeAPIError(w, newAPIError(errInvalidRequest, "scope not allowed for this client"))
				return
			}
		}
		scope = requested
	}
	sort.Strings(scope)

	now := s.cfg.Now()
	lifetime := s.accessTokenLifetime(ctx)
	accessToken, err := s.signAccessToken(ctx, accessTokenClaims{
		Issuer:      s.cfg.Issuer,
		Subject:     client.ID,
		Audience:    client.ID,
		AZP:         client.ID,
		IssuedAt:    now.Unix(),
		Expiry:      now.Add(lifetime).Unix(),
		Scope:       strings.Join(scope, " "),
		Permissions: scope,
		GrantType:   "client_credentials",
		TokenUse:    "access",
	})
	if err != nil {
		writeAPIError(w, newAPIError(errServerError, ""))
		return
	}

	s.audit(ctx, storage.AuditActorSystem, client.ID, "token.issue", client.ID, r, true, "grant=client_credentials")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetime.Seconds()),
		Scope:       strings.Join(scope, " "),
	})
}

func (s *Server) signIDToken(ctx context.Context, claims idTokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return s.cfg.Signer.Sign(ctx, payload)
}

func (s *Server) signAccessToken(ctx context.Context, claims accessTokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return s.cfg.Signer.Sign(ctx, payload)
}

func (s *Server) createSessionForToken(ctx context.Context, subject, email, name string, claims rbac.Claims, clientID string) (storage.Session, error) {
	now := s.cfg.Now()
	sess := storage.Session{
		ID:               storage.NewID(32),
		Cohort:           storage.SessionCohortUser,
		Subject:          subject,
		Email:            email,
		Name:             name,
		OrganizationID:   claims.OrganizationID,
		OrganizationSlug: claims.OrganizationSlug,
		ClientID:         clientID,
		RefreshToken:     storage.NewID(32),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.Expiry.sessionDefault()),
	}
	if err := s.cfg.Storage.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

// idTokenLifetime prefers the client's own configured lifetime, falling
// back to the `id_token.lifetime_seconds` setting and finally the
// package default.
func (s *Server) idTokenLifetime(ctx context.Context, client storage.Client) time.Duration {
	if client.IDTokenLifetimeSeconds > 0 {
		return time.Duration(client.IDTokenLifetimeSeconds) * time.Second
	}
	if seconds, ok := s.settingInt(ctx, "id_token.lifetime_seconds"); ok {
		return time.Duration(seconds) * time.Second
	}
	return s.cfg.Expiry.idTokens()
}

func (s *Server) accessTokenLifetime(ctx context.Context) time.Duration {
	if seconds, ok := s.settingInt(ctx, "access_token.lifetime_seconds"); ok {
		return time.Duration(seconds) * time.Second
	}
	return defaultIDTokenTTL
}

func (s *Server) settingInt(ctx context.Context, key string) (int, bool) {
	raw, err := s.cfg.Storage.GetSetting(ctx, key)
	if err != nil {
		return 0, false
	}
	var value int
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}

// verifyPKCE checks that a challenge is satisfied by its verifier, and
// that a public or requirePkce client never redeems a code that carries no
// challenge at all.
func verifyPKCE(code storage.AuthCode, client storage.Client, verifier string) error {
	if code.CodeChallenge == "" {
		if client.Type == storage.ClientTypePublic || client.RequirePKCE {
			return errors.New("pkce required for this client")
		}
		return nil
	}
	if code.CodeChallengeMethod != storage.PKCEMethodS256 {
		return errors.New("unsupported code_challenge_method")
	}
	if verifier == "" {
		return errors.New("missing code_verifier")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
		return errors.New("code_verifier does not match code_challenge")
	}
	return nil
}

func mergedPermissions(claims rbac.Claims) []string {
	set := make(map[string]struct{}, len(claims.Permissions)+len(claims.OrganizationPermissions))
	for _, p := range claims.Permissions {
		set[p] = struct{}{}
	}
	for _, p := range claims.OrganizationPermissions {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func acrFor(amr []string) string {
	if stringSliceContains(amr, "otp") {
		return "mfa"
	}
	return ""
}

func boolPointer(b bool) *bool { return &b }

func stringSliceContains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func subtleNotEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) != 1
}
