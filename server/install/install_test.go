package install_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/server/install"
	"github.com/darkauth/idp/storage/memory"
)

func newBootstrap() (*install.Bootstrap, *mux.Router) {
	boot := &install.Bootstrap{
		Storage: memory.New(nil),
		KEK:     kek.New(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
	router := mux.NewRouter()
	boot.RegisterRoutes(router)
	return boot, router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Install-Token", token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsUninitialized(t *testing.T) {
	_, router := newBootstrap()
	rec := doJSON(t, router, "GET", "/install", nil, "")
	require.Equal(t, 200, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body["initialized"])
}

func TestBeginRejectsShortPassphrase(t *testing.T) {
	_, router := newBootstrap()
	rec := doJSON(t, router, "POST", "/install", map[string]string{"passphrase": "short"}, "")
	require.Equal(t, 400, rec.Code)
}

func TestBeginUnlocksKEKAndIssuesToken(t *testing.T) {
	boot, router := newBootstrap()
	rec := doJSON(t, router, "POST", "/install", map[string]string{
		"passphrase": "correct horse battery staple",
		"issuer":     "https://idp.example.com",
	}, "")
	require.Equal(t, 200, rec.Code)
	require.True(t, boot.KEK.IsAvailable())

	var token struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	require.NotEmpty(t, token.Token)
	require.True(t, token.ExpiresAt.After(time.Now()))
}

func TestOpaqueRoutesRejectMissingToken(t *testing.T) {
	_, router := newBootstrap()
	rec := doJSON(t, router, "POST", "/install/opaque/start", map[string]string{
		"email": "admin@example.com", "name": "Admin", "request": "Zm9v",
	}, "")
	require.Equal(t, 401, rec.Code)
}

func TestCompleteSeedsDefaultsAndFlipsInitialized(t *testing.T) {
	boot, router := newBootstrap()
	rec := doJSON(t, router, "POST", "/install", map[string]string{
		"passphrase": "correct horse battery staple",
	}, "")
	require.Equal(t, 200, rec.Code)
	var token struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))

	rec = doJSON(t, router, "POST", "/install/complete", nil, token.Token)
	require.Equal(t, 200, rec.Code)
	require.True(t, boot.IsInitialized(context.Background()))
	_, err := boot.Storage.GetSetting(context.Background(), "id_token.lifetime_seconds")
	require.NoError(t, err)

	rec = doJSON(t, router, "POST", "/install/complete", nil, token.Token)
	require.Equal(t, 409, rec.Code)
}
