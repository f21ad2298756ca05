package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

const adminKey = "admin-secret"

type seen struct {
	mu        sync.Mutex
	auth      []string
	ids       []string
	refreshes int
}

// fakeBackend accepts "valid" on protected paths and refreshes "refresh-ok".
func fakeBackend(t *testing.T, s *seen) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			s.mu.Lock()
			s.refreshes++
			s.mu.Unlock()
			if r.Header.Get("Authorization") != "Bearer refresh-ok" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"message":"refresh token expired"}`))
				return
			}
			w.Write([]byte(`{"accessToken":"valid","refreshToken":"refresh-ok"}`))
			return
		}

		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.ids = append(s.ids, r.Header.Get(apiclient.RequestIDHeader))
		s.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer valid" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}

		switch r.URL.Path {
		case "/loans/invalid":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":["amount must be positive"]}`))
		default:
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Backend", "koperasi")
			json.NewEncoder(w).Encode(map[string]string{
				"path":  r.URL.Path,
				"page":  r.URL.Query().Get("page"),
				"body":  string(body),
				"ctype": r.Header.Get("Content-Type"),
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, backendURL string, pair credentials.TokenPair, key string) (*Server, *apiclient.Client) {
	t.Helper()
	store := credentials.NewMemoryStore()
	if !pair.Empty() {
		require.NoError(t, store.SetTokens(context.Background(), pair))
	}
	client, err := apiclient.New(apiclient.Options{
		BaseURL: backendURL,
		Profile: apiclient.TenantProfile,
		Store:   store,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return New(zerolog.Nop(), []Session{client}, Options{AdminKey: key}), client
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, adminKey)

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","profiles":["tenant"]}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(apiclient.RequestIDHeader))
}

func TestNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, adminKey)
	rec := do(t, srv, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, adminKey)
	unconfigured, _ := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, "")

	tests := []struct {
		name   string
		server *Server
		header map[string]string
		want   int
	}{
		{name: "not configured", server: unconfigured, header: map[string]string{"X-API-Key": adminKey}, want: http.StatusInternalServerError},
		{name: "missing", server: srv, want: http.StatusUnauthorized},
		{name: "bad format", server: srv, header: map[string]string{"Authorization": "Basic abc"}, want: http.StatusUnauthorized},
		{name: "wrong key", server: srv, header: map[string]string{"X-API-Key": "nope"}, want: http.StatusUnauthorized},
		{name: "bearer", server: srv, header: map[string]string{"Authorization": "Bearer " + adminKey}, want: http.StatusOK},
		{name: "api key", server: srv, header: map[string]string{"X-API-Key": adminKey}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, tt.server, http.MethodGet, "/admin/tenant/tokens/status", "", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminTokenLifecycle(t *testing.T) {
	srv, client := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, adminKey)
	admin := map[string]string{"X-API-Key": adminKey}

	rec := do(t, srv, http.MethodGet, "/admin/tenant/tokens/status", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"profile":"tenant","hasCredentials":false,"hasRefreshToken":false,"refreshing":false}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/admin/tenant/tokens", `{"accessToken":"only"}`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/admin/tenant/tokens", `not json`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPost, "/admin/tenant/tokens", `{"accessToken":"`+access+`","refreshToken":"refresh-ok"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, _ := client.Store().GetAccessToken(context.Background())
	assert.Equal(t, access, stored)

	rec = do(t, srv, http.MethodGet, "/admin/tenant/tokens/status", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["hasCredentials"])
	assert.Equal(t, true, status["hasRefreshToken"])
	assert.Equal(t, false, status["isExpired"])
	assert.Equal(t, true, status["needsRefreshSoon"])
	assert.NotContains(t, rec.Body.String(), access)

	rec = do(t, srv, http.MethodPost, "/admin/tenant/logout", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, _ = client.Store().GetAccessToken(context.Background())
	assert.Empty(t, stored)

	rec = do(t, srv, http.MethodPost, "/admin/superadmin/logout", "", admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyRefreshesAndForwards(t *testing.T) {
	s := &seen{}
	backend := fakeBackend(t, s)
	srv, client := newTestServer(t, backend.URL, credentials.TokenPair{AccessToken: "stale", RefreshToken: "refresh-ok"}, adminKey)

	rec := do(t, srv, http.MethodPost, "/p/tenant/savings/deposits?page=3", `{"amount":100000}`, map[string]string{
		"Content-Type":            "application/json",
		"Authorization":           "Bearer caller-token",
		apiclient.RequestIDHeader: "req-123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "/savings/deposits", got["path"])
	assert.Equal(t, "3", got["page"])
	assert.Equal(t, `{"amount":100000}`, got["body"])
	assert.Equal(t, "application/json", got["ctype"])
	assert.Equal(t, "koperasi", rec.Header().Get("X-Backend"))
	assert.Equal(t, "req-123", rec.Header().Get(apiclient.RequestIDHeader))

	s.mu.Lock()
	assert.Equal(t, []string{"Bearer stale", "Bearer valid"}, s.auth)
	assert.Equal(t, []string{"req-123", "req-123"}, s.ids)
	assert.Equal(t, 1, s.refreshes)
	s.mu.Unlock()

	stored, _ := client.Store().GetAccessToken(context.Background())
	assert.Equal(t, "valid", stored)
}

func TestProxyPassesBackendErrors(t *testing.T) {
	backend := fakeBackend(t, &seen{})
	srv, _ := newTestServer(t, backend.URL, credentials.TokenPair{AccessToken: "valid", RefreshToken: "refresh-ok"}, adminKey)

	rec := do(t, srv, http.MethodGet, "/p/tenant/loans/invalid", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"message":["amount must be positive"]}`, rec.Body.String())
}

func TestProxySessionExpired(t *testing.T) {
	backend := fakeBackend(t, &seen{})
	srv, client := newTestServer(t, backend.URL, credentials.TokenPair{AccessToken: "stale", RefreshToken: "revoked"}, adminKey)

	rec := do(t, srv, http.MethodGet, "/p/tenant/members", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"session_expired","messages":["refresh token expired"]}`, rec.Body.String())

	stored, _ := client.Store().GetRefreshToken(context.Background())
	assert.Empty(t, stored)
}

func TestProxyBackendUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()
	srv, _ := newTestServer(t, backend.URL, credentials.TokenPair{AccessToken: "valid", RefreshToken: "refresh-ok"}, adminKey)

	rec := do(t, srv, http.MethodGet, "/p/tenant/members", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyUnknownProfile(t *testing.T) {
	srv, _ := newTestServer(t, "http://backend.invalid", credentials.TokenPair{}, adminKey)
	rec := do(t, srv, http.MethodGet, "/p/kiosk/members", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
