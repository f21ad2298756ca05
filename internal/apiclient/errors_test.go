package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessages(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   []string
	}{
		{name: "string message", status: 400, body: `{"message":"email sudah terdaftar"}`, want: []string{"email sudah terdaftar"}},
		{name: "array message", status: 422, body: `{"message":["a","b"]}`, want: []string{"a", "b"}},
		{name: "error field", status: 403, body: `{"error":"Forbidden"}`, want: []string{"Forbidden"}},
		{name: "nested error", status: 409, body: `{"error":{"message":"duplicate"}}`, want: []string{"duplicate"}},
		{name: "message wins over error", status: 400, body: `{"message":"m","error":"e"}`, want: []string{"m"}},
		{name: "empty message falls back", status: 404, body: `{"message":""}`, want: []string{"Not Found"}},
		{name: "html body", status: 502, body: `<html>bad gateway</html>`, want: []string{"Bad Gateway"}},
		{name: "empty body", status: 500, body: ``, want: []string{"Internal Server Error"}},
		{name: "unknown status", status: 599, body: ``, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeMessages(tt.status, []byte(tt.body)))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	sessionErr := &Error{Kind: KindSessionExpired, Method: http.MethodPost, Path: "/auth/refresh", Err: ErrNoRefreshToken}
	wrapped := fmt.Errorf("loading dashboard: %w", sessionErr)

	assert.ErrorIs(t, wrapped, ErrSessionExpired)
	assert.ErrorIs(t, wrapped, ErrNoRefreshToken)
	assert.True(t, IsSessionExpired(wrapped))
	assert.Equal(t, "POST /auth/refresh: session expired: no refresh token stored", sessionErr.Error())

	httpErr := &Error{Kind: KindHTTP, Method: http.MethodGet, Path: "/loans", StatusCode: 404, Messages: []string{"loan not found"}}
	assert.False(t, errors.Is(httpErr, ErrSessionExpired))
	assert.Equal(t, "GET /loans: status 404: loan not found", httpErr.Error())
	assert.Equal(t, "loan not found", httpErr.Message())

	transportErr := &Error{Kind: KindTransport, Method: http.MethodGet, Path: "/loans", Err: &url.Error{Op: "Get", URL: "http://x/loans", Err: errors.New("connection refused")}}
	assert.True(t, strings.HasSuffix(transportErr.Error(), "connection refused"))
	assert.Empty(t, transportErr.Message())

	assert.Equal(t, "session_expired", KindSessionExpired.String())
	assert.Equal(t, "unauthorized", KindUnauthorized.String())
}

func TestProfileIsPublic(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/auth/login", true},
		{"/auth/login/", true},
		{"/auth/login?redirect=/dashboard", true},
		{"auth/refresh", true},
		{"/auth/register/verify", true},
		{"/auth/loginx", false},
		{"/auth/me", false},
		{"/public", true},
		{"/public/tenants/koperasi-maju", true},
		{"/publications", false},
		{"/uploads/avatar.png", true},
		{"/members", false},
		{"/", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, TenantProfile.IsPublic(tt.path))
		})
	}

	assert.True(t, SuperAdminProfile.IsPublic("/super-admin/auth/login"))
	assert.False(t, SuperAdminProfile.IsPublic("/super-admin/tenants"))
}

func TestProfileIsRefresh(t *testing.T) {
	assert.True(t, TenantProfile.IsRefresh("/auth/refresh"))
	assert.True(t, TenantProfile.IsRefresh("/auth/refresh/"))
	assert.False(t, TenantProfile.IsRefresh("/auth/refresh/extra"))
	assert.True(t, SuperAdminProfile.IsRefresh("/super-admin/auth/refresh"))
	assert.False(t, SuperAdminProfile.IsRefresh("/auth/refresh"))
}

func TestEncodeBody(t *testing.T) {
	data, ct, err := encodeBody(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Empty(t, ct)

	data, ct, err = encodeBody(map[string]int{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)
	assert.JSONEq(t, `{"amount":10}`, string(data))

	data, ct, err = encodeBody(RawBody{ContentType: "text/csv", Data: []byte("a,b")})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", ct)
	assert.Equal(t, "a,b", string(data))

	_, ct1, err := encodeBody(&Multipart{Fields: map[string]string{"k": "v"}})
	require.NoError(t, err)
	_, ct2, err := encodeBody(&Multipart{Fields: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct1, "multipart/form-data; boundary="))
	assert.NotEqual(t, ct1, ct2, "each send gets its own boundary")

	_, _, err = encodeBody(make(chan int))
	assert.Error(t, err)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://api/v1/members", joinURL("http://api/v1/", "/members", nil))
	assert.Equal(t, "http://api/v1/members", joinURL("http://api/v1", "members", nil))
	assert.Equal(t, "http://api/members?page=2", joinURL("http://api", "/members", url.Values{"page": {"2"}}))
	assert.Equal(t, "http://api/members?q=a&page=2", joinURL("http://api", "/members?q=a", url.Values{"page": {"2"}}))
}
