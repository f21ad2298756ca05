package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/dvcrn/koperasi-client/internal/credentials"
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RefreshError reports a refresh endpoint that answered with a non-200 status.
type RefreshError struct {
	StatusCode int
	Body       []byte
}

func (e *RefreshError) Error() string {
	body := truncate(strings.TrimSpace(string(e.Body)), 200)
	if body == "" {
		return fmt.Sprintf("token refresh failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, body)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// Refresh exchanges a refresh token for a new token pair. The refresh token is
// sent as a bearer credential. The call is made directly on client and never
// goes through any 401 handling.
func Refresh(ctx context.Context, client HTTPClient, refreshURL, refreshToken string) (credentials.TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, nil)
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Authorization", BearerHeader(refreshToken))
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("failed to make refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("failed to read refresh response: %w", err)
	}

	// Some backends answer 201 Created for a POST refresh.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return credentials.TokenPair{}, &RefreshError{StatusCode: resp.StatusCode, Body: body}
	}

	pair, err := DecodeTokenPair(body)
	if err != nil {
		return credentials.TokenPair{}, err
	}
	// Backends that do not rotate refresh tokens only return a new access token.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// BearerHeader formats a bearer Authorization value, avoiding a double "Bearer ".
func BearerHeader(token string) string {
	bare := strings.TrimSpace(token)
	if len(bare) >= 7 && strings.EqualFold(bare[:7], "Bearer ") {
		bare = strings.TrimSpace(bare[7:])
	}
	return "Bearer " + bare
}
