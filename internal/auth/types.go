package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvcrn/koperasi-client/internal/credentials"
)

// tokenResponse is the login/refresh response body. The backend answers in
// camelCase; snake_case is accepted as well, and either may be wrapped in a
// "data" envelope.
type tokenResponse struct {
	AccessToken       string          `json:"accessToken"`
	RefreshToken      string          `json:"refreshToken"`
	AccessTokenSnake  string          `json:"access_token"`
	RefreshTokenSnake string          `json:"refresh_token"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// ErrNoAccessToken is returned when a token response carries no access token.
var ErrNoAccessToken = errors.New("token response does not contain an access token")

// DecodeTokenPair extracts the token pair from a login or refresh response body.
func DecodeTokenPair(body []byte) (credentials.TokenPair, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return credentials.TokenPair{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	pair := credentials.TokenPair{
		AccessToken:  firstNonEmpty(resp.AccessToken, resp.AccessTokenSnake),
		RefreshToken: firstNonEmpty(resp.RefreshToken, resp.RefreshTokenSnake),
	}
	if pair.AccessToken == "" && len(resp.Data) > 0 && string(resp.Data) != "null" {
		return DecodeTokenPair(resp.Data)
	}
	if pair.AccessToken == "" {
		return credentials.TokenPair{}, ErrNoAccessToken
	}
	return pair, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
