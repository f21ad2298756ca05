package credentials

import (
	"context"
	"errors"
)

// TokenPair is the access/refresh token pair issued by the backend on login
// and replaced wholesale on every refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Empty reports whether neither token is set.
func (p TokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// TokenStore persists the token pair of one session namespace.
//
// Getters return an empty string and a nil error when no token is stored.
// SetTokens must replace both tokens together so readers never observe an old
// access token next to a new refresh token.
type TokenStore interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetRefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, pair TokenPair) error
	ClearTokens(ctx context.Context) error
}

// ErrInvalidPair is returned when a pair without an access token is stored.
var ErrInvalidPair = errors.New("token pair must contain an access token")

func validatePair(pair TokenPair) error {
	if pair.AccessToken == "" {
		return ErrInvalidPair
	}
	return nil
}
