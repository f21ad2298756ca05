package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The client treats tokens as opaque; the expiry is only used for status
// output and proactive refresh. ok is false for non-JWT tokens or tokens
// without exp.
func TokenExpiry(token string) (expiresAt time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresWithin reports whether token expires within d. Tokens without a
// readable expiry never report as expiring.
func ExpiresWithin(token string, d time.Duration) bool {
	expiresAt, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	return time.Until(expiresAt) <= d
}

// Preview shortens a token for logging.
func Preview(token string) string {
	if token == "" {
		return ""
	}
	if len(token) > 12 {
		return token[:6] + "…" + token[len(token)-6:]
	}
	return "…"
}
