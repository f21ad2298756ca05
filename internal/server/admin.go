package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/koperasi-client/internal/auth"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

// adminMiddleware checks for valid admin API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminKey == "" {
			s.logger.Error().Msg("Admin key not configured, set proxy.admin_key")
			http.Error(w, "Admin API not configured", http.StatusInternalServerError)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			providedToken = parts[1]
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.opts.AdminKey)) != 1 {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin API key provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setTokensHandler handles POST /admin/{profile}/tokens
func (s *Server) setTokensHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var reqBody credentials.TokenPair
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if reqBody.AccessToken == "" || reqBody.RefreshToken == "" {
		http.Error(w, "Missing required fields: accessToken, refreshToken", http.StatusBadRequest)
		return
	}

	if err := session.SetTokens(r.Context(), reqBody); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store tokens")
		http.Error(w, "Failed to update tokens", http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("profile", session.Profile().Name).
		Str("access_token", auth.Preview(reqBody.AccessToken)).
		Msg("Tokens updated")
	s.events.Publish(Event{Type: EventTokensUpdated, Profile: session.Profile().Name})

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Tokens updated successfully",
	})
}

// tokenStatusHandler handles GET /admin/{profile}/tokens/status
func (s *Server) tokenStatusHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	store := session.Store()
	access, err := store.GetAccessToken(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"profile":        session.Profile().Name,
			"hasCredentials": false,
			"error":          err.Error(),
		})
		return
	}
	refresh, err := store.GetRefreshToken(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"profile":        session.Profile().Name,
			"hasCredentials": access != "",
			"error":          err.Error(),
		})
		return
	}

	response := map[string]any{
		"profile":         session.Profile().Name,
		"hasCredentials":  access != "",
		"hasRefreshToken": refresh != "",
		"refreshing":      session.Refreshing(),
	}
	if access != "" {
		response["accessTokenPreview"] = auth.Preview(access)
	}
	if expiresAt, ok := auth.TokenExpiry(access); ok {
		minutesUntilExpiry := int64(time.Until(expiresAt) / time.Minute)
		response["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
		response["minutesUntilExpiry"] = minutesUntilExpiry
		response["isExpired"] = !time.Now().Before(expiresAt)
		response["needsRefreshSoon"] = time.Until(expiresAt) <= s.opts.RefreshSoon
	}

	writeJSON(w, http.StatusOK, response)
}

// logoutHandler handles POST /admin/{profile}/logout
func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := session.Logout(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear tokens")
		http.Error(w, "Failed to clear tokens", http.StatusInternalServerError)
		return
	}
	s.events.Publish(Event{Type: EventLoggedOut, Profile: session.Profile().Name})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Logged out",
	})
}
