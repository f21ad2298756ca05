package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
)

// forwardedRequestHeaders are copied from the caller to the backend. The
// caller's Authorization is never forwarded.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"If-None-Match",
	"X-Tenant",
	apiclient.RequestIDHeader,
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxyHandler forwards /p/{profile}/<path> to <base>/<path> through the
// profile's authenticated client.
func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Error reading request body")
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	d := apiclient.Descriptor{
		Method: r.Method,
		Path:   "/" + chi.URLParam(r, "*"),
		Query:  r.URL.Query(),
		Header: http.Header{},
	}
	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			d.Header.Set(name, v)
		}
	}
	if len(body) > 0 {
		d.Body = apiclient.RawBody{ContentType: r.Header.Get("Content-Type"), Data: body}
	}

	resp, err := session.Request(r.Context(), d)
	if err != nil {
		s.writeError(w, logger, err)
		return
	}
	writeResponse(w, resp.StatusCode, resp.Header, resp.Body)
}

func (s *Server) writeError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		logger.Error().Err(err).Msg("Proxy request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	switch apiErr.Kind {
	case apiclient.KindTransport:
		logger.Error().Err(err).Msg("Backend unreachable")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    apiErr.Kind.String(),
			"messages": []string{apiErr.Err.Error()},
		})
	case apiclient.KindSessionExpired:
		logger.Warn().Err(err).Msg("Session expired, login required")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":    apiErr.Kind.String(),
			"messages": apiErr.Messages,
		})
	default:
		if len(apiErr.Body) > 0 {
			h := http.Header{}
			if json.Valid(apiErr.Body) {
				h.Set("Content-Type", "application/json")
			} else {
				h.Set("Content-Type", "text/plain; charset=utf-8")
			}
			writeResponse(w, apiErr.StatusCode, h, apiErr.Body)
			return
		}
		writeJSON(w, apiErr.StatusCode, map[string]any{
			"error":    apiErr.Kind.String(),
			"messages": apiErr.Messages,
		})
	}
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for key, values := range header {
		key = http.CanonicalHeaderKey(key)
		if hopByHopHeaders[key] || key == apiclient.RequestIDHeader {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}
