// Package server is a local HTTP proxy in front of the koperasi backend.
// Scripts call /p/{profile}/... without credentials and the profile's
// authenticated client attaches and refreshes tokens for them.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/credentials"
)

// Session is the authenticated client of one profile.
type Session interface {
	Profile() apiclient.Profile
	Store() credentials.TokenStore
	Request(ctx context.Context, d apiclient.Descriptor) (*apiclient.Response, error)
	SetTokens(ctx context.Context, pair credentials.TokenPair) error
	Logout(ctx context.Context) error
	Refreshing() bool
}

type Options struct {
	// AdminKey protects the /admin routes. When empty they answer 500.
	AdminKey string
	// RefreshSoon is the window in which token status reports needsRefreshSoon.
	RefreshSoon time.Duration
	// Events receives session lifecycle events. A new hub is used when nil.
	Events *Hub
}

type Server struct {
	sessions map[string]Session
	opts     Options
	events   *Hub
	router   chi.Router
	logger   zerolog.Logger
}

func New(logger zerolog.Logger, sessions []Session, opts Options) *Server {
	if opts.RefreshSoon <= 0 {
		opts.RefreshSoon = 5 * time.Minute
	}
	if opts.Events == nil {
		opts.Events = NewHub()
	}
	s := &Server{
		sessions: make(map[string]Session, len(sessions)),
		opts:     opts,
		events:   opts.Events,
		router:   chi.NewRouter(),
		logger:   logger,
	}
	for _, session := range sessions {
		s.sessions[session.Profile().Name] = session
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recoverer,
		requestIDMiddleware,
		s.loggingMiddleware,
	)

	s.router.Get("/health", s.healthHandler)
	s.router.With(s.adminMiddleware).Get("/admin/events", s.eventsHandler)
	s.router.Route("/admin/{profile}", func(r chi.Router) {
		r.Use(s.adminMiddleware)
		r.Post("/tokens", s.setTokensHandler)
		r.Get("/tokens/status", s.tokenStatusHandler)
		r.Post("/logout", s.logoutHandler)
	})
	s.router.HandleFunc("/p/{profile}/*", s.proxyHandler)
	s.router.NotFound(s.notFoundHandler)
}

// Events returns the hub the admin event stream reads from.
func (s *Server) Events() *Hub {
	return s.events
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestIDMiddleware keeps an incoming X-Request-Id or assigns a new one, so
// the same id reaches the backend through the proxy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(apiclient.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(apiclient.RequestIDHeader, id)
		}
		w.Header().Set(apiclient.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		logger := s.logger.With().
			Str("request_id", r.Header.Get(apiclient.RequestIDHeader)).
			Logger()

		logger.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

		logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	profiles := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"profiles": profiles,
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

// session resolves the {profile} URL parameter, answering 404 when unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (Session, bool) {
	name := chi.URLParam(r, "profile")
	session, ok := s.sessions[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown profile " + name})
		return nil, false
	}
	return session, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
