//go:build !js || !wasm

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventsHandler handles GET /admin/events. It streams session events as JSON
// text frames, optionally filtered by ?profile=.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	profile := r.URL.Query().Get("profile")
	if profile != "" {
		if _, ok := s.sessions[profile]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown profile " + profile})
			return
		}
	}

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade events connection")
		return
	}
	defer conn.Close()

	// The client never sends anything; reading detects when it goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug().Str("profile", profile).Msg("Events subscriber connected")
	for {
		select {
		case <-closed:
			s.logger.Debug().Str("profile", profile).Msg("Events subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if profile != "" && e.Profile != profile {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn().Err(err).Msg("Failed to write event")
				}
				return
			}
		}
	}
}
