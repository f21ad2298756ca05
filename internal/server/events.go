package server

import (
	"sync"
	"time"
)

const (
	EventTokensUpdated  = "tokens_updated"
	EventLoggedOut      = "logged_out"
	EventSessionExpired = "session_expired"
)

// Event is a session lifecycle change of one profile.
type Event struct {
	Type    string    `json:"type"`
	Profile string    `json:"profile"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub fans events out to every subscriber. Slow subscribers miss events
// rather than block the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a func that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
