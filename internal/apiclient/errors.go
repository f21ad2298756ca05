package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	// KindTransport: the request never got a response.
	KindTransport Kind = iota
	// KindHTTP: the backend answered with a non-2xx status.
	KindHTTP
	// KindUnauthorized: a 401 that survived one refresh and replay.
	KindUnauthorized
	// KindSessionExpired: the refresh token was absent or rejected.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTP:
		return "http"
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionExpired:
		return "session_expired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrSessionExpired = errors.New("session expired")
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// Error is returned for every failed call. Messages holds the backend's
// error message normalized to a list.
type Error struct {
	Kind       Kind
	Method     string
	Path       string
	StatusCode int
	Messages   []string
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Method != "" {
		fmt.Fprintf(&b, "%s %s: ", e.Method, e.Path)
	}
	switch e.Kind {
	case KindTransport:
		fmt.Fprintf(&b, "request failed: %v", e.Err)
		return b.String()
	case KindSessionExpired:
		b.WriteString("session expired")
	case KindUnauthorized:
		b.WriteString("unauthorized after token refresh")
	default:
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrSessionExpired && e.Kind == KindSessionExpired
}

// Message returns the first backend message.
func (e *Error) Message() string {
	if len(e.Messages) == 0 {
		return ""
	}
	return e.Messages[0]
}

func newStatusError(kind Kind, d Descriptor, resp *Response) *Error {
	return &Error{
		Kind:       kind,
		Method:     d.Method,
		Path:       d.Path,
		StatusCode: resp.StatusCode,
		Messages:   normalizeMessages(resp.StatusCode, resp.Body),
		Body:       resp.Body,
	}
}

func newTransportError(d Descriptor, err error) *Error {
	return &Error{Kind: KindTransport, Method: d.Method, Path: d.Path, Err: err}
}

// normalizeMessages extracts "message" (a string or a list of strings) or
// "error" from a JSON error body, falling back to the status text.
func normalizeMessages(status int, body []byte) []string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if msgs := rawMessages(payload.Message); len(msgs) > 0 {
			return msgs
		}
		if msgs := rawMessages(payload.Error); len(msgs) > 0 {
			return msgs
		}
	}
	if text := http.StatusText(status); text != "" {
		return []string{text}
	}
	return nil
}

func rawMessages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single = strings.TrimSpace(single); single != "" {
			return []string{single}
		}
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
				}
			case nil:
			default:
				out = append(out, fmt.Sprint(v))
			}
		}
		return out
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Message != "" {
		return []string{nested.Message}
	}
	return nil
}
