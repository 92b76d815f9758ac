package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
)

// Fallback details when the server gives no usable error body.
const (
	detailUnknown  = "An unknown error occurred."
	detailNoDetail = "Server returned an error"
)

// RequestError is returned for any non-2xx response.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

// Unauthorized reports whether the server rejected the credentials.
func (e *RequestError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports whether err wraps a 401 RequestError.
func IsUnauthorized(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Unauthorized()
}

func newRequestError(status int, body []byte) *RequestError {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &RequestError{StatusCode: status, Detail: detailUnknown}
	}
	return &RequestError{StatusCode: status, Detail: detailText(payload.Detail)}
}

// detailText renders a detail field. Validation errors arrive as a list
// and are passed through as JSON text.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return detailNoDetail
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return detailNoDetail
		}
		return s
	}
	return string(raw)
}

// AuthSignal is the process-wide "authentication lost" notification.
// Subscribers run synchronously, in subscription order, before the
// failing request returns its error.
type AuthSignal struct {
	mu     sync.Mutex
	subs   map[int]func(error)
	nextID int
}

// NewAuthSignal creates a signal with no subscribers.
func NewAuthSignal() *AuthSignal {
	return &AuthSignal{subs: make(map[int]func(error))}
}

// Subscribe registers fn and returns a function that removes it.
func (s *AuthSignal) Subscribe(fn func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Raise notifies every subscriber.
func (s *AuthSignal) Raise(cause error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	fns := make([]func(error), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cause)
	}
}
