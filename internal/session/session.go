// Package session tracks the authenticated identity used to start jobs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/localstore"
	"github.com/raphaelgruber/xflow/internal/models"
)

// StorageKey is the persisted key holding the session JSON.
const StorageKey = "x-auth-session"

// Status is the authentication status.
type Status string

const (
	StatusVerifying       Status = "verifying"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// KeyValue persists the session between runs.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Validator checks cached credentials against the server.
type Validator interface {
	ValidateSession(ctx context.Context, creds models.SessionCredentials) (bool, error)
}

// Store holds the authentication status and the current session.
type Store struct {
	kv        KeyValue
	validator Validator
	logger    *slog.Logger

	mu      sync.RWMutex
	status  Status
	session *models.Session
}

// New creates a store in the verifying state.
func New(kv KeyValue, v Validator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, validator: v, logger: logger, status: StatusVerifying}
}

// Restore loads the persisted session and validates it with the server.
// A missing, unreadable, rejected or unverifiable session leaves the store
// unauthenticated with nothing persisted.
func (s *Store) Restore(ctx context.Context) Status {
	raw, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			s.logger.Warn("read persisted session", "error", err)
		}
		s.setUnauthenticated()
		return StatusUnauthenticated
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Warn("persisted session is corrupt", "error", err)
		s.clear(ctx)
		return StatusUnauthenticated
	}

	valid, err := s.validator.ValidateSession(ctx, models.SessionCredentials{Session: sess.Session, Proxy: sess.Proxy})
	if err != nil {
		s.logger.Info("session validation failed", "error", err)
		s.clear(ctx)
		return StatusUnauthenticated
	}
	if !valid {
		s.logger.Info("session no longer valid")
		s.clear(ctx)
		return StatusUnauthenticated
	}

	s.mu.Lock()
	s.status = StatusAuthenticated
	s.session = &sess
	s.mu.Unlock()
	s.logger.Debug("session restored", "user", sess.UserDetails.Handle())
	return StatusAuthenticated
}

// Login persists sess and marks the store authenticated.
func (s *Store) Login(ctx context.Context, sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.mu.Lock()
	s.status = StatusAuthenticated
	s.session = &sess
	s.mu.Unlock()
	return nil
}

// Logout clears the session and its persisted copy.
func (s *Store) Logout(ctx context.Context) error {
	s.setUnauthenticated()
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Listen logs out whenever the signal reports lost authentication.
// It returns a function that stops listening.
func (s *Store) Listen(signal *client.AuthSignal) func() {
	return signal.Subscribe(func(cause error) {
		s.logger.Warn("authentication lost", "error", cause)
		if err := s.Logout(context.Background()); err != nil {
			s.logger.Error("logout after authentication lost", "error", err)
		}
	})
}

// Status returns the current authentication status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Current returns the session when authenticated.
func (s *Store) Current() (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusAuthenticated || s.session == nil {
		return models.Session{}, false
	}
	return *s.session, true
}

// Authorize copies the session credentials into a job configuration.
func (s *Store) Authorize(cfg *models.StartConfig) bool {
	sess, ok := s.Current()
	if !ok {
		return false
	}
	details := sess.UserDetails
	cfg.Session = sess.Session
	cfg.Proxy = sess.Proxy
	cfg.UserDetails = &details
	return true
}

func (s *Store) setUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusUnauthenticated
	s.session = nil
}

func (s *Store) clear(ctx context.Context) {
	s.setUnauthenticated()
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		s.logger.Warn("clear persisted session", "error", err)
	}
}
