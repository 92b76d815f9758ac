// Package store holds the shared workflow state of the current job.
package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/reducer"
)

// HealthStatus is the live connection status.
type HealthStatus string

const (
	HealthIdle       HealthStatus = "idle"
	HealthConnecting HealthStatus = "connecting"
	HealthOpen       HealthStatus = "open"
	HealthClosed     HealthStatus = "closed"
	HealthError      HealthStatus = "error"
)

// Health is the connection health, with a message when Status is HealthError.
type Health struct {
	Status  HealthStatus
	Message string
}

func (h Health) String() string {
	if h.Message != "" {
		return fmt.Sprintf("%s: %s", h.Status, h.Message)
	}
	return string(h.Status)
}

// View is a consistent copy of the store contents.
type View struct {
	JobID    string
	State    *models.PipelineState
	Events   []models.PipelineEvent
	Health   Health
	Progress int
}

// Store owns the job id, pipeline state and event log of one job.
// Job id, state and log always change together in one locked update.
// All methods are safe for concurrent use.
type Store struct {
	reducer *reducer.Reducer

	// jobMu serializes job switches together with their attach call.
	jobMu sync.Mutex

	mu        sync.RWMutex
	jobID     string
	state     *models.PipelineState
	events    []models.PipelineEvent
	health    Health
	reconnect func()
	attach    func(jobID string) error
	subs      map[int]chan struct{}
	nextSub   int
}

// New creates an empty store that reduces messages with r.
func New(r *reducer.Reducer) *Store {
	if r == nil {
		r = reducer.New(nil)
	}
	return &Store{
		reducer: r,
		health:  Health{Status: HealthIdle},
		subs:    make(map[int]chan struct{}),
	}
}

// Reducer returns the reducer used by Apply.
func (s *Store) Reducer() *reducer.Reducer {
	return s.reducer
}

// SetJob starts tracking a new job with its initial state and points the
// registered attach handle at it. An empty jobID detaches.
func (s *Store) SetJob(jobID string, initial *models.PipelineState) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	s.mu.Lock()
	s.jobID = jobID
	s.state = initial.Clone()
	s.events = nil
	attach := s.attach
	s.mu.Unlock()
	s.notify()

	if attach == nil {
		return nil
	}
	if err := attach(jobID); err != nil {
		return fmt.Errorf("attach to job %q: %w", jobID, err)
	}
	return nil
}

// Reset clears job id, state and event log and detaches the live connection.
func (s *Store) Reset() error {
	return s.SetJob("", nil)
}

// Apply reduces msg into the current state. Events are appended to the log
// even when they do not change the state. If jobID is not the current job
// the message is dropped and Apply returns false.
func (s *Store) Apply(jobID string, msg reducer.Message) (bool, error) {
	s.mu.Lock()
	if jobID != s.jobID {
		s.mu.Unlock()
		return false, nil
	}
	next, err := s.reducer.Reduce(s.state, msg)
	s.state = next
	if e, ok := msg.(reducer.Event); ok {
		s.events = append(s.events, e.Event)
	}
	s.mu.Unlock()
	s.notify()
	return true, err
}

// SetState replaces the pipeline state of the current job.
func (s *Store) SetState(state *models.PipelineState) {
	s.mu.Lock()
	s.state = state.Clone()
	s.mu.Unlock()
	s.notify()
}

// SetStateFor replaces the pipeline state only if jobID is still the
// current job. The check and the write happen under one lock.
func (s *Store) SetStateFor(jobID string, state *models.PipelineState) bool {
	s.mu.Lock()
	if jobID != s.jobID {
		s.mu.Unlock()
		return false
	}
	s.state = state.Clone()
	s.mu.Unlock()
	s.notify()
	return true
}

// SetHealth records the connection health.
func (s *Store) SetHealth(h Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
	s.notify()
}

// Health returns the connection health.
func (s *Store) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// JobID returns the current job id, or "" when idle.
func (s *Store) JobID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobID
}

// State returns a copy of the current pipeline state.
func (s *Store) State() *models.PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// CurrentStep returns current_step without copying the state.
func (s *Store) CurrentStep() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return ""
	}
	return s.state.CurrentStep
}

// Terminal reports whether the current job has finished.
func (s *Store) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reducer.Table().IsTerminal(s.state)
}

// SetReconnect registers the handle that forces a fresh live connection.
func (s *Store) SetReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect = fn
}

// SetAttach registers the handle that moves the live connection to a job.
// SetJob and Reset call it with the new job id.
func (s *Store) SetAttach(fn func(jobID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attach = fn
}

// Reconnect invokes the registered reconnect handle, if any.
func (s *Store) Reconnect() bool {
	s.mu.RLock()
	fn := s.reconnect
	s.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Snapshot returns a consistent copy of everything in the store.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		JobID:    s.jobID,
		State:    s.state.Clone(),
		Events:   slices.Clone(s.events),
		Health:   s.health,
		Progress: s.reducer.Table().Progress(s.state, s.events),
	}
}

// Subscribe returns a channel that receives a value after changes.
// Notifications coalesce; a slow reader sees at least one pending signal.
// Call cancel to stop receiving.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
