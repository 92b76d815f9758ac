// Package live keeps a websocket connection to a running job and feeds
// its messages into the workflow store.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/reducer"
	"github.com/raphaelgruber/xflow/internal/store"
)

// ConnectFailedMessage is the health message for any transport failure.
const ConnectFailedMessage = "Failed to connect to workflow status."

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("live manager closed")

// Config configures a Manager.
type Config struct {
	// WSBase is the ws:// or wss:// base URL of the server.
	WSBase           string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Collector
}

// Manager owns at most one live connection, for the store's current job.
//
// Each connection is tagged with a generation. Attach and ForceReconnect
// bump the generation before tearing the old connection down, and every
// store write checks it under the same lock, so messages from a superseded
// connection are dropped.
type Manager struct {
	store   *store.Store
	cfg     Config
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *metrics.Collector

	base       context.Context
	cancelBase context.CancelFunc

	// lifecycle serializes Attach, ForceReconnect and Close.
	lifecycle sync.Mutex

	mu     sync.Mutex
	jobID  string
	key    int
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates a manager and registers Attach and ForceReconnect as the
// store's attach and reconnect handles, so the connection follows the
// store's job id.
func New(st *store.Store, cfg Config) *Manager {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(10*time.Second, cfg.MinBackoff)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store: st,
		cfg:   cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		base:       base,
		cancelBase: cancel,
	}
	st.SetAttach(m.Attach)
	st.SetReconnect(m.ForceReconnect)
	return m
}

// Attach connects to jobID, replacing any existing connection.
// An empty jobID closes the connection and disables reconnection.
func (m *Manager) Attach(jobID string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.jobID = jobID
	m.gen++
	m.mu.Unlock()

	m.stopLocked()

	if jobID == "" {
		m.store.SetHealth(store.Health{Status: store.HealthIdle})
		return nil
	}
	m.startLocked()
	return nil
}

// Detach closes the connection without reconnecting.
func (m *Manager) Detach() {
	_ = m.Attach("")
}

// ForceReconnect opens a fresh connection to the current job under a new
// address. The old connection is fully stopped before the new one dials.
// The remote pipeline treats the new connection as the signal to resume
// past a human-input checkpoint.
func (m *Manager) ForceReconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed || m.jobID == "" {
		m.mu.Unlock()
		return
	}
	m.key++
	m.gen++
	key := m.key
	m.mu.Unlock()

	m.metrics.Inc(metrics.CounterReconnect)
	m.logger.Info("forcing reconnect", "key", key)

	m.stopLocked()
	m.startLocked()
}

// Key returns the current reconnect counter.
func (m *Manager) Key() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Close stops the connection for good.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.mu.Unlock()

	m.stopLocked()
	m.cancelBase()
}

// URL returns the connection address for a job and reconnect counter.
func (m *Manager) URL(jobID string, key int) string {
	return fmt.Sprintf("%s/workflow/ws/%s?key=%d", m.cfg.WSBase, url.PathEscape(jobID), key)
}

// stopLocked cancels the running connection and waits for it to exit.
// Caller must hold lifecycle.
func (m *Manager) stopLocked() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// startLocked launches a connection loop for the current generation.
// Caller must hold lifecycle.
func (m *Manager) startLocked() {
	m.mu.Lock()
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	c := conn{gen: m.gen, jobID: m.jobID, key: m.key}
	m.mu.Unlock()

	go m.run(ctx, done, c)
}

// conn identifies one connection attempt.
type conn struct {
	gen   uint64
	jobID string
	key   int
}

// run dials, reads until the connection drops, and redials with backoff
// until cancelled or the job reaches its terminal step.
func (m *Manager) run(ctx context.Context, done chan struct{}, c conn) {
	defer close(done)

	backoff := m.cfg.MinBackoff
	for {
		openedAt, err := m.connect(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if m.store.Terminal() {
			m.logger.Info("workflow finished, not reconnecting", "job_id", c.jobID)
			m.setHealth(c.gen, store.Health{Status: store.HealthClosed})
			return
		}

		if !openedAt.IsZero() && time.Since(openedAt) > m.cfg.MaxBackoff {
			backoff = m.cfg.MinBackoff
		}
		m.logger.Info("live connection lost, reconnecting", "job_id", c.jobID, "error", err, "backoff", backoff)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return
		}
		backoff = min(backoff*2, m.cfg.MaxBackoff)
	}
}

// connect runs one connection to completion. openedAt is zero if the
// handshake failed.
func (m *Manager) connect(ctx context.Context, c conn) (openedAt time.Time, err error) {
	m.setHealth(c.gen, store.Health{Status: store.HealthConnecting})

	start := time.Now()
	ws, _, err := m.dialer.DialContext(ctx, m.URL(c.jobID, c.key), nil)
	m.metrics.RecordTiming(metrics.OpDial, time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("live connection failed", "job_id", c.jobID, "key", c.key, "error", err)
			m.setHealth(c.gen, store.Health{Status: store.HealthError, Message: ConnectFailedMessage})
		}
		return time.Time{}, err
	}
	openedAt = time.Now()
	m.setHealth(c.gen, store.Health{Status: store.HealthOpen})
	m.logger.Debug("live connection open", "job_id", c.jobID, "key", c.key)

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = ws.Close() }) }
	defer closeConn()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-stop:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return openedAt, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.setHealth(c.gen, store.Health{Status: store.HealthClosed})
			} else {
				m.logger.Warn("live connection error", "job_id", c.jobID, "error", err)
				m.setHealth(c.gen, store.Health{Status: store.HealthError, Message: ConnectFailedMessage})
			}
			return openedAt, err
		}
		m.handle(c, data)
	}
}

// handle decodes one message and applies it if c is still current.
func (m *Manager) handle(c conn, data []byte) {
	msg, err := reducer.Decode(data)
	if err != nil {
		m.metrics.Inc(metrics.CounterMalformed)
		m.logger.Warn("dropping malformed message", "job_id", c.jobID, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gen != m.gen {
		m.metrics.Inc(metrics.CounterStale)
		m.logger.Debug("dropping message from superseded connection", "key", c.key)
		return
	}
	m.metrics.Inc(metrics.CounterMessages)
	applied, err := m.store.Apply(c.jobID, msg)
	if err != nil {
		m.logger.Warn("reduce message", "job_id", c.jobID, "error", err)
	}
	if !applied {
		m.metrics.Inc(metrics.CounterStale)
	}
}

func (m *Manager) setHealth(gen uint64, h store.Health) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen {
		m.store.SetHealth(h)
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
