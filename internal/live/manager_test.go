package live_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/xflow/internal/live"
	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer runs handler for every websocket connection and records the
// request URLs it saw.
type wsServer struct {
	*httptest.Server
	mu   sync.Mutex
	urls []string
}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.urls = append(s.urls, r.URL.String())
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsBase() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func newManager(t *testing.T, srv *wsServer, st *store.Store, m *metrics.Collector) *live.Manager {
	t.Helper()
	mgr := live.New(st, live.Config{
		WSBase:     srv.wsBase(),
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 80 * time.Millisecond,
		Logger:     testLogger(),
		Metrics:    m,
	})
	t.Cleanup(mgr.Close)
	return mgr
}

func send(conn *websocket.Conn, raw string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

// waitUntilClosed blocks until the client goes away.
func waitUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestAttachAppliesSnapshotThenEvents(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		send(conn, `{"current_step":"workflow_started"}`)
		send(conn, `{"event":"on_chain_start","name":"trend_harvester","run_id":"r1"}`)
		send(conn, `{"event":"on_chain_end","name":"trend_harvester","run_id":"r1","data":{"output":{"trending_topics":[{"name":"AI","tweet_count":500}]}}}`)
		waitUntilClosed(conn)
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	mgr := newManager(t, srv, st, nil)

	require.NoError(t, mgr.Attach("job-1"))

	require.Eventually(t, func() bool {
		return len(st.Snapshot().Events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	view := st.Snapshot()
	assert.Equal(t, "trend_harvester", view.State.CurrentStep)
	require.Len(t, view.State.TrendingTopics, 1)
	assert.Equal(t, store.HealthOpen, view.Health.Status)
	assert.Equal(t, []string{"/workflow/ws/job-1?key=0"}, srv.seen())
}

func TestForceReconnectUsesNewAddressAndDropsStaleMessages(t *testing.T) {
	releaseStale := make(chan struct{})
	staleSent := make(chan struct{})

	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		switch r.URL.Query().Get("key") {
		case "0":
			send(conn, `{"current_step":"await_topic_selection","next_human_input_step":"await_topic_selection"}`)
			<-releaseStale
			send(conn, `{"event":"on_chain_start","name":"stale_stage","run_id":"old"}`)
			close(staleSent)
		case "1":
			send(conn, `{"current_step":"tweet_searcher"}`)
		}
		waitUntilClosed(conn)
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	collector := metrics.NewCollector()
	mgr := newManager(t, srv, st, collector)

	require.NoError(t, mgr.Attach("job-1"))
	require.Eventually(t, func() bool {
		return st.CurrentStep() == "await_topic_selection"
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, st.Reconnect(), "store exposes the manager's reconnect handle")
	assert.Equal(t, 1, mgr.Key())

	require.Eventually(t, func() bool {
		return st.CurrentStep() == "tweet_searcher"
	}, 2*time.Second, 10*time.Millisecond)

	// The superseded connection now tries to deliver a late message.
	close(releaseStale)
	<-staleSent
	time.Sleep(50 * time.Millisecond)

	view := st.Snapshot()
	assert.Equal(t, "tweet_searcher", view.State.CurrentStep, "fresh snapshot wins")
	assert.Empty(t, view.Events, "late message from the old connection is not applied")
	assert.Equal(t, []string{"/workflow/ws/job-1?key=0", "/workflow/ws/job-1?key=1"}, srv.seen())
	assert.Equal(t, int64(1), collector.Snapshot().Counters[metrics.CounterReconnect])
}

func TestUnplannedCloseReconnectsToSameAddress(t *testing.T) {
	var conns atomic.Int32
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if conns.Add(1) == 1 {
			send(conn, `{"current_step":"writer"}`)
			return // drop the connection
		}
		send(conn, `{"current_step":"quality_assurer"}`)
		waitUntilClosed(conn)
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	mgr := newManager(t, srv, st, nil)

	require.NoError(t, mgr.Attach("job-1"))

	require.Eventually(t, func() bool {
		return st.CurrentStep() == "quality_assurer"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/workflow/ws/job-1?key=0", "/workflow/ws/job-1?key=0"}, srv.seen())
	assert.Equal(t, 0, mgr.Key(), "automatic reconnects do not bump the counter")
}

func TestTerminalStepSuppressesReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		send(conn, `{"current_step":"publicator"}`)
		send(conn, `{"event":"on_chain_end","name":"publicator","run_id":"p","data":{"output":{"publication_id":"99"}}}`)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	mgr := newManager(t, srv, st, nil)

	require.NoError(t, mgr.Attach("job-1"))

	require.Eventually(t, func() bool {
		return st.Health().Status == store.HealthClosed && st.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load(), "no reconnect after the terminal step")
	assert.Equal(t, "99", st.State().PublicationID)
}

func TestDetachClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		send(conn, `{"current_step":"writer"}`)
		waitUntilClosed(conn)
		close(closed)
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	mgr := newManager(t, srv, st, nil)

	require.NoError(t, mgr.Attach("job-1"))
	require.Eventually(t, func() bool { return st.CurrentStep() == "writer" }, 2*time.Second, 10*time.Millisecond)

	mgr.Detach()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the close")
	}
	assert.Equal(t, store.HealthIdle, st.Health().Status)

	mgr.ForceReconnect()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, srv.seen(), 1, "no reconnect without a job")
}

func TestDialFailureReportsGenericError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	st := store.New(nil)
	st.SetJob("job-1", nil)
	mgr := live.New(st, live.Config{WSBase: base, MinBackoff: 20 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Logger: testLogger()})
	defer mgr.Close()

	require.NoError(t, mgr.Attach("job-1"))

	require.Eventually(t, func() bool {
		return st.Health().Status == store.HealthError
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, live.ConnectFailedMessage, st.Health().Message)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		send(conn, `not json`)
		send(conn, `[1,2,3]`)
		send(conn, `{"current_step":"writer"}`)
		waitUntilClosed(conn)
	})
	st := store.New(nil)
	st.SetJob("job-1", nil)
	collector := metrics.NewCollector()
	mgr := newManager(t, srv, st, collector)

	require.NoError(t, mgr.Attach("job-1"))

	require.Eventually(t, func() bool { return st.CurrentStep() == "writer" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), collector.Snapshot().Counters[metrics.CounterMalformed])
	assert.Equal(t, store.HealthOpen, st.Health().Status)
}

func TestAttachAfterClose(t *testing.T) {
	st := store.New(nil)
	mgr := live.New(st, live.Config{WSBase: "ws://127.0.0.1:1", Logger: testLogger()})
	mgr.Close()
	assert.ErrorIs(t, mgr.Attach("job-1"), live.ErrClosed)
}

func TestStoreJobChangesMoveTheConnection(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Drop every connection so the manager keeps redialing.
	})
	st := store.New(nil)
	mgr := newManager(t, srv, st, nil)

	require.NoError(t, st.SetJob("job-1", nil))
	require.Eventually(t, func() bool { return len(srv.seen()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.SetJob("job-2", nil))
	require.Eventually(t, func() bool {
		seen := srv.seen()
		return seen[len(seen)-1] == "/workflow/ws/job-2?key=0"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.Reset())
	dials := len(srv.seen())
	time.Sleep(200 * time.Millisecond)

	assert.Len(t, srv.seen(), dials, "no dials after reset")
	assert.Empty(t, st.JobID())
	assert.Equal(t, store.HealthIdle, st.Health().Status)

	mgr.ForceReconnect()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.seen(), dials, "reconnect handle is inert without a job")
}
