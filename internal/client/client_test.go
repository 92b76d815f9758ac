package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, mux *http.ServeMux, opts ...client.Option) *client.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	opts = append([]client.Option{client.WithLogger(testLogger())}, opts...)
	return client.New(srv.URL, opts...)
}

func TestStartWorkflowOmitsUnsetKeys(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/start", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		_, _ = io.WriteString(w, `{"thread_id":"t-1","initial_state":{"current_step":"workflow_started","next_human_input_step":"await_topic_selection"}}`)
	})
	c := newTestClient(t, mux)

	res, err := c.StartWorkflow(context.Background(), models.StartConfig{})
	require.NoError(t, err)

	assert.Equal(t, "t-1", res.ThreadID)
	assert.Equal(t, "await_topic_selection", res.InitialState.NextHumanInputStep)
	assert.Equal(t, map[string]any{"is_autonomous_mode": false, "has_user_provided_topic": false}, body,
		"only the two required flags are sent for an empty config")
}

func TestStartWorkflowRejectsInvalidConfig(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	c := newTestClient(t, mux)

	_, err := c.StartWorkflow(context.Background(), models.StartConfig{HasUserProvidedTopic: true})
	assert.Error(t, err)
	assert.Equal(t, int32(0), calls.Load(), "invalid config must not reach the server")
}

func TestRequestErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"string detail", http.StatusNotFound, `{"detail":"Workflow thread not found."}`, "Workflow thread not found."},
		{"list detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, `[{"msg":"field required"}]`},
		{"no detail", http.StatusInternalServerError, `{"error":"x"}`, "Server returned an error"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "An unknown error occurred."},
		{"empty body", http.StatusServiceUnavailable, ``, "An unknown error occurred."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /workflow/validate", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			c := newTestClient(t, mux)

			_, err := c.SubmitValidation(context.Background(), "t-1", models.Approve())
			var reqErr *client.RequestError
			require.True(t, errors.As(err, &reqErr), "want RequestError, got %v", err)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, tt.want, reqErr.Detail)
		})
	}
}

func TestUnauthorizedRaisesSignalBeforeReturning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Session expired"}`)
	})
	signal := client.NewAuthSignal()
	collector := metrics.NewCollector()
	c := newTestClient(t, mux, client.WithAuthSignal(signal), client.WithMetrics(collector))

	var raised []error
	unsubscribe := signal.Subscribe(func(err error) { raised = append(raised, err) })
	defer unsubscribe()

	_, err := c.SubmitValidation(context.Background(), "t-1", models.Approve())
	require.Error(t, err)
	assert.True(t, client.IsUnauthorized(err))
	require.Len(t, raised, 1, "signal raised synchronously")
	assert.Contains(t, raised[0].Error(), "Session expired")
	assert.Equal(t, int64(1), collector.Snapshot().Counters[metrics.CounterAuthLost])

	unsubscribe()
	_, _ = c.SubmitValidation(context.Background(), "t-1", models.Approve())
	assert.Len(t, raised, 1, "unsubscribed listener is not called")
}

func TestSubmitValidationBody(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/validate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"current_step":"tweet_searcher","next_human_input_step":null}`)
	})
	c := newTestClient(t, mux)

	state, err := c.SubmitValidation(context.Background(), "t-1", models.SelectTopic(models.Trend{Name: "AI", TweetCount: 500}))
	require.NoError(t, err)

	assert.Equal(t, "tweet_searcher", state.CurrentStep)
	assert.False(t, state.AwaitingHuman())
	assert.Equal(t, "t-1", got["thread_id"])
	assert.Equal(t, map[string]any{
		"action": "approve",
		"data":   map[string]any{"extra_data": map[string]any{"selected_topic": map[string]any{"name": "AI", "tweet_count": float64(500)}}},
	}, got["validation_result"])
}

func TestStopWorkflowBestEffortSwallowsErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/stop", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	done := c.StopWorkflowBestEffort("t-1")
	select {
	case <-done:
	case <-time.After(client.StopDeadline + time.Second):
		t.Fatal("best-effort stop did not finish within its deadline")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopWorkflowBestEffortHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/stop", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	c := newTestClient(t, mux)
	defer close(release)

	start := time.Now()
	done := c.StopWorkflowBestEffort("t-1")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "call returns immediately")

	select {
	case <-done:
	case <-time.After(client.StopDeadline + 2*time.Second):
		t.Fatal("stop was not cut off at its deadline")
	}
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    bool
		wantErr bool
	}{
		{"valid", `{"isValid":true}`, true, false},
		{"invalid", `{"isValid":false}`, false, false},
		{"missing field", `{}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /auth/validate-session", func(w http.ResponseWriter, r *http.Request) {
				var creds models.SessionCredentials
				require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
				assert.Equal(t, "sess", creds.Session)
				_, _ = io.WriteString(w, tt.body)
			})
			c := newTestClient(t, mux)

			got, err := c.ValidateSession(context.Background(), models.SessionCredentials{Session: "sess", Proxy: "p"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoginFlows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/demo-login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "demo-token", body["token"])
		_, _ = io.WriteString(w, `{"session":"s1","userDetails":{"name":"Demo","username":"demo"},"proxy":"px"}`)
	})
	mux.HandleFunc("POST /auth/start-login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"thread_id":"login-1","login_data":"opaque"}`)
	})
	mux.HandleFunc("POST /auth/complete-login", func(w http.ResponseWriter, r *http.Request) {
		var body models.CompleteLoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "123456", body.TwoFACode)
		_, _ = io.WriteString(w, `{"status":"success","user_details":{"name":"N","screen_name":"n"}}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	s, err := c.DemoLogin(ctx, "demo-token")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.Session)
	assert.Equal(t, "demo", s.UserDetails.Handle())

	_, err = c.DemoLogin(ctx, "")
	assert.Error(t, err)

	started, err := c.StartLogin(ctx, models.StartLoginRequest{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "login-1", started.ThreadID)

	done, err := c.CompleteLogin(ctx, models.CompleteLoginRequest{ThreadID: started.ThreadID, TwoFACode: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "n", done.UserDetails.Handle())

	_, err = c.Login(ctx, models.LoginRequest{Email: "not-an-email"})
	assert.Error(t, err, "login payload is validated before sending")
}

func TestWebSocketBase(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000", client.WebSocketBase("http://localhost:8000/"))
	assert.Equal(t, "wss://api.example.com", client.WebSocketBase("https://api.example.com"))
}
