package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/localstore"
	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openKV(t *testing.T) *localstore.Store {
	t.Helper()
	kv, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

type fakeValidator struct {
	valid bool
	err   error
	calls int
}

func (f *fakeValidator) ValidateSession(_ context.Context, _ models.SessionCredentials) (bool, error) {
	f.calls++
	return f.valid, f.err
}

const persisted = `{"session":"s1","userDetails":{"name":"Ada","username":"ada"},"proxy":"px"}`

func TestRestore(t *testing.T) {
	tests := []struct {
		name       string
		stored     string
		validator  *fakeValidator
		wantStatus session.Status
		wantKept   bool
		wantCalls  int
	}{
		{"nothing stored", "", &fakeValidator{valid: true}, session.StatusUnauthenticated, false, 0},
		{"valid session", persisted, &fakeValidator{valid: true}, session.StatusAuthenticated, true, 1},
		{"invalid session", persisted, &fakeValidator{valid: false}, session.StatusUnauthenticated, false, 1},
		{"validator error", persisted, &fakeValidator{err: errors.New("network down")}, session.StatusUnauthenticated, false, 1},
		{"corrupt json", "{", &fakeValidator{valid: true}, session.StatusUnauthenticated, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := openKV(t)
			if tt.stored != "" {
				require.NoError(t, kv.Set(ctx, session.StorageKey, tt.stored))
			}

			s := session.New(kv, tt.validator, testLogger())
			assert.Equal(t, session.StatusVerifying, s.Status(), "starts verifying")

			got := s.Restore(ctx)
			assert.Equal(t, tt.wantStatus, got)
			assert.Equal(t, tt.wantStatus, s.Status())
			assert.Equal(t, tt.wantCalls, tt.validator.calls)

			_, err := kv.Get(ctx, session.StorageKey)
			if tt.wantKept {
				assert.NoError(t, err)
				sess, ok := s.Current()
				require.True(t, ok)
				assert.Equal(t, "s1", sess.Session)
				assert.Equal(t, "ada", sess.UserDetails.Handle())
			} else {
				assert.True(t, errors.Is(err, localstore.ErrNotFound), "persisted key must be cleared")
			}
		})
	}
}

func TestLoginLogout(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)
	s := session.New(kv, &fakeValidator{}, testLogger())

	assert.Error(t, s.Login(ctx, models.Session{}), "empty session token rejected")

	require.NoError(t, s.Login(ctx, models.Session{Session: "s2", Proxy: "px"}))
	assert.Equal(t, session.StatusAuthenticated, s.Status())

	var cfg models.StartConfig
	require.True(t, s.Authorize(&cfg))
	assert.Equal(t, "s2", cfg.Session)
	assert.Equal(t, "px", cfg.Proxy)

	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, session.StatusUnauthenticated, s.Status())
	assert.False(t, s.Authorize(&models.StartConfig{}))
	_, err := kv.Get(ctx, session.StorageKey)
	assert.True(t, errors.Is(err, localstore.ErrNotFound))
}

// A 401 from any endpoint, not only login, logs the user out.
func TestUnauthorizedResponseLogsOut(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Invalid session"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	signal := client.NewAuthSignal()
	c := client.New(srv.URL, client.WithAuthSignal(signal), client.WithLogger(testLogger()))

	kv := openKV(t)
	s := session.New(kv, c, testLogger())
	stop := s.Listen(signal)
	defer stop()

	require.NoError(t, s.Login(ctx, models.Session{Session: "s3"}))

	_, err := c.SubmitValidation(ctx, "t-1", models.Approve())
	require.Error(t, err)

	assert.Equal(t, session.StatusUnauthenticated, s.Status(), "logged out before the error was returned")
	_, err = kv.Get(ctx, session.StorageKey)
	assert.True(t, errors.Is(err, localstore.ErrNotFound))
}
