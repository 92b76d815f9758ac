package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/reducer"
	"github.com/raphaelgruber/xflow/internal/store"
)

func apply(t *testing.T, st *store.Store, raw string) {
	t.Helper()
	msg, err := reducer.Decode([]byte(raw))
	require.NoError(t, err)
	_, err = st.Apply(st.JobID(), msg)
	require.NoError(t, err)
}

func updateModel(t *testing.T, m progressModel, msg tea.Msg) progressModel {
	t.Helper()
	next, _ := m.Update(msg)
	pm, ok := next.(progressModel)
	require.True(t, ok)
	return pm
}

func TestProgressModelOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		state *models.PipelineState
		want  outcome
	}{
		{"running", &models.PipelineState{CurrentStep: "writer"}, outcomeRunning},
		{"checkpoint", &models.PipelineState{CurrentStep: "writer", NextHumanInputStep: "await_content_validation"}, outcomeCheckpoint},
		{"terminal", &models.PipelineState{CurrentStep: "END"}, outcomeTerminal},
		{"unknown checkpoint keeps running", &models.PipelineState{NextHumanInputStep: "await_coffee"}, outcomeRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.New(nil)
			st.SetJob("t-1", tt.state)
			changes, cancel := st.Subscribe()
			defer cancel()

			m := updateModel(t, newProgressModel(st, changes, "hint"), storeChangedMsg{})
			assert.Equal(t, tt.want, m.outcome)
		})
	}
}

func TestProgressModelQuitKey(t *testing.T) {
	st := store.New(nil)
	st.SetJob("t-1", &models.PipelineState{CurrentStep: "writer"})
	changes, cancel := st.Subscribe()
	defer cancel()

	m := updateModel(t, newProgressModel(st, changes, "hint"), tea.KeyPressMsg{Code: 'q', Text: "q"})
	assert.Equal(t, outcomeQuit, m.outcome)
	assert.Contains(t, m.renderContent(), "Stopped following job t-1")
}

func TestProgressModelRendersTimeline(t *testing.T) {
	st := store.New(nil)
	st.SetJob("t-1", &models.PipelineState{CurrentStep: "trend_harvester"})
	apply(t, st, `{"event":"on_chain_start","name":"trend_harvester","run_id":"r1"}`)
	apply(t, st, `{"event":"on_chain_end","name":"trend_harvester","run_id":"r1","data":{"output":{"trending_topics":[{"name":"AI","tweet_count":5}]}}}`)
	apply(t, st, `{"event":"on_chain_start","name":"tweet_searcher","run_id":"r2"}`)
	changes, cancel := st.Subscribe()
	defer cancel()

	m := updateModel(t, newProgressModel(st, changes, "Press Ctrl+C"), storeChangedMsg{})
	out := m.renderContent()

	assert.Equal(t, outcomeRunning, m.outcome)
	assert.Contains(t, out, "tweet_searcher")
	assert.Contains(t, out, "Trend Harvesting")
	assert.Contains(t, out, "Gathered 1 trending topics: AI.")
	assert.Contains(t, out, "Tweet Searching")
	assert.Contains(t, out, "Press Ctrl+C")
}

func TestWatchPlain(t *testing.T) {
	st := store.New(nil)
	st.SetJob("t-1", &models.PipelineState{CurrentStep: "writer"})

	var out bytes.Buffer
	done := make(chan outcome, 1)
	go func() {
		oc, _ := watchPlain(context.Background(), st, &out)
		done <- oc
	}()

	time.Sleep(20 * time.Millisecond)
	st.SetState(&models.PipelineState{CurrentStep: "writer", NextHumanInputStep: "await_content_validation"})

	select {
	case oc := <-done:
		assert.Equal(t, outcomeCheckpoint, oc)
	case <-time.After(2 * time.Second):
		t.Fatal("watchPlain did not return at the checkpoint")
	}
}

func TestWatchPlainCancelled(t *testing.T) {
	st := store.New(nil)
	st.SetJob("t-1", &models.PipelineState{CurrentStep: "writer"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	oc, err := watchPlain(ctx, st, &out)
	require.NoError(t, err)
	assert.Equal(t, outcomeQuit, oc)
	assert.Contains(t, out.String(), "[idle]")
}

func TestWriteStats(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpStartWorkflow, 40*time.Millisecond, nil)
	c.RecordTiming(metrics.OpSubmitDecision, 10*time.Millisecond, errors.New("boom"))
	c.Inc(metrics.CounterReconnect)

	var out bytes.Buffer
	writeStats(&out, c.Snapshot())

	assert.Contains(t, out.String(), "start_workflow")
	assert.Contains(t, out.String(), "submit_validation")
	assert.Contains(t, out.String(), "ws_reconnects")
}
