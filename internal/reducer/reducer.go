package reducer

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/xflow/internal/models"
)

// ErrExtraction wraps a failed stage extraction. The state returned
// alongside it is still valid.
var ErrExtraction = errors.New("stage extraction failed")

// Reducer applies server messages to pipeline state.
type Reducer struct {
	table *Table
}

// New creates a reducer. A nil table means DefaultTable.
func New(table *Table) *Reducer {
	if table == nil {
		table = DefaultTable()
	}
	return &Reducer{table: table}
}

// Table returns the stage table in use.
func (r *Reducer) Table() *Table {
	return r.table
}

// Reduce returns the state after msg. It never modifies prev.
//
// A snapshot replaces prev entirely. An event against a nil prev yields nil.
// A stage-started event moves current_step; a stage-ended event merges the
// stage's extracted fields, and the terminal stage always sets current_step
// to the terminal marker.
func (r *Reducer) Reduce(prev *models.PipelineState, msg Message) (*models.PipelineState, error) {
	switch m := msg.(type) {
	case Snapshot:
		return m.State.Clone(), nil
	case Event:
		if prev == nil {
			return nil, nil
		}
		return r.applyEvent(prev, m.Event)
	default:
		return prev, fmt.Errorf("%w: unknown message %T", ErrMalformedMessage, msg)
	}
}

func (r *Reducer) applyEvent(prev *models.PipelineState, e models.PipelineEvent) (*models.PipelineState, error) {
	switch e.Kind {
	case models.StageStarted:
		next := prev.Clone()
		next.CurrentStep = e.Name
		return next, nil

	case models.StageEnded:
		next := prev
		var extractErr error
		if patch, ok, err := r.table.Extract(e.Name, e.Data.Output); ok {
			if err == nil {
				next, err = prev.Merge(patch)
			}
			if err != nil {
				next = prev
				extractErr = fmt.Errorf("%w: %s: %v", ErrExtraction, e.Name, err)
			}
		}
		if e.Name == r.table.terminalStage {
			if next == prev {
				next = prev.Clone()
			}
			next.CurrentStep = r.table.terminalMarker
		}
		return next, extractErr

	default:
		return prev, nil
	}
}
