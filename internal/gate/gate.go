// Package gate derives the human-input checkpoint a job is paused on and
// submits the human's decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/store"
)

// Checkpoint identifies a human-input step.
type Checkpoint string

// Recognized checkpoints.
const (
	Await2FACode           Checkpoint = "await_2fa_code"
	AwaitTopicSelection    Checkpoint = "await_topic_selection"
	AwaitContentValidation Checkpoint = "await_content_validation"
	AwaitImageValidation   Checkpoint = "await_image_validation"
)

var checkpoints = map[Checkpoint]Info{
	Await2FACode: {
		Title:       "Two-Factor Authentication",
		Description: "Enter the verification code sent to your account.",
	},
	AwaitTopicSelection: {
		Title:       "Select a Topic",
		Description: "Choose one of the trending topics to write about.",
	},
	AwaitContentValidation: {
		Title:       "Validate Generated Content",
		Description: "Approve the content, reject it with feedback, or edit it and approve.",
	},
	AwaitImageValidation: {
		Title:       "Validate Generated Images",
		Description: "Approve the images or reject them with feedback to try again.",
	},
}

// Info describes a checkpoint for presentation.
type Info struct {
	Title       string
	Description string
}

// Describe returns presentation text for c.
func Describe(c Checkpoint) (Info, bool) {
	info, ok := checkpoints[c]
	return info, ok
}

// Actions lists the decisions that make sense at c.
func Actions(c Checkpoint) []models.DecisionAction {
	switch c {
	case AwaitTopicSelection, AwaitImageValidation:
		return []models.DecisionAction{models.ActionApprove, models.ActionReject}
	case AwaitContentValidation:
		return []models.DecisionAction{models.ActionApprove, models.ActionReject, models.ActionEdit}
	default:
		return nil
	}
}

// Active returns the checkpoint the state is paused on. Unrecognized
// markers report no checkpoint.
func Active(s *models.PipelineState) (Checkpoint, bool) {
	if s == nil || s.NextHumanInputStep == "" {
		return "", false
	}
	c := Checkpoint(s.NextHumanInputStep)
	if _, ok := checkpoints[c]; !ok {
		return "", false
	}
	return c, true
}

// Sentinel errors for Submit.
var (
	ErrNoJob        = errors.New("no active job")
	ErrNoCheckpoint = errors.New("job is not waiting for human input")
)

// SubmissionError wraps a failed decision submission. The checkpoint stays
// open so the decision can be retried.
type SubmissionError struct {
	Checkpoint Checkpoint
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Checkpoint, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Validator submits decisions to the server.
type Validator interface {
	SubmitValidation(ctx context.Context, threadID string, d models.ValidationDecision) (*models.PipelineState, error)
}

// Gate submits decisions for the store's current job.
type Gate struct {
	store     *store.Store
	validator Validator
	logger    *slog.Logger
}

// New creates a gate.
func New(st *store.Store, v Validator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, validator: v, logger: logger}
}

// Active returns the checkpoint of the store's current state.
func (g *Gate) Active() (Checkpoint, bool) {
	return Active(g.store.State())
}

// Submit sends d for the active checkpoint.
//
// On success the returned snapshot replaces the store state and then the
// live connection is replaced through the store's reconnect handle. That
// reconnect is part of the contract: the server resumes a paused pipeline
// only when it sees a new connection, never on the decision alone.
//
// On failure the store is left untouched.
func (g *Gate) Submit(ctx context.Context, d models.ValidationDecision) (*models.PipelineState, error) {
	jobID := g.store.JobID()
	if jobID == "" {
		return nil, ErrNoJob
	}
	cp, ok := g.Active()
	if !ok {
		return nil, ErrNoCheckpoint
	}
	if err := d.Validate(); err != nil {
		return nil, &SubmissionError{Checkpoint: cp, Err: err}
	}

	state, err := g.validator.SubmitValidation(ctx, jobID, d)
	if err != nil {
		g.logger.Warn("decision rejected", "checkpoint", cp, "action", d.Action, "error", err)
		return nil, &SubmissionError{Checkpoint: cp, Err: err}
	}

	if !g.store.SetStateFor(jobID, state) {
		g.logger.Info("job changed during submission, not applying result", "job_id", jobID)
		return state, nil
	}
	if !g.store.Reconnect() {
		g.logger.Warn("no live connection to resume", "job_id", jobID)
	}
	g.logger.Info("decision submitted", "checkpoint", cp, "action", d.Action)
	return state, nil
}
