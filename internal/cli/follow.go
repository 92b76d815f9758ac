package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/gate"
	"github.com/raphaelgruber/xflow/internal/live"
	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/store"
)

// errInterrupted means the user stopped following the job.
var errInterrupted = errors.New("interrupted")

// stopGrace bounds how long an interrupted run waits for the stop request.
const stopGrace = client.StopDeadline + 500*time.Millisecond

// follower drives one job: it watches progress, asks for decisions at
// checkpoints and resumes until the terminal marker.
type follower struct {
	store   *store.Store
	manager *live.Manager
	gate    *gate.Gate
	prompt  *prompter
	out     io.Writer
	plain   bool
	hint    string
}

// follow attaches to jobID and runs until the job finishes, fails to
// resume, or the user interrupts.
func (f *follower) follow(ctx context.Context, jobID string, initial *models.PipelineState) error {
	if err := f.store.SetJob(jobID, initial); err != nil {
		return err
	}
	defer func() { _ = f.store.Reset() }()

	for {
		oc, err := f.watch(ctx)
		if err != nil {
			return err
		}

		switch oc {
		case outcomeTerminal:
			f.summary()
			return nil
		case outcomeQuit:
			return errInterrupted
		case outcomeCheckpoint:
			if err := f.resolve(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return errInterrupted
				}
				return err
			}
		}
	}
}

func (f *follower) watch(ctx context.Context) (outcome, error) {
	if f.plain {
		return watchPlain(ctx, f.store, f.out)
	}
	return watchTUI(ctx, f.store, f.hint)
}

// resolve prompts until a decision for the active checkpoint is accepted.
// Rejected submissions leave the checkpoint open and are asked again.
func (f *follower) resolve(ctx context.Context) error {
	for {
		cp, ok := f.gate.Active()
		if !ok {
			return nil
		}
		d, err := f.prompt.decide(ctx, cp, f.store.State())
		if err != nil {
			return err
		}

		_, err = f.gate.Submit(ctx, d)
		if err == nil {
			fmt.Fprintln(f.out, defaultTheme.completedStyle().Render("Decision submitted, resuming..."))
			return nil
		}
		var subErr *gate.SubmissionError
		if !errors.As(err, &subErr) || client.IsUnauthorized(err) {
			return err
		}
		fmt.Fprintln(f.out, defaultTheme.errorStyle().Render(err.Error()))
	}
}

func (f *follower) summary() {
	v := f.store.Snapshot()
	theme := defaultTheme

	if v.State != nil && v.State.ErrorMessage != "" {
		fmt.Fprintln(f.out, theme.errorStyle().Render("✗ Job finished with an error: "+v.State.ErrorMessage))
		return
	}

	fmt.Fprintln(f.out, theme.completedStyle().Render("✓ Completed"))
	if v.State == nil {
		return
	}
	fmt.Fprintln(f.out)
	if v.State.SelectedTopic != nil {
		fmt.Fprintf(f.out, "  Topic:        %s\n", v.State.SelectedTopic.Name)
	}
	if v.State.PublicationID != "" {
		fmt.Fprintf(f.out, "  Published:    %s\n", v.State.PublicationID)
	}
	if n := len(v.State.GeneratedImages); n > 0 {
		fmt.Fprintf(f.out, "  Images:       %d\n", n)
	}
	if v.State.FinalContent != "" {
		fmt.Fprintf(f.out, "\n%s\n", indent(v.State.FinalContent))
	}
}
