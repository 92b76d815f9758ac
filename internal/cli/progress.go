package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/xflow/internal/gate"
	"github.com/raphaelgruber/xflow/internal/reducer"
	"github.com/raphaelgruber/xflow/internal/store"
)

// timelineRows is how many recent steps the progress view shows.
const timelineRows = 6

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) healthStyle(h store.Health) lipgloss.Style {
	switch h.Status {
	case store.HealthOpen:
		return t.completedStyle()
	case store.HealthError:
		return t.errorStyle()
	default:
		return t.statusStyle()
	}
}

// outcome is why watching a job stopped.
type outcome int

const (
	outcomeRunning outcome = iota
	outcomeCheckpoint
	outcomeTerminal
	outcomeQuit
)

// evaluate decides whether a store view ends the current watch.
func evaluate(v store.View, table *reducer.Table) outcome {
	if table.IsTerminal(v.State) {
		return outcomeTerminal
	}
	if _, ok := gate.Active(v.State); ok {
		return outcomeCheckpoint
	}
	return outcomeRunning
}

// storeChangedMsg reports that the store has new contents.
type storeChangedMsg struct{}

// progressModel is the bubbletea model following a job through the store.
type progressModel struct {
	store    *store.Store
	changes  <-chan struct{}
	view     store.View
	progress progress.Model
	theme    Theme
	hint     string
	outcome  outcome
}

// newProgressModel creates a new progress model.
func newProgressModel(st *store.Store, changes <-chan struct{}, hint string) progressModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		store:    st,
		changes:  changes,
		view:     st.Snapshot(),
		progress: prog,
		theme:    defaultTheme,
		hint:     hint,
	}
}

// Init evaluates the current contents and starts listening for changes.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return storeChangedMsg{} },
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.outcome = outcomeQuit
			return m, tea.Quit
		}

	case storeChangedMsg:
		m.view = m.store.Snapshot()
		m.outcome = evaluate(m.view, m.store.Reducer().Table())
		if m.outcome != outcomeRunning {
			return m, tea.Quit
		}
		return m, waitForChange(m.changes)

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	switch m.outcome {
	case outcomeQuit:
		return m.theme.hintStyle().Render(fmt.Sprintf("\nStopped following job %s.\n", m.view.JobID))
	case outcomeCheckpoint, outcomeTerminal:
		// The caller prints what comes next.
		return renderTimeline(m.theme, m.view)
	}

	if m.view.State == nil {
		return m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.view.Health)) + " Waiting for job status...\n"
	}

	status := m.theme.healthStyle(m.view.Health).Render(fmt.Sprintf("[%s]", m.view.Health))
	bar := m.progress.ViewAs(float64(m.view.Progress) / 100)
	step := m.view.State.CurrentStep

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, bar, step)
	b.WriteString(renderTimeline(m.theme, m.view))
	b.WriteString(m.theme.hintStyle().Render(m.hint))
	b.WriteString("\n")
	return b.String()
}

func renderTimeline(theme Theme, v store.View) string {
	entries := reducer.Timeline(v.Events)
	if len(entries) > timelineRows {
		entries = entries[len(entries)-timelineRows:]
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(timelineLine(theme, e))
	}
	return b.String()
}

func timelineLine(theme Theme, e reducer.TimelineEntry) string {
	mark := theme.statusStyle().Render("…")
	if e.Status == reducer.StepCompleted {
		mark = theme.completedStyle().Render("✓")
	}
	return fmt.Sprintf("  %s %s  %s\n", mark, e.Title, theme.hintStyle().Render(e.Description))
}

// waitForChange blocks until the store signals a change.
// Runs in a separate goroutine (command) to avoid blocking Update().
func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return storeChangedMsg{}
	}
}

// watchTUI shows the progress view until the job reaches a checkpoint or its
// terminal marker, the user quits, or ctx is cancelled.
func watchTUI(ctx context.Context, st *store.Store, hint string) (outcome, error) {
	changes, cancel := st.Subscribe()
	defer cancel()

	p := tea.NewProgram(newProgressModel(st, changes, hint))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var final tea.Model
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		var err error
		final, err = p.Run()
		if errors.Is(err, tea.ErrInterrupted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("progress UI error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		p.Quit()
		return nil
	})
	if err := g.Wait(); err != nil {
		return outcomeQuit, err
	}

	m, ok := final.(progressModel)
	if !ok || m.outcome == outcomeRunning {
		// Cancelled or interrupted from outside the program.
		return outcomeQuit, nil
	}
	return m.outcome, nil
}

// watchPlain prints timeline lines as they appear, for output that is not a
// terminal. It returns under the same conditions as watchTUI.
func watchPlain(ctx context.Context, st *store.Store, out io.Writer) (outcome, error) {
	changes, cancel := st.Subscribe()
	defer cancel()

	table := st.Reducer().Table()
	printed := make(map[string]reducer.StepStatus)
	var lastHealth store.Health

	for {
		v := st.Snapshot()
		if v.Health != lastHealth {
			lastHealth = v.Health
			fmt.Fprintf(out, "[%s]\n", v.Health)
		}
		for _, e := range reducer.Timeline(v.Events) {
			if printed[e.RunID] == e.Status {
				continue
			}
			printed[e.RunID] = e.Status
			fmt.Fprint(out, timelineLine(defaultTheme, e))
		}
		if oc := evaluate(v, table); oc != outcomeRunning {
			return oc, nil
		}

		select {
		case <-ctx.Done():
			return outcomeQuit, nil
		case <-changes:
		}
	}
}
