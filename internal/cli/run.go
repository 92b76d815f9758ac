package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/gate"
	"github.com/raphaelgruber/xflow/internal/live"
	"github.com/raphaelgruber/xflow/internal/localstore"
	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/reducer"
	"github.com/raphaelgruber/xflow/internal/store"
)

var (
	runAutonomous  bool
	runTopic       string
	runDestination string
	runContentType string
	runLength      string
	runBrandVoice  string
	runAudience    string
	runTrends      int
	runWOEID       int
	runMaxTweets   int
	runTweetsLang  string
	runContentLang string
	runGemini      string
	runOpenRouter  string

	showStats bool
	plain     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a content job and follow it",
	Long: `Start a content automation job and follow its progress live.

In interactive mode the job pauses for your decision at each checkpoint:
picking a topic, validating the generated content and validating the
generated images. With --autonomous it runs through to the end.

Press Ctrl+C to stop the job.

Examples:
  xflow run                                   # interactive, pick a trending topic
  xflow run --topic "Go generics"             # interactive, your own topic
  xflow run --autonomous --destination PUBLISH_X`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var watchCmd = &cobra.Command{
	Use:   "watch [thread-id]",
	Short: "Follow a running job",
	Long: `Follow a job that is already running, answering its checkpoints.
Without an argument the most recently started job is used.

Press Ctrl+C to stop following; the job keeps running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var stopCmd = &cobra.Command{
	Use:   "stop [thread-id]",
	Short: "Stop a running job",
	Long:  `Ask the server to stop a job. Without an argument the most recently started job is used.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runAutonomous, "autonomous", false, "run without human checkpoints")
	f.StringVar(&runTopic, "topic", "", "write about this topic instead of a trending one")
	f.StringVar(&runDestination, "destination", models.DestinationGetOutputs, "output destination (GET_OUTPUTS, PUBLISH_X)")
	f.StringVar(&runContentType, "content-type", "", "X content type (SINGLE_TWEET, TWEET_THREAD)")
	f.StringVar(&runLength, "length", "", "content length (SHORT, MEDIUM, LONG)")
	f.StringVar(&runBrandVoice, "brand-voice", "", "brand voice description")
	f.StringVar(&runAudience, "audience", "", "target audience description")
	f.IntVar(&runTrends, "trends", 0, "number of trending topics to gather")
	f.IntVar(&runWOEID, "woeid", 0, "location (WOEID) for trending topics")
	f.IntVar(&runMaxTweets, "max-tweets", 0, "maximum tweets to retrieve for the topic")
	f.StringVar(&runTweetsLang, "tweets-lang", "", "language of searched tweets")
	f.StringVar(&runContentLang, "content-lang", "", "language of the generated content")
	f.StringVar(&runGemini, "gemini-model", "", "Gemini model override")
	f.StringVar(&runOpenRouter, "openrouter-model", "", "OpenRouter model override")

	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().BoolVar(&showStats, "stats", false, "print request and connection statistics at the end")
		c.Flags().BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")
	}
}

// startConfig builds the job configuration from flags.
func startConfig() models.StartConfig {
	sc := models.StartConfig{
		IsAutonomousMode:     runAutonomous,
		OutputDestination:    runDestination,
		HasUserProvidedTopic: runTopic != "",
		UserProvidedTopic:    runTopic,
		XContentType:         runContentType,
		ContentLength:        runLength,
		BrandVoice:           runBrandVoice,
		TargetAudience:       runAudience,
	}
	uc := models.UserConfig{
		GeminiModel:         runGemini,
		OpenRouterModel:     runOpenRouter,
		TrendsCount:         runTrends,
		TrendsWOEID:         runWOEID,
		MaxTweetsToRetrieve: runMaxTweets,
		TweetsLanguage:      runTweetsLang,
		ContentLanguage:     runContentLang,
	}
	if uc != (models.UserConfig{}) {
		sc.UserConfig = &uc
	}
	return sc
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := startConfig()
	if err := sc.Validate(); err != nil {
		return err
	}
	sessions.Restore(ctx)
	if !sessions.Authorize(&sc) && sc.OutputDestination == models.DestinationPublishX {
		return errors.New("publishing to X requires a session: run 'xflow login' first")
	}

	res, err := apiClient.StartWorkflow(ctx, sc)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	fmt.Printf("Started job %s\n", res.ThreadID)
	if err := kv.Set(ctx, lastThreadKey, res.ThreadID); err != nil {
		logger.Warn("remember job id", "error", err)
	}

	f, closeFollower, err := newFollower("Press Ctrl+C to stop the job")
	if err != nil {
		return err
	}
	defer closeFollower()

	err = f.follow(ctx, res.ThreadID, res.InitialState)
	if errors.Is(err, errInterrupted) {
		fmt.Printf("Stopping job %s...\n", res.ThreadID)
		select {
		case <-apiClient.StopWorkflowBestEffort(res.ThreadID):
		case <-time.After(stopGrace):
		}
		err = nil
	}
	printStats(os.Stdout)
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	threadID, err := threadArg(ctx, args)
	if err != nil {
		return err
	}

	f, closeFollower, err := newFollower("Press Ctrl+C to stop following (the job keeps running)")
	if err != nil {
		return err
	}
	defer closeFollower()

	// The first snapshot on the live connection provides the state.
	err = f.follow(ctx, threadID, nil)
	if errors.Is(err, errInterrupted) {
		fmt.Printf("Job %s continues in background.\nUse 'xflow watch %s' to follow it again.\n", threadID, threadID)
		err = nil
	}
	printStats(os.Stdout)
	return err
}

func runStop(cmd *cobra.Command, args []string) error {
	threadID, err := threadArg(cmd.Context(), args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), client.StopDeadline)
	defer cancel()

	stopped, err := apiClient.StopWorkflow(ctx, threadID)
	if err != nil {
		return fmt.Errorf("stop job: %w", err)
	}
	if !stopped {
		fmt.Printf("Job %s was not running\n", threadID)
		return nil
	}
	fmt.Printf("Stopped job %s\n", threadID)
	return nil
}

// threadArg returns the thread id argument or the last started job.
func threadArg(ctx context.Context, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	id, err := kv.Get(ctx, lastThreadKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return "", errors.New("no job given and none started yet")
	}
	if err != nil {
		return "", fmt.Errorf("read last job: %w", err)
	}
	return id, nil
}

// newFollower wires a store, live manager and gate for one job.
func newFollower(hint string) (*follower, func(), error) {
	table, err := stageTable()
	if err != nil {
		return nil, nil, err
	}
	st := store.New(reducer.New(table))
	mgr := live.New(st, live.Config{
		WSBase:     cfg.WSURL,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
		Logger:     logger,
		Metrics:    collector,
	})

	f := &follower{
		store:   st,
		manager: mgr,
		gate:    gate.New(st, apiClient, logger),
		prompt:  newPrompter(os.Stdin, os.Stdout),
		out:     os.Stdout,
		plain:   plain || !term.IsTerminal(int(os.Stdout.Fd())),
		hint:    hint,
	}
	return f, mgr.Close, nil
}

func printStats(w io.Writer) {
	if !showStats {
		return
	}
	writeStats(w, collector.Snapshot())
}

func writeStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "\nStatistics (%.0fs)\n", snap.UptimeSeconds)
	if len(snap.Operations) > 0 {
		fmt.Fprintf(w, "  %-20s %6s %6s %9s %9s\n", "OPERATION", "COUNT", "ERRORS", "AVG MS", "MAX MS")
		for _, op := range snap.Operations {
			fmt.Fprintf(w, "  %-20s %6d %6d %9.1f %9d\n", op.Name, op.Count, op.Errors, op.AvgTimeMs, op.MaxTimeMs)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(snap.Counters)) {
		fmt.Fprintf(w, "  %-20s %6d\n", name, snap.Counters[name])
	}
}
