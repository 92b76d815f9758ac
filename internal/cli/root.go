// Package cli provides the command-line interface for xflow.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/xflow/internal/client"
	"github.com/raphaelgruber/xflow/internal/config"
	"github.com/raphaelgruber/xflow/internal/localstore"
	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/reducer"
	"github.com/raphaelgruber/xflow/internal/session"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and collaborators, set up before every command
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	collector *metrics.Collector
	kv        *localstore.Store
	apiClient *client.Client
	sessions  *session.Store
	stopAuth  func()
)

// lastThreadKey remembers the most recently started job for watch and stop.
const lastThreadKey = "last-thread-id"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "xflow",
	Short: "Drive content automation pipelines from the terminal",
	Long: `xflow starts content automation jobs on a pipeline server, follows their
progress live and asks for your decision whenever a job pauses for human
input (topic selection, content validation, image validation).

Jobs can also run fully autonomously and publish without stopping.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version, help and shell completion
		switch cmd.Name() {
		case "version", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return nil
		}
		if cmd.HasParent() && cmd.Parent().Name() == "completion" {
			return nil
		}

		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}

		stderrLevel := slog.LevelWarn
		if verbose {
			stderrLevel = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel, stderrLevel)

		ctx := context.Background()
		var err error
		kv, err = localstore.Open(ctx, cfg.StateDB)
		if err != nil {
			return fmt.Errorf("open local state: %w", err)
		}

		collector = metrics.NewCollector()
		apiClient = client.New(cfg.APIURL,
			client.WithLogger(logger),
			client.WithMetrics(collector),
			client.WithHTTPClient(&http.Client{Timeout: cfg.ClientTimeout}),
		)
		sessions = session.New(kv, apiClient, logger)
		stopAuth = sessions.Listen(apiClient.AuthSignal())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cleanup()
	},
}

func cleanup() {
	if stopAuth != nil {
		stopAuth()
		stopAuth = nil
	}
	if kv != nil {
		if err := kv.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close local state: %v\n", err)
		}
		kv = nil
	}
	if closeLog != nil {
		_ = closeLog()
		closeLog = nil
	}
}

// stageTable loads the configured stage table, or the built-in one.
func stageTable() (*reducer.Table, error) {
	if cfg.PipelineConfig == "" {
		return reducer.DefaultTable(), nil
	}
	t, err := reducer.LoadTable(cfg.PipelineConfig)
	if err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}
	return t, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		// PersistentPostRun does not run after a failed command.
		cleanup()
	}
	return err
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(demoLoginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}
