package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/xflow/internal/session"
)

const doctorTimeout = 10 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and server reachability",
	Long: `Print the effective configuration and check that the pipeline server
answers its health endpoint, that the live endpoint accepts connections and
that the stored session is still valid.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xflow %s\n", Version)
	},
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
	defer cancel()

	theme := defaultTheme
	ok := theme.completedStyle().Render("ok")
	failed := 0
	check := func(name string, err error, detail string) {
		if err != nil {
			failed++
			fmt.Printf("  %-14s %s\n", name, theme.errorStyle().Render(err.Error()))
			return
		}
		fmt.Printf("  %-14s %s %s\n", name, ok, detail)
	}

	fmt.Println("Configuration")
	fmt.Printf("  %-14s %s\n", "api", cfg.APIURL)
	fmt.Printf("  %-14s %s\n", "live", cfg.WSURL)
	fmt.Printf("  %-14s %s\n", "state", cfg.StateDB)
	fmt.Printf("  %-14s %s\n", "log", cfg.LogFile)
	if cfg.PipelineConfig != "" {
		fmt.Printf("  %-14s %s\n", "pipeline", cfg.PipelineConfig)
	}
	_, err := stageTable()
	check("stage table", err, "")

	fmt.Println("\nServer")
	status, err := apiClient.Health(ctx)
	check("health", err, status)

	// Any upgrade, even to an unknown job, proves the endpoint is live.
	dialer := websocket.Dialer{HandshakeTimeout: doctorTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.WSURL+"/workflow/ws/doctor?key=0", nil)
	if err == nil {
		_ = conn.Close()
	}
	check("live", err, "")

	fmt.Println("\nSession")
	switch sessions.Restore(ctx) {
	case session.StatusAuthenticated:
		sess, _ := sessions.Current()
		check("session", nil, "@"+sess.UserDetails.Handle())
	default:
		fmt.Printf("  %-14s not logged in\n", "session")
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
