package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/xflow/internal/models"
	"github.com/raphaelgruber/xflow/internal/session"
)

var (
	loginEmail    string
	loginUserName string
	loginProxy    string
	loginTOTP     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to your X account through the pipeline server",
	Long: `Log in to your X account. The session is stored locally and attached to
every job you start, which is required to publish.

The password is read from the terminal without echo.

Examples:
  xflow login --email me@example.com --user-name me
  xflow login --email me@example.com --user-name me --totp-secret JBSWY3DP`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var loginStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin a login that finishes with a two-factor code",
	Long: `Begin a two-step login. The server sends a verification code to your
account and prints the thread to finish with 'xflow login complete'.`,
	Args: cobra.NoArgs,
	RunE: runLoginStart,
}

var loginCompleteCmd = &cobra.Command{
	Use:   "complete <thread-id> <code>",
	Short: "Finish a two-step login with the verification code",
	Args:  cobra.ExactArgs(2),
	RunE:  runLoginComplete,
}

var demoLoginCmd = &cobra.Command{
	Use:   "demo-login <token>",
	Short: "Log in with a demo token",
	Args:  cobra.ExactArgs(1),
	RunE:  runDemoLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sessions.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged in account",
	Long:  `Validate the stored session with the server and show who is logged in.`,
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, loginStartCmd} {
		c.Flags().StringVar(&loginEmail, "email", "", "account email (required)")
		c.Flags().StringVar(&loginProxy, "proxy", "", "proxy for the X session")
		_ = c.MarkFlagRequired("email")
	}
	loginCmd.Flags().StringVar(&loginUserName, "user-name", "", "X user name (required)")
	loginCmd.Flags().StringVar(&loginTOTP, "totp-secret", "", "TOTP secret for accounts with 2FA")
	_ = loginCmd.MarkFlagRequired("user-name")

	loginCmd.AddCommand(loginStartCmd)
	loginCmd.AddCommand(loginCompleteCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	password, err := readPassword(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	sess, err := apiClient.Login(ctx, models.LoginRequest{
		UserName:   loginUserName,
		Email:      loginEmail,
		Password:   password,
		Proxy:      loginProxy,
		TOTPSecret: loginTOTP,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return storeSession(ctx, *sess)
}

func runLoginStart(cmd *cobra.Command, args []string) error {
	password, err := readPassword(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	resp, err := apiClient.StartLogin(cmd.Context(), models.StartLoginRequest{
		Email:    loginEmail,
		Password: password,
		Proxy:    loginProxy,
	})
	if err != nil {
		return fmt.Errorf("start login: %w", err)
	}

	fmt.Printf("Verification code requested (thread %s).\n", resp.ThreadID)
	fmt.Printf("Finish with: xflow login complete %s <code>\n", resp.ThreadID)
	return nil
}

func runLoginComplete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	resp, err := apiClient.CompleteLogin(ctx, models.CompleteLoginRequest{
		ThreadID:  args[0],
		TwoFACode: args[1],
	})
	if err != nil {
		return fmt.Errorf("complete login: %w", err)
	}
	if resp.Session == "" {
		return fmt.Errorf("login not completed (status %q)", resp.Status)
	}
	return storeSession(ctx, models.Session{
		Session:     resp.Session,
		UserDetails: resp.UserDetails,
		Proxy:       resp.Proxy,
	})
}

func runDemoLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sess, err := apiClient.DemoLogin(ctx, args[0])
	if err != nil {
		return fmt.Errorf("demo login: %w", err)
	}
	return storeSession(ctx, *sess)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	if sessions.Restore(cmd.Context()) != session.StatusAuthenticated {
		fmt.Println("Not logged in")
		return nil
	}
	sess, _ := sessions.Current()
	u := sess.UserDetails
	fmt.Printf("Logged in as @%s", u.Handle())
	if u.Name != "" {
		fmt.Printf(" (%s)", u.Name)
	}
	fmt.Println()
	if sess.Proxy != "" {
		fmt.Printf("  Proxy: %s\n", sess.Proxy)
	}
	return nil
}

func storeSession(ctx context.Context, sess models.Session) error {
	if err := sessions.Login(ctx, sess); err != nil {
		return err
	}
	fmt.Printf("Logged in as @%s\n", sess.UserDetails.Handle())
	return nil
}

// readPassword reads a password without echo from a terminal, or a single
// line when input is piped.
func readPassword(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
