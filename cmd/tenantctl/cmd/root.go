// Package cmd implements the CLI commands for tenantctl.
//
// tenantctl signs a user in to a multi-tenant service, keeps the session
// renewed, and scopes requests to the organization the user selected.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Dicklesworthstone/tenantctl/internal/client"
	"github.com/Dicklesworthstone/tenantctl/internal/config"
	"github.com/Dicklesworthstone/tenantctl/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time.
var version = "dev"

var (
	cfg    *config.Config
	app    *client.Client
	logger *slog.Logger
	input  *bufio.Reader

	configPath string
	verbose    bool
	logFormat  string
	jsonOutput bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "tenantctl",
	Short: "Session and organization client",
	Long: `tenantctl signs you in to the service, keeps your session renewed, and
scopes every request to the organization you selected.

  1. Sign in once:                tenantctl login --email you@example.com
  2. Pick an organization:        tenantctl org pick
  3. Call the API in its scope:   tenantctl request GET /projects/

The session is stored locally (file, SQLite or Redis, optionally sealed with
a passphrase) and shared by every tenantctl process.

Run 'tenantctl' without arguments in a terminal to launch the organization
picker.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isTerminal() {
			return cmd.Help()
		}
		return runPick(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			// A broken file must stay repairable.
			if !repairsConfig(cmd) {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = config.Default()
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
		input = bufio.NewReader(cmd.InOrStdin())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeClient()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TENANTCTL_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// Execute runs the root command. An interrupt cancels the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if cerr := closeClient(); err == nil {
		err = cerr
	}
	return err
}

// openClient builds the session client on first use and restores the
// persisted session.
func openClient(cmd *cobra.Command) (*client.Client, error) {
	if app != nil {
		return app, nil
	}
	stderr := cmd.ErrOrStderr()
	c, err := client.New(cmd.Context(), client.Options{
		Config:    cfg,
		UserAgent: "tenantctl/" + version,
		Logger:    logger,
		Navigator: session.NavigatorFunc(func() {
			fmt.Fprintln(stderr, "Session expired. Run 'tenantctl login' to sign in again.")
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(cmd.Context()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	app = c
	return app, nil
}

// signedIn opens the client and refuses to continue without a session.
func signedIn(cmd *cobra.Command) (*client.Client, error) {
	c, err := openClient(cmd)
	if err != nil {
		return nil, err
	}
	if !c.Session().State().SignedIn() {
		return nil, fmt.Errorf("not signed in; run 'tenantctl login' first")
	}
	return c, nil
}

// repairsConfig reports whether cmd edits the config file itself.
func repairsConfig(cmd *cobra.Command) bool {
	return cmd.Parent() == configCmd && cmd != configShowCmd
}

func closeClient() error {
	if app == nil {
		return nil
	}
	err := app.Close()
	app = nil
	return err
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(lc.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal returns true if stdout is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
