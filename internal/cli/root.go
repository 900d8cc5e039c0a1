// Package cli implements the runner command-line client and admin tools.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
)

var (
	flagServer    string
	flagUser      string
	flagDB        string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// envOr returns the environment value for key, or def.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCmd creates the root cobra command for the runner CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "runner",
		Short: "GPU Code Runner client and admin tool",
		Long:  "runner submits exercise code to a GPU Code Runner server, follows task progress and administers the task database.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, flagUser, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", envOr("RUNNER_SERVER", "http://localhost:8080"), "Runner server URL (or RUNNER_SERVER env)")
	root.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("RUNNER_USER"), "User id sent as X-User-ID (or RUNNER_USER env)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path for admin commands (default from config, then runner.db)")
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("RUNNER_CONFIG"), "TOML config file for admin commands")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newWatchCmd(),
		newAdminCmd(),
	)

	return root
}
