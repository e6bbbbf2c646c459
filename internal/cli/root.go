// Package cli implements pbsctl, the operator and user command line for
// a pbsched server.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/pbsched/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagJSON      bool

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking PBSCHED_SERVER first.
func defaultServer() string {
	if s := os.Getenv("PBSCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for pbsctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pbsctl",
		Short: "pbsctl manages jobs, vnodes, queues and hooks on a pbsched server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "pbsched server URL (or PBSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON instead of tables")

	root.AddCommand(
		newSubmitCmd(),
		newStatCmd(),
		newDeleteCmd(),
		newReleaseCmd(),
		newEventsCmd(),
		newNodesCmd(),
		newMgrCmd(),
		newCycleCmd(),
		newHealthCmd(),
	)
	return root
}
