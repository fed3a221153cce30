// Package commands implements fetchctl, the operator CLI for a running
// gateway and for checking local configuration before deploying it.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
	verbose   bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fetchctl",
		Short:         "fetchctl drives a stealth-bee gateway and checks its configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadEnvFiles()
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()
		},
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", config.GetEnvWithDefault("STEALTH_BEE_URL", "http://localhost:8080"), "Base URL of the gateway API")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall request timeout")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	cmd.AddCommand(
		newFetchCmd(),
		newHealthCmd(),
		newAlertsCmd(),
		newBreakersCmd(),
		newSitesCmd(),
		newProbeCmd(),
		newProxiesCmd(),
	)
	return cmd
}

// ExecuteContext runs the CLI and exits non-zero on error.
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
