// ABOUTME: Entry point for coven-relay, the Matrix to Claude Code relay
// ABOUTME: Builds the cobra command tree and runs it until SIGINT or SIGTERM

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Relay Matrix conversations to Claude Code sessions",
		Long:          "coven-relay listens to Matrix rooms, runs Claude Code for each conversation thread and streams the answers back, one durable session per thread.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: $COVEN_RELAY_CONFIG or ~/.config/coven/relay.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
		newSessionsCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
