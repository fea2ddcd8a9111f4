// ABOUTME: health command: probes a running relay's HTTP health endpoints
// ABOUTME: Exits non-zero unless the relay reports healthy

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath(opts.configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr, ready)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, baseURL string, ready bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	path := "/health"
	if ready {
		path = "/health/ready"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	if ready {
		_, err = fmt.Fprintln(out, "ready")
	} else {
		_, err = fmt.Fprintln(out, "healthy")
	}
	return err
}
