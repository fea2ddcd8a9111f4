// ABOUTME: sessions command: lists conversation sessions through the admin API
// ABOUTME: Prints a table by default or raw JSON with --json

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/server"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		token   string
		limit   int
		asJSON  bool
		baseURL string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := getConfigPath(opts.configPath)
			if baseURL == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				baseURL = "http://" + cfg.Server.HTTPAddr
			}
			sessions, raw, err := fetchSessions(cmd.Context(), baseURL, getToken(token, configPath), limit)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "admin API token (default: $COVEN_RELAY_TOKEN or the saved token)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().StringVar(&baseURL, "url", "", "admin API base URL (default: from server.http_addr)")
	return cmd
}

func fetchSessions(ctx context.Context, baseURL, token string, limit int) ([]server.SessionResponse, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/api/sessions?limit=%d", baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, nil, fmt.Errorf("listing sessions: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("listing sessions: status %d", resp.StatusCode)
	}

	var sessions []server.SessionResponse
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return sessions, body, nil
}

func printSessions(out io.Writer, sessions []server.SessionResponse) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSESSION\tCHANNEL\tLAST ACTIVE\tSTATE")
	for _, s := range sessions {
		state := "idle"
		if s.Locked {
			state = color.YellowString("busy")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			platform.Truncate(s.ThreadID, 24), platform.Truncate(s.SessionID, 12), platform.Truncate(s.ChannelID, 24), s.LastActiveAt, state)
	}
	return w.Flush()
}
