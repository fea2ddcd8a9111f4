// ABOUTME: token command: mints an admin API JWT from the configured secret
// ABOUTME: Optionally saves the token next to the config for the sessions command

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd.OutOrStdout(), getConfigPath(opts.configPath), subject, ttl, save)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "also write the token to a file next to the config")
	return cmd
}

func runToken(out io.Writer, configPath, subject string, ttl time.Duration, save bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set, the admin API is unauthenticated")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if save {
		tokenPath := tokenFilePath(configPath)
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved token to %s\n", tokenPath)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

func tokenFilePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "relay-token")
}

// getToken returns the admin token from the flag, COVEN_RELAY_TOKEN, or the saved token file.
func getToken(flag, configPath string) string {
	if flag != "" {
		return flag
	}
	if token := os.Getenv("COVEN_RELAY_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(tokenFilePath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
