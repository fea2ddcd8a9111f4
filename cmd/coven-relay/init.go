// ABOUTME: init command: interactive setup that writes a relay config file
// ABOUTME: Generates a random JWT secret for the admin API

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), getConfigPath(opts.configPath))
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	defaultDbPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := ask("Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Matrix Configuration ---")
	homeserver := ask("Homeserver URL", "https://matrix.org")
	userID := ask("Bot user ID (e.g. @coven:matrix.org)", "")
	accessToken := ask("Access token (leave empty to log in with a password)", "")
	var username, password string
	if accessToken == "" {
		username = ask("Username", "")
		password = ask("Password", "")
	}
	encryption := isYes(ask("Enable end-to-end encryption?", "no"))
	var recoveryKey string
	if encryption {
		recoveryKey = ask("Recovery key (leave empty to skip cross-signing)", "")
	}

	fmt.Fprintln(out, "\n--- Agent Configuration ---")
	binary := ask("Claude Code binary", "claude")
	model := ask("Model (leave empty for the CLI default)", "")
	workingDir := ask("Default working directory", "")

	fmt.Fprintln(out, "\n--- Relay Configuration ---")
	requireMention := isYes(ask("Only answer when mentioned?", "yes"))

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := ask("HTTP address", "localhost:8080")
	grpcAddr := ask("gRPC health address", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := ask("SQLite database path", defaultDbPath)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(ask("Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = ask("Tailscale hostname", "coven-relay")
		tsAuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := ask("Log level (debug/info/warn/error)", "info")
	logFormat := ask("Log format (text/json)", "text")

	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("matrix:\n")
	fmt.Fprintf(&cfg, "  homeserver: %q\n", homeserver)
	if userID != "" {
		fmt.Fprintf(&cfg, "  user_id: %q\n", userID)
	}
	if accessToken != "" {
		fmt.Fprintf(&cfg, "  access_token: %q\n", accessToken)
	} else {
		fmt.Fprintf(&cfg, "  username: %q\n", username)
		fmt.Fprintf(&cfg, "  password: %q\n", password)
	}
	fmt.Fprintf(&cfg, "  encryption: %t\n", encryption)
	if recoveryKey != "" {
		fmt.Fprintf(&cfg, "  recovery_key: %q\n", recoveryKey)
	}
	cfg.WriteString("  typing_indicator: true\n\n")

	cfg.WriteString("agent:\n")
	fmt.Fprintf(&cfg, "  binary: %q\n", binary)
	if model != "" {
		fmt.Fprintf(&cfg, "  model: %q\n", model)
	}
	cfg.WriteString("  invocation_timeout: \"30m\"\n\n")

	cfg.WriteString("relay:\n")
	fmt.Fprintf(&cfg, "  require_mention: %t\n", requireMention)
	if workingDir != "" {
		fmt.Fprintf(&cfg, "  default_working_dir: %q\n", workingDir)
	}
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", grpcAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", secret)

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds credentials.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the relay:")
	fmt.Fprintln(out, "  coven-relay serve")
	fmt.Fprintln(out, "\nTo get an admin API token:")
	fmt.Fprintln(out, "  coven-relay token")
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
