// ABOUTME: serve command: wires store, router, gate, runtime, dispatcher, relay and Matrix bridge
// ABOUTME: Prints the startup banner and runs the server until interrupted

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/matrix"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/server"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noBridge bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), getConfigPath(opts.configPath), noBridge)
		},
	}
	cmd.Flags().BoolVar(&noBridge, "no-bridge", false, "run only the admin API, without syncing Matrix")
	return cmd
}

func runServe(ctx context.Context, configPath string, noBridge bool) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, nil)
	slog.SetDefault(logger)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Agent:      %s", cfg.Agent.Binary)
	if cfg.Agent.Model != "" {
		gray.Printf(" (%s)", cfg.Agent.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API has no auth (auth.jwt_secret is empty)")
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	router := session.NewRouter(st, logger)
	g := gate.New()
	dispatcher := dispatch.New(dispatch.Config{
		Sessions:     router,
		Audit:        st,
		Files:        router.Files(),
		MessageLimit: cfg.Relay.MessageLimit,
	}, logger)
	runtime := agent.NewClaudeRuntime(agent.ClaudeConfig{
		Binary:         cfg.Agent.Binary,
		Model:          cfg.Agent.Model,
		PermissionMode: cfg.Agent.PermissionMode,
		ExtraArgs:      cfg.Agent.ExtraArgs,
	}, logger)

	relayCfg := relay.Config{
		Gate:              g,
		Router:            router,
		Runtime:           runtime,
		Dispatcher:        dispatcher,
		Usage:             st,
		RequireMention:    cfg.Relay.RequireMention,
		ThinkingMessage:   cfg.Relay.ThinkingMessage,
		ThreadNameLength:  cfg.Relay.ThreadNameLength,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		InvocationTimeout: cfg.Agent.InvocationTimeout,
		Rooms:             roomSettings(cfg),
	}

	var bridge server.Runner
	var crypto *matrix.Crypto
	if !noBridge {
		client, err := matrix.NewClient(cfg.Matrix, logger)
		if err != nil {
			_ = st.Close()
			return err
		}
		if err := client.Login(ctx); err != nil {
			_ = st.Close()
			return fmt.Errorf("matrix login: %w", err)
		}
		if cfg.Matrix.Encryption {
			crypto, err = matrix.SetupCrypto(ctx, client, filepath.Join(getDataPath(), "matrix"))
			if err != nil {
				_ = st.Close()
				return fmt.Errorf("setting up encryption: %w", err)
			}
		}

		relayCfg.Directory = client
		relayCfg.AccountID = client.UserID()
		relayCfg.DisplayName = client.DisplayName
		relayCfg.Mentions = platform.TextMentionChecker{DisplayName: client.DisplayName(client.UserID())}
		defer func() {
			if err := crypto.Close(); err != nil {
				logger.Warn("closing crypto store", "error", err)
			}
		}()

		r, err := relay.New(relayCfg, logger)
		if err != nil {
			_ = st.Close()
			return err
		}
		bridge = matrix.NewBridge(client, r, logger)
		return serve(ctx, cfg, st, g, router, r, bridge, logger)
	}

	logger.Warn("matrix bridge disabled, batch runs need an explicit destination")
	r, err := relay.New(relayCfg, logger)
	if err != nil {
		_ = st.Close()
		return err
	}
	return serve(ctx, cfg, st, g, router, r, nil, logger)
}

func serve(ctx context.Context, cfg *config.Config, st store.Store, g *gate.Gate, router *session.Router, r *relay.Relay, bridge server.Runner, logger *slog.Logger) error {
	srv, err := server.New(cfg, server.Deps{
		Store:  st,
		Gate:   g,
		Router: router,
		Batch:  r,
		Bridge: bridge,
		Drain:  r.Drain,
	}, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("starting coven-relay",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"rooms", len(cfg.Relay.Rooms),
	)
	return srv.Run(ctx)
}

// roomSettings maps configured rooms to relay settings.
func roomSettings(cfg *config.Config) func(channelID string) relay.RoomSettings {
	return func(channelID string) relay.RoomSettings {
		room, _ := cfg.Room(channelID)
		return relay.RoomSettings{
			WorkingDir: cfg.WorkingDirFor(channelID),
			Batch:      room.Batch,
		}
	}
}
