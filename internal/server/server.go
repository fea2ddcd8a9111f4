// ABOUTME: Process lifecycle for coven-relay: HTTP admin API, gRPC health and the Matrix bridge
// ABOUTME: Listens on TCP or on a tailnet via tsnet and shuts everything down together

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	drainTimeout    = 30 * time.Second
)

// Runner is a long-running component such as the Matrix bridge.
type Runner interface {
	Run(ctx context.Context) error
}

// BatchRunner starts unattended invocations.
type BatchRunner interface {
	RunBatch(ctx context.Context, req relay.BatchRequest) (*dispatch.Result, error)
}

// Deps are the components the server exposes and manages.
type Deps struct {
	Store  store.Store
	Gate   *gate.Gate
	Router *session.Router
	Batch  BatchRunner
	// Bridge is optional; without it only the admin surface runs.
	Bridge Runner
	// Drain waits for in-flight turns until ctx ends, then cancels them. Optional.
	Drain func(ctx context.Context) error
}

// Server owns the listeners and background components of one relay process.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	ready atomic.Bool
}

// New builds a server. Run starts it.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Router == nil || deps.Batch == nil {
		return nil, errors.New("server: store, gate, router and batch runner are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	handler, err := s.routes(logger)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/sessions/{threadID}", s.handleGetSession)
	api.HandleFunc("GET /api/locks", s.handleLocks)
	api.HandleFunc("GET /api/usage", s.handleUsage)
	api.HandleFunc("GET /api/actions", s.handleActions)
	api.HandleFunc("GET /api/context", s.handleListContexts)
	api.HandleFunc("GET /api/context/{sessionID}", s.handleGetContext)
	api.HandleFunc("POST /api/context/{sessionID}/messages", s.handleContextMessage)
	api.HandleFunc("POST /api/context/{sessionID}/files", s.handleContextFile)
	api.HandleFunc("POST /api/batch", s.handleBatch)

	if s.cfg.Auth.JWTSecret == "" {
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		mux.Handle("/api/", api)
		return mux, nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(s.cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
	s.logger.Info("HTTP auth middleware enabled")
	return mux, nil
}

// Run starts every component and blocks until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if s.deps.Bridge != nil {
		g.Go(func() error {
			return s.deps.Bridge.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		return s.gracefulShutdown()
	})

	s.ready.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	err = g.Wait()
	if ctx.Err() != nil && err == nil {
		s.logger.Info("relay stopped")
	}
	return err
}

// gracefulShutdown uses a fresh context since the run context is already cancelled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the listeners, waits for in-flight turns and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")
	s.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPCServer(ctx)

	if s.deps.Drain != nil {
		s.drain()
	}
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.deps.Store.Close())
	return errors.Join(errs...)
}

func (s *Server) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.logger.Info("waiting for in-flight turns")
	if err := s.deps.Drain(ctx); err != nil {
		s.logger.Warn("in-flight turns cancelled after drain timeout", "error", err)
	}
}

func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.cfg.Tailscale.Enabled {
		if s.cfg.Server.GRPCAddr != "" || s.cfg.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", s.cfg.Server.GRPCAddr,
				"http_addr", s.cfg.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "tailscale"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
