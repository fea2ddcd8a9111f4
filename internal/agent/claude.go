// ABOUTME: Runtime implementation that runs the Claude Code CLI with stream-json output
// ABOUTME: One subprocess per invocation; stdout lines are parsed into Events as they arrive

package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/platform"
)

// SessionEnvVar carries the relay's session id into the agent's environment so
// tools can look up the context overlay for the running invocation.
const SessionEnvVar = "COVEN_SESSION_ID"

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 16 * 1024 * 1024
	stderrTailSize       = 4 * 1024
)

// ClaudeConfig configures ClaudeRuntime.
type ClaudeConfig struct {
	Binary         string // defaults to "claude"
	Model          string
	PermissionMode string
	ExtraArgs      []string
	Timeout        time.Duration // zero means no limit beyond the caller's context
}

// ClaudeRuntime runs the Claude Code CLI per invocation.
type ClaudeRuntime struct {
	cfg    ClaudeConfig
	logger *slog.Logger
}

// NewClaudeRuntime creates a ClaudeRuntime.
func NewClaudeRuntime(cfg ClaudeConfig, logger *slog.Logger) *ClaudeRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &ClaudeRuntime{cfg: cfg, logger: logger.With("component", "claude")}
}

// Args returns the CLI arguments for req.
func (r *ClaudeRuntime) Args(req InvokeRequest) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	switch {
	case req.ResumeSessionID != "":
		args = append(args, "--resume", req.ResumeSessionID)
	case req.SessionID != "":
		args = append(args, "--session-id", req.SessionID)
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if r.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", r.cfg.PermissionMode)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	args = append(args, r.cfg.ExtraArgs...)
	// Terminate flag parsing so prompts starting with "-" are not read as options
	return append(args, "--", req.Prompt)
}

// Invoke starts the CLI and returns a Stream over its output.
func (r *ClaudeRuntime) Invoke(ctx context.Context, req InvokeRequest) (Stream, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, r.Args(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), envList(req.Env)...)
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", r.cfg.Binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	r.logger.Debug("agent started",
		"pid", cmd.Process.Pid,
		"working_dir", req.WorkingDir,
		"resume", req.ResumeSessionID != "")

	return &processStream{
		cmd:     cmd,
		stdout:  stdout,
		scanner: scanner,
		stderr:  stderr,
		cancel:  cancel,
		logger:  r.logger,
	}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// ExitError reports an agent process that exited without a result event.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited: %v", e.Err)
	}
	return fmt.Sprintf("agent exited: %v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type processStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	stderr  *tailBuffer
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu        sync.Mutex
	sawResult bool
	finished  bool
	waitErr   error
}

// Next blocks on the next output line. Cancelling ctx is honoured between
// lines; the process itself is bound to the context given to Invoke.
func (s *processStream) Next(ctx context.Context) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.finished {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.scanner.Scan() {
			return nil, s.finishLocked()
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, err := ParseLine(line)
		if err != nil {
			s.logger.Warn("skipping unparseable agent output", "error", err, "line", platform.Truncate(string(line), 200))
			continue
		}
		if ev.IsTerminal() {
			s.sawResult = true
		}
		return ev, nil
	}
}

// finishLocked reaps the process and maps its exit to the stream's final error.
func (s *processStream) finishLocked() error {
	s.finished = true
	scanErr := s.scanner.Err()
	s.waitErr = s.cmd.Wait()
	s.cancel()

	if scanErr != nil {
		return fmt.Errorf("reading agent output: %w", scanErr)
	}
	if s.waitErr != nil && !s.sawResult {
		return &ExitError{Err: s.waitErr, Stderr: s.stderr.String()}
	}
	return io.EOF
}

// Close stops the process if it is still running and reaps it.
func (s *processStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		_ = s.stdout.Close()
		s.waitErr = s.cmd.Wait()
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
