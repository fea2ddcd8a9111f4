// ABOUTME: Streaming dispatcher consuming agent events and emitting size-limited platform messages
// ABOUTME: Handles plan capture, audit side effects, placeholder removal and batch buffering

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/platform"
)

// DefaultMessageLimit is the platform message size limit used when none is configured.
const DefaultMessageLimit = 2000

// notifyTimeout bounds best-effort sends made after the invocation context may be gone.
const notifyTimeout = 10 * time.Second

// User-visible notices.
const (
	NoticePlanGenerated = "📋 Plan generated. It will be attached when this run finishes."
	NoticeCompaction    = "🗜️ Conversation history was compacted to stay within the context window."
	NoticeTruncated     = "⚠️ Response truncated: the agent hit its output token limit."
	NoticeAttachments   = "📎 Attachments from this run"
	errorNoticePrefix   = "❌ Error: "
	planAttachmentName  = "plan.md"
)

// AuditSink receives one-line descriptions of mutating tool calls.
type AuditSink interface {
	RecordAction(ctx context.Context, routingID, description string) error
}

// SessionUpdater adopts the runtime's canonical session id.
type SessionUpdater interface {
	UpdateCanonicalSessionID(ctx context.Context, localSessionID, runtimeSessionID, lastChannelID string) error
}

// FileSource yields the shareable files queued for a session.
type FileSource interface {
	Len(sessionID string) int
	Drain(sessionID string) []platform.Attachment
}

// Config wires a Dispatcher's collaborators. Any of them may be nil.
type Config struct {
	Sessions     SessionUpdater
	Audit        AuditSink
	Files        FileSource
	MessageLimit int
}

// Dispatcher consumes agent streams. It is stateless between runs and safe for concurrent use.
type Dispatcher struct {
	sessions SessionUpdater
	audit    AuditSink
	files    FileSource
	limit    int
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MessageLimit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	return &Dispatcher{
		sessions: cfg.Sessions,
		audit:    cfg.Audit,
		files:    cfg.Files,
		limit:    limit,
		logger:   logger.With("component", "dispatch"),
	}
}

// Options describe one invocation.
type Options struct {
	// Batch holds back intermediate units and sends only the last one at the end.
	Batch bool

	// Prefix is prepended to the first flush and Suffix appended to the final one.
	Prefix string
	Suffix string

	// ThinkingMessageID is a placeholder to delete before the first chunk is sent.
	ThinkingMessageID string

	// SessionID is the session the invocation started with (overlay and file queue key).
	SessionID string
	// RoutingID keys audit entries, normally the ancestor channel id.
	RoutingID string
	// ChannelID is recorded alongside the canonical session id.
	ChannelID string
	// WorkingDir shortens file paths in labels and audit lines.
	WorkingDir string

	// Attachments are delivered on the final message in addition to queued files.
	Attachments []platform.Attachment

	// OnTool, when set, is called for every completed tool call.
	OnTool func(ToolActivity)
}

// Result summarizes a finished invocation.
type Result struct {
	SessionID  string // canonical id reported by the runtime, if any
	IsError    bool
	ErrorText  string
	Plan       string
	Sent       []string // texts flushed, in order
	Usage      agent.Usage
	CostUSD    float64
	NumTurns   int
	DurationMS int64
}

// Run consumes stream until a terminal event or the end of the stream and
// closes it. On a stream failure an error notice is attempted and a
// *StreamError is returned.
func (d *Dispatcher) Run(ctx context.Context, stream agent.Stream, dest platform.Destination, opts Options) (*Result, error) {
	defer stream.Close()

	st := newStreamState(opts)
	r := &run{d: d, dest: dest, opts: opts, st: st}

	loopErr := r.loop(ctx, stream)
	if loopErr == nil {
		loopErr = r.finish(ctx)
	}
	if loopErr != nil {
		return r.st.result(), r.fail(ctx, loopErr)
	}
	return r.st.result(), nil
}

type run struct {
	d    *Dispatcher
	dest platform.Destination
	opts Options
	st   *streamState
}

func (r *run) loop(ctx context.Context, stream agent.Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		done, err := r.handle(ctx, ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handle processes one outer event and reports whether it was terminal.
func (r *run) handle(ctx context.Context, ev *agent.Event) (bool, error) {
	switch ev.Kind {
	case agent.EventAssistant:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return false, nil
		}
		if r.opts.Batch {
			r.st.units = append(r.st.units, text)
			return false, nil
		}
		return false, r.flush(ctx, text, false)

	case agent.EventPartial:
		if ev.Partial != nil {
			r.handlePartial(ctx, ev.Partial)
		}
		return false, nil

	case agent.EventEcho:
		return false, nil

	case agent.EventSystemInit:
		r.st.sessionID = ev.SessionID
		if r.d.sessions != nil && r.opts.SessionID != "" && ev.SessionID != "" {
			if err := r.d.sessions.UpdateCanonicalSessionID(ctx, r.opts.SessionID, ev.SessionID, r.opts.ChannelID); err != nil {
				r.d.logger.Error("failed to adopt runtime session id",
					"error", err,
					"session_id", r.opts.SessionID,
					"runtime_session_id", ev.SessionID)
			}
		}
		return false, nil

	case agent.EventSystemCompaction:
		r.notice(ctx, NoticeCompaction)
		return false, nil

	case agent.EventResultSuccess:
		r.st.captureResult(ev.Result)
		return true, nil

	case agent.EventResultError:
		r.st.captureResult(ev.Result)
		r.st.isError = true
		r.st.errorText = ev.Text
		if ev.Text != "" {
			r.deletePlaceholder(ctx)
			r.notice(ctx, errorNoticePrefix+oneLine(ev.Text, 500))
		}
		return true, nil

	default:
		r.d.logger.Debug("ignoring agent event", "kind", ev.Kind.String())
		return false, nil
	}
}

func (r *run) handlePartial(ctx context.Context, se *agent.StreamEvent) {
	switch se.Kind {
	case agent.StreamBlockStart:
		if se.BlockType == agent.BlockToolUse {
			r.st.openTool(se.Index, se.ToolID, se.ToolName)
		}

	case agent.StreamBlockDelta:
		// Text deltas are dropped; the complete text arrives with the assistant event
		if se.InputDelta != "" {
			r.st.appendToolInput(se.Index, se.InputDelta)
		}

	case agent.StreamBlockStop:
		if tool := r.st.closeTool(se.Index); tool != nil {
			r.completeTool(ctx, tool)
		}

	case agent.StreamUnitDelta:
		if se.StopReason == agent.StopMaxTokens {
			r.notice(ctx, NoticeTruncated)
		}
	}
}

func (r *run) completeTool(ctx context.Context, tool *toolAccumulator) {
	input := agent.ParseToolInput(tool.name, []byte(tool.input.String()))
	if inv, ok := input.(agent.InvalidInput); ok {
		r.d.logger.Warn("could not parse tool input",
			"tool", tool.name,
			"tool_id", tool.id,
			"error", inv.Err)
	}

	if tool.name == agent.ToolExitPlanMode {
		if plan, ok := input.(agent.ExitPlanInput); ok && plan.Plan != "" {
			r.st.plan = plan.Plan
			if !r.opts.Batch {
				r.notice(ctx, NoticePlanGenerated)
			}
		}
		return
	}

	activity := describeTool(tool.name, input, r.opts.WorkingDir)
	r.d.logger.Debug("tool call", "tool", tool.name, "label", activity.Label)
	if r.opts.OnTool != nil {
		r.opts.OnTool(activity)
	}

	desc := auditDescription(tool.name, input, r.opts.WorkingDir)
	if desc == "" || r.d.audit == nil || r.opts.RoutingID == "" {
		return
	}
	if err := r.d.audit.RecordAction(ctx, r.opts.RoutingID, desc); err != nil {
		r.d.logger.Warn("failed to record action",
			"error", err,
			"routing_id", r.opts.RoutingID,
			"description", desc)
	}
}

// finish delivers held output and pending attachments once the stream has ended.
func (r *run) finish(ctx context.Context) error {
	if r.opts.Batch {
		last := ""
		if n := len(r.st.units); n > 0 {
			last = r.st.units[n-1]
		}
		if last != "" || r.st.hasPendingFinal(r.d.files) {
			return r.flush(ctx, last, true)
		}
		r.deletePlaceholder(ctx)
		return nil
	}

	if r.st.hasPendingFinal(r.d.files) {
		return r.flush(ctx, "", true)
	}
	// Nothing was ever sent; don't leave the placeholder behind
	r.deletePlaceholder(ctx)
	return nil
}

// flush sends body as one or more chunks. Final flushes carry the suffix and
// every pending attachment on their last chunk.
func (r *run) flush(ctx context.Context, body string, final bool) error {
	text := r.st.decorate(body, final)
	var attachments []platform.Attachment
	if final {
		attachments = r.st.takeAttachments(r.d.files)
		if text == "" && len(attachments) > 0 {
			text = NoticeAttachments
		}
	}
	if text == "" {
		return nil
	}

	chunks := platform.SplitMessage(text, r.d.limit)
	for i, chunk := range chunks {
		r.deletePlaceholder(ctx)

		msg := platform.Message{Text: chunk}
		if final && i == len(chunks)-1 {
			msg.Attachments = attachments
		}
		if _, err := r.dest.Send(ctx, msg); err != nil {
			return fmt.Errorf("sending chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	r.st.sent = append(r.st.sent, text)
	return nil
}

// deletePlaceholder removes the thinking placeholder. Only the first call does anything.
func (r *run) deletePlaceholder(ctx context.Context) {
	if r.st.placeholderHandled || r.opts.ThinkingMessageID == "" {
		return
	}
	r.st.placeholderHandled = true

	if err := r.dest.Delete(ctx, r.opts.ThinkingMessageID); err != nil {
		r.d.logger.Warn("failed to delete thinking message",
			"error", err,
			"message_id", r.opts.ThinkingMessageID)
	}
}

// notice sends a status line. Failures are logged, never returned.
func (r *run) notice(ctx context.Context, text string) {
	if _, err := platform.SendNotice(ctx, r.dest, text); err != nil {
		r.d.logger.Warn("failed to send notice", "error", err, "destination", r.dest.ID())
	}
}

// fail sends a best-effort error notice and wraps err.
func (r *run) fail(ctx context.Context, err error) error {
	r.d.logger.Error("agent stream failed", "error", err, "session_id", r.opts.SessionID)

	// The invocation context may already be cancelled
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	r.deletePlaceholder(notifyCtx)
	_, sendErr := platform.SendNotice(notifyCtx, r.dest, errorNoticePrefix+oneLine(err.Error(), 300))
	if sendErr != nil {
		r.d.logger.Warn("failed to send error notice", "error", sendErr, "destination", r.dest.ID())
	}
	return &StreamError{Err: err, Notified: sendErr == nil}
}
