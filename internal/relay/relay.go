// ABOUTME: Turn orchestration: gate, session resolution, agent invocation and dispatch
// ABOUTME: Applies mention gating, reply resumption and lazy thread creation per inbound message

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// ApologyMessage is sent once when a turn fails without the user having been told.
const ApologyMessage = "😵 Sorry, something went wrong while handling that message. Please try again."

const cleanupTimeout = 10 * time.Second

// Turn is one inbound platform message.
type Turn struct {
	MessageID string
	ChannelID string
	GuildID   string
	// ThreadID is the conversation thread the message was posted in, "" for the channel itself.
	ThreadID string
	// ReplyToID is the message this one replies to, if any.
	ReplyToID string
	SenderID  string
	Text      string

	// Destination is where the message arrived: the thread when ThreadID is set, otherwise the channel.
	Destination platform.Destination
}

// gateKey is the thread id, or the message id for a turn not yet in a thread.
func (t Turn) gateKey() string {
	if t.ThreadID != "" {
		return t.ThreadID
	}
	return t.MessageID
}

// RoomSettings are the per-channel overrides of a turn.
type RoomSettings struct {
	WorkingDir string
	Batch      bool
}

// Config wires a Relay.
type Config struct {
	Gate       *gate.Gate
	Router     *session.Router
	Runtime    agent.Runtime
	Dispatcher *dispatch.Dispatcher

	// Optional collaborators
	Usage     store.UsageStore
	Directory platform.Directory
	Mentions  platform.MentionChecker

	// AccountID is the relay's own platform account.
	AccountID string
	// DisplayName resolves user ids when cleaning mentions. May be nil.
	DisplayName func(userID string) string
	// Rooms returns per-channel settings. May be nil.
	Rooms func(channelID string) RoomSettings

	RequireMention    bool
	ThinkingMessage   string
	ThreadNameLength  int
	SystemPrompt      string
	InvocationTimeout time.Duration
}

// Relay processes turns. Turns on the same thread run one at a time in arrival order.
type Relay struct {
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup

	// life outlives intake contexts; it is cancelled only when a drain gives up.
	life context.Context
	stop context.CancelFunc
}

// New creates a Relay. Gate, Router, Runtime and Dispatcher are required.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	if cfg.Gate == nil || cfg.Router == nil || cfg.Runtime == nil || cfg.Dispatcher == nil {
		return nil, errors.New("relay: gate, router, runtime and dispatcher are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mentions == nil {
		cfg.Mentions = platform.TextMentionChecker{}
	}
	if cfg.ThreadNameLength <= 0 {
		cfg.ThreadNameLength = 20
	}
	life, stop := context.WithCancel(context.Background())
	return &Relay{cfg: cfg, logger: logger.With("component", "relay"), life: life, stop: stop}, nil
}

// Submit fixes the turn's position in its gate queue before returning and
// processes it on a new goroutine. The channel yields the turn's error and
// is then closed.
func (r *Relay) Submit(ctx context.Context, turn Turn) <-chan error {
	key := turn.gateKey()
	tok := r.cfg.Gate.Enqueue(key)

	done := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		done <- r.handleQueued(ctx, turn, key, tok)
	}()
	return done
}

// Handle processes a turn synchronously.
func (r *Relay) Handle(ctx context.Context, turn Turn) error {
	key := turn.gateKey()
	return r.handleQueued(ctx, turn, key, r.cfg.Gate.Enqueue(key))
}

// Wait blocks until every submitted turn has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Drain waits for submitted turns to finish. Turns still running when ctx
// ends are cancelled and awaited before Drain returns ctx's error.
func (r *Relay) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("cancelling turns still running after drain deadline")
		r.stop()
		<-done
		return ctx.Err()
	}
}

// detach returns a context that survives cancellation of ctx and ends only
// when the relay stops. The caller's values are kept and its deadline dropped.
func (r *Relay) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(r.life, cancel)
	return turnCtx, func() {
		stopAfter()
		cancel()
	}
}

// handleQueued waits for the turn's gate on ctx. Once the gate is held the
// turn runs to completion even if ctx is cancelled; only Drain can stop it.
func (r *Relay) handleQueued(ctx context.Context, turn Turn, key string, tok *gate.Token) error {
	if err := tok.Wait(ctx); err != nil {
		r.cfg.Gate.Release(key, tok)
		return fmt.Errorf("waiting for turn: %w", err)
	}
	defer r.cfg.Gate.Release(key, tok)

	ctx, cancel := r.detach(ctx)
	defer cancel()

	dest, err := r.process(ctx, turn)
	if err != nil {
		r.logger.Error("turn failed",
			"error", err,
			"message_id", turn.MessageID,
			"thread_id", turn.ThreadID,
			"channel_id", turn.ChannelID)
		r.apologize(ctx, dest, err)
	}
	return err
}

// apologize sends a single apology unless the dispatcher already told the user.
func (r *Relay) apologize(ctx context.Context, dest platform.Destination, err error) {
	var streamErr *dispatch.StreamError
	if dest == nil || (errors.As(err, &streamErr) && streamErr.Notified) {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, sendErr := platform.SendNotice(sendCtx, dest, ApologyMessage); sendErr != nil {
		r.logger.Warn("failed to send apology", "error", sendErr, "destination", dest.ID())
	}
}

// process runs one turn while its gate is held. It returns the destination
// failures should be reported to, which may be nil for dropped turns.
func (r *Relay) process(ctx context.Context, turn Turn) (platform.Destination, error) {
	if turn.Destination == nil {
		return nil, platform.ErrNoDestination
	}
	mentioned := r.cfg.AccountID != "" && r.cfg.Mentions.IsMentioned(turn.Text, r.cfg.AccountID)
	room := r.room(turn.ChannelID)

	if turn.ThreadID != "" {
		return r.processInThread(ctx, turn, room, mentioned)
	}

	if rec, dest, ok := r.resumeFromReply(ctx, turn); ok {
		release, err := r.holdThread(ctx, turn.gateKey(), rec.ThreadID)
		if err != nil {
			return dest, err
		}
		defer release()
		return dest, r.invoke(ctx, turn, dest, rec.ThreadID, room)
	}

	if r.cfg.RequireMention && !mentioned {
		r.logger.Debug("ignoring message without mention", "message_id", turn.MessageID, "channel_id", turn.ChannelID)
		return nil, nil
	}

	// The thread exists before the agent starts so tools have a destination from the first event
	name := platform.ThreadName(platform.CleanMentions(turn.Text, r.cfg.DisplayName), r.cfg.ThreadNameLength)
	thread, err := turn.Destination.CreateSubthread(ctx, name)
	if err != nil {
		return turn.Destination, fmt.Errorf("creating thread: %w", err)
	}
	r.logger.Info("created thread", "thread_id", thread.ID(), "name", name, "channel_id", turn.ChannelID)

	release, err := r.holdThread(ctx, turn.gateKey(), thread.ID())
	if err != nil {
		return thread, err
	}
	defer release()
	return thread, r.invoke(ctx, turn, thread, thread.ID(), room)
}

func (r *Relay) processInThread(ctx context.Context, turn Turn, room RoomSettings, mentioned bool) (platform.Destination, error) {
	_, err := r.cfg.Router.Lookup(ctx, turn.ThreadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// A thread the relay was never invoked in is only joined on an explicit mention
		if !mentioned {
			r.logger.Debug("ignoring unmentioned message in unknown thread",
				"message_id", turn.MessageID,
				"thread_id", turn.ThreadID)
			return nil, nil
		}
	case err != nil:
		return turn.Destination, fmt.Errorf("looking up thread session: %w", err)
	}
	return turn.Destination, r.invoke(ctx, turn, turn.Destination, turn.ThreadID, room)
}

// resumeFromReply finds the session a channel reply points at.
func (r *Relay) resumeFromReply(ctx context.Context, turn Turn) (*store.SessionRecord, platform.Destination, bool) {
	if turn.ReplyToID == "" {
		return nil, nil, false
	}
	rec, err := r.cfg.Router.ResumeByMessageID(ctx, turn.ReplyToID)
	if err != nil {
		r.logger.Warn("reply lookup failed", "error", err, "reply_to", turn.ReplyToID)
		return nil, nil, false
	}
	if rec == nil {
		return nil, nil, false
	}

	dest := turn.Destination
	if r.cfg.Directory != nil {
		if threadDest, err := r.cfg.Directory.Destination(ctx, rec.ChannelID, rec.ThreadID); err == nil {
			dest = threadDest
		} else {
			r.logger.Warn("could not open resumed thread, replying in channel",
				"error", err,
				"thread_id", rec.ThreadID)
		}
	}
	r.logger.Info("resuming session from reply", "thread_id", rec.ThreadID, "reply_to", turn.ReplyToID)
	return rec, dest, true
}

// holdThread acquires the gate of a thread discovered after the turn was
// queued. A thread rooted at the turn's own message shares the held key.
func (r *Relay) holdThread(ctx context.Context, heldKey, threadID string) (func(), error) {
	if threadID == heldKey {
		return func() {}, nil
	}
	tok, err := r.cfg.Gate.Acquire(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("waiting for thread %s: %w", threadID, err)
	}
	return func() { r.cfg.Gate.Release(threadID, tok) }, nil
}

// invoke resolves the session for threadID and runs the agent into dest.
func (r *Relay) invoke(ctx context.Context, turn Turn, dest platform.Destination, threadID string, room RoomSettings) error {
	res, err := r.cfg.Router.Resolve(ctx, session.ResolveRequest{
		ThreadID:           threadID,
		ChannelID:          turn.ChannelID,
		GuildID:            turn.GuildID,
		MessageID:          turn.MessageID,
		WorkingDirFallback: room.WorkingDir,
	})
	if err != nil {
		return fmt.Errorf("resolving session: %w", err)
	}

	_, err = r.run(ctx, runRequest{
		threadID:   threadID,
		channelID:  turn.ChannelID,
		resolution: res,
		dest:       dest,
		prompt:     platform.CleanMentions(turn.Text, r.cfg.DisplayName),
		opts: dispatch.Options{
			Batch: room.Batch,
		},
		placeholder: true,
	})
	return err
}

type runRequest struct {
	threadID    string
	channelID   string
	resolution  *session.Resolution
	dest        platform.Destination
	prompt      string
	opts        dispatch.Options
	placeholder bool
}

// run sets the context overlay, invokes the runtime and dispatches its
// stream. The overlay is cleared and the session touched on every outcome.
func (r *Relay) run(ctx context.Context, req runRequest) (*dispatch.Result, error) {
	sessionID := req.resolution.SessionID
	workingDir := req.resolution.WorkingDirectory

	r.cfg.Router.SetContext(sessionID, session.Context{
		Destination: req.dest,
		WorkingDir:  workingDir,
		RoutingID:   req.channelID,
	})
	defer r.cfg.Router.ClearContext(sessionID)
	defer r.touch(ctx, req.threadID)

	if req.placeholder && r.cfg.ThinkingMessage != "" {
		id, err := platform.SendNotice(ctx, req.dest, r.cfg.ThinkingMessage)
		if err != nil {
			r.logger.Warn("failed to send thinking message", "error", err, "thread_id", req.threadID)
		}
		req.opts.ThinkingMessageID = id
	}

	invokeCtx := ctx
	if r.cfg.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, r.cfg.InvocationTimeout)
		defer cancel()
	}

	invoke := agent.InvokeRequest{
		Prompt:       req.prompt,
		WorkingDir:   workingDir,
		SystemPrompt: r.cfg.SystemPrompt,
		Env:          map[string]string{agent.SessionEnvVar: sessionID},
	}
	if req.resolution.IsNew {
		invoke.SessionID = sessionID
	} else {
		invoke.ResumeSessionID = sessionID
	}

	r.logger.Info("invoking agent",
		"thread_id", req.threadID,
		"session_id", sessionID,
		"new_session", req.resolution.IsNew,
		"batch", req.opts.Batch)

	stream, err := r.cfg.Runtime.Invoke(invokeCtx, invoke)
	if err != nil {
		r.discardPlaceholder(ctx, req.dest, req.opts.ThinkingMessageID)
		return nil, fmt.Errorf("invoking agent: %w", err)
	}

	req.opts.SessionID = sessionID
	req.opts.RoutingID = req.channelID
	req.opts.ChannelID = req.channelID
	req.opts.WorkingDir = workingDir

	result, err := r.cfg.Dispatcher.Run(invokeCtx, stream, req.dest, req.opts)
	r.saveUsage(ctx, req.threadID, sessionID, result)
	if err != nil {
		return result, err
	}

	r.logger.Info("turn complete",
		"thread_id", req.threadID,
		"session_id", sessionID,
		"is_error", result.IsError,
		"output_tokens", result.Usage.OutputTokens,
		"cost_usd", result.CostUSD)
	return result, nil
}

func (r *Relay) discardPlaceholder(ctx context.Context, dest platform.Destination, messageID string) {
	if messageID == "" {
		return
	}
	if err := dest.Delete(context.WithoutCancel(ctx), messageID); err != nil {
		r.logger.Warn("failed to delete thinking message", "error", err, "message_id", messageID)
	}
}

func (r *Relay) saveUsage(ctx context.Context, threadID, sessionID string, result *dispatch.Result) {
	if r.cfg.Usage == nil || result == nil {
		return
	}
	if result.SessionID != "" {
		sessionID = result.SessionID
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := r.cfg.Usage.SaveUsage(saveCtx, &store.InvocationUsage{
		ThreadID:         threadID,
		SessionID:        sessionID,
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		CacheReadTokens:  result.Usage.CacheReadTokens,
		CacheWriteTokens: result.Usage.CacheWriteTokens,
		CostUSD:          result.CostUSD,
		NumTurns:         result.NumTurns,
		DurationMS:       result.DurationMS,
		IsError:          result.IsError,
	})
	if err != nil {
		r.logger.Error("failed to save usage", "error", err, "thread_id", threadID)
	}
}

func (r *Relay) touch(ctx context.Context, threadID string) {
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.cfg.Router.Touch(touchCtx, threadID); err != nil {
		r.logger.Warn("failed to touch session", "error", err, "thread_id", threadID)
	}
}

func (r *Relay) room(channelID string) RoomSettings {
	if r.cfg.Rooms == nil {
		return RoomSettings{}
	}
	return r.cfg.Rooms(channelID)
}
