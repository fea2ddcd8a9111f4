// ABOUTME: Session router mapping conversation threads to agent sessions
// ABOUTME: Resolves or lazily creates session records and owns the context overlay

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

// Router resolves sessions for incoming turns and manages their context overlay.
type Router struct {
	store   store.SessionStore
	overlay *Overlay
	files   *FileQueue
	logger  *slog.Logger

	newSessionID func() string
	now          func() time.Time
}

// NewRouter creates a Router over the given session store.
func NewRouter(st store.SessionStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:        st,
		overlay:      NewOverlay(),
		files:        NewFileQueue(),
		logger:       logger.With("component", "session"),
		newSessionID: func() string { return uuid.New().String() },
		now:          time.Now,
	}
}

// Overlay returns the context overlay for read access by the tool layer.
func (r *Router) Overlay() *Overlay {
	return r.overlay
}

// Files returns the shareable-file queue.
func (r *Router) Files() *FileQueue {
	return r.files
}

// ResolveRequest identifies the turn a session is resolved for.
type ResolveRequest struct {
	ThreadID           string
	ChannelID          string
	GuildID            string
	MessageID          string // becomes the origin message of a new session
	WorkingDirFallback string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	SessionID        string
	IsNew            bool
	WorkingDirectory string
}

// Resolve returns the session for req.ThreadID, creating one with a fresh
// session id when none exists. The caller must hold the thread's gate.
func (r *Router) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}

	rec, err := r.store.GetSession(ctx, req.ThreadID)
	if err == nil {
		return &Resolution{SessionID: rec.SessionID, WorkingDirectory: rec.WorkingDirectory}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := r.now()
	rec = &store.SessionRecord{
		ThreadID:         req.ThreadID,
		SessionID:        r.newSessionID(),
		ChannelID:        req.ChannelID,
		GuildID:          req.GuildID,
		OriginMessageID:  req.MessageID,
		WorkingDirectory: req.WorkingDirFallback,
		CreatedAt:        now,
		LastActiveAt:     now,
	}

	err = r.store.PutSession(ctx, rec)
	if errors.Is(err, store.ErrDuplicateSession) {
		// Either the thread appeared since the lookup or the origin message
		// already anchors another session
		existing, lookupErr := r.store.GetSession(ctx, req.ThreadID)
		if lookupErr == nil {
			r.logger.Debug("found existing session after duplicate insert", "thread_id", req.ThreadID)
			return &Resolution{SessionID: existing.SessionID, WorkingDirectory: existing.WorkingDirectory}, nil
		}
		r.logger.Warn("origin message already anchors a session, creating without it",
			"thread_id", req.ThreadID,
			"message_id", req.MessageID)
		rec.OriginMessageID = ""
		err = r.store.PutSession(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("created session",
		"thread_id", rec.ThreadID,
		"session_id", rec.SessionID,
		"working_dir", rec.WorkingDirectory)

	return &Resolution{SessionID: rec.SessionID, IsNew: true, WorkingDirectory: rec.WorkingDirectory}, nil
}

// Lookup returns the session record for a thread without creating one.
// Returns store.ErrNotFound when the thread has no session.
func (r *Router) Lookup(ctx context.Context, threadID string) (*store.SessionRecord, error) {
	return r.store.GetSession(ctx, threadID)
}

// ResumeByMessageID returns the session started by messageID, or nil when
// that message never started a session.
func (r *Router) ResumeByMessageID(ctx context.Context, messageID string) (*store.SessionRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	rec, err := r.store.GetSessionByMessageID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session by message: %w", err)
	}
	return rec, nil
}

// UpdateCanonicalSessionID records the runtime's own session id so the next
// turn resumes it. Calling it again with the same ids is a no-op.
func (r *Router) UpdateCanonicalSessionID(ctx context.Context, localSessionID, runtimeSessionID, lastChannelID string) error {
	if runtimeSessionID == "" {
		return nil
	}

	rec, err := r.store.GetSessionBySessionID(ctx, localSessionID)
	if errors.Is(err, store.ErrNotFound) {
		// Already moved to the runtime id by an earlier call
		if _, err := r.store.GetSessionBySessionID(ctx, runtimeSessionID); err == nil {
			r.overlay.Alias(runtimeSessionID, localSessionID)
			return nil
		}
		return fmt.Errorf("no session with id %s: %w", localSessionID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}

	patch := store.SessionPatch{}
	if rec.SessionID != runtimeSessionID {
		patch.SessionID = &runtimeSessionID
	}
	if lastChannelID != "" && rec.LastChannelID != lastChannelID {
		patch.LastChannelID = &lastChannelID
	}
	if patch.SessionID != nil || patch.LastChannelID != nil {
		if err := r.store.UpdateSession(ctx, rec.ThreadID, patch); err != nil {
			return fmt.Errorf("updating session id: %w", err)
		}
	}

	r.overlay.Alias(runtimeSessionID, localSessionID)

	if patch.SessionID != nil {
		r.logger.Info("adopted runtime session id",
			"thread_id", rec.ThreadID,
			"local_session_id", localSessionID,
			"session_id", runtimeSessionID)
	}
	return nil
}

// Touch bumps the last-active timestamp of a thread's session.
func (r *Router) Touch(ctx context.Context, threadID string) error {
	now := r.now()
	if err := r.store.UpdateSession(ctx, threadID, store.SessionPatch{LastActiveAt: &now}); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// SetContext writes the non-zero fields of c into the overlay for sessionID.
func (r *Router) SetContext(sessionID string, c Context) {
	r.overlay.Set(sessionID, c)
	r.logger.Debug("context set", "session_id", sessionID, "working_dir", c.WorkingDir, "routing_id", c.RoutingID)
}

// ClearContext removes the given kinds for sessionID, or every kind when none are given.
// Pending shareable files are discarded along with a full clear.
func (r *Router) ClearContext(sessionID string, kinds ...ContextKind) {
	if len(kinds) == 0 {
		r.overlay.ClearAll(sessionID)
		r.files.Drain(sessionID)
		return
	}
	for _, k := range kinds {
		r.overlay.Clear(sessionID, k)
	}
}
