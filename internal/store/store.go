// ABOUTME: Store interfaces and data types for coven-relay persistence
// ABOUTME: Defines SessionRecord, Action, InvocationUsage and the interfaces that expose them

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session record collides with an existing one
// on thread id, session id or origin message id
var ErrDuplicateSession = errors.New("session already exists")

// SessionRecord maps a conversation thread to a durable agent session.
// ThreadID is the primary key; SessionID and OriginMessageID are unique reverse indexes.
type SessionRecord struct {
	ThreadID         string
	SessionID        string
	ChannelID        string
	GuildID          string
	OriginMessageID  string // first platform message of the conversation, used for reply resumption
	WorkingDirectory string
	LastChannelID    string // channel the runtime last reported from (set with the canonical session id)
	CreatedAt        time.Time
	LastActiveAt     time.Time
}

// SessionPatch lists the mutable fields of a SessionRecord. Nil fields are left untouched.
type SessionPatch struct {
	SessionID        *string
	LastChannelID    *string
	WorkingDirectory *string
	LastActiveAt     *time.Time
}

// Action is an entry in the audit/memory log, written when the agent performs
// a mutating tool call on behalf of a channel.
type Action struct {
	ID          string
	RoutingID   string
	Description string
	CreatedAt   time.Time
}

// InvocationUsage records the usage/cost summary of one agent invocation
type InvocationUsage struct {
	ID               string
	ThreadID         string
	SessionID        string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	NumTurns         int
	DurationMS       int64
	IsError          bool
	CreatedAt        time.Time
}

// UsageTotals aggregates InvocationUsage rows
type UsageTotals struct {
	Invocations  int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// SessionStore is the key-value surface used by the session router
type SessionStore interface {
	GetSession(ctx context.Context, threadID string) (*SessionRecord, error)
	GetSessionByMessageID(ctx context.Context, messageID string) (*SessionRecord, error)
	GetSessionBySessionID(ctx context.Context, sessionID string) (*SessionRecord, error)
	PutSession(ctx context.Context, rec *SessionRecord) error
	UpdateSession(ctx context.Context, threadID string, patch SessionPatch) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
}

// ActionStore persists the audit/memory log
type ActionStore interface {
	RecordAction(ctx context.Context, routingID, description string) error
	ListActions(ctx context.Context, routingID string, limit int) ([]*Action, error)
}

// UsageStore persists invocation usage summaries
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *InvocationUsage) error
	GetThreadUsage(ctx context.Context, threadID string) ([]*InvocationUsage, error)
	GetUsageTotals(ctx context.Context) (*UsageTotals, error)
}

// Store combines every persistence surface of the relay
type Store interface {
	SessionStore
	ActionStore
	UsageStore
	Close() error
}
