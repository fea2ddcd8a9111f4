// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same uniqueness rules

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionRecord // keyed by thread ID
	byMessage map[string]string         // origin message ID -> thread ID
	bySession map[string]string         // session ID -> thread ID
	actions   []*Action
	usage     []*InvocationUsage

	// Err, when set, is returned by every session operation
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:  make(map[string]*SessionRecord),
		byMessage: make(map[string]string),
		bySession: make(map[string]string),
	}
}

// PutSession stores a new session record.
func (m *MockStore) PutSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.sessions[rec.ThreadID]; ok {
		return ErrDuplicateSession
	}
	if _, ok := m.bySession[rec.SessionID]; ok {
		return ErrDuplicateSession
	}
	if rec.OriginMessageID != "" {
		if _, ok := m.byMessage[rec.OriginMessageID]; ok {
			return ErrDuplicateSession
		}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = rec.CreatedAt
	}

	// Make a copy to avoid external modification
	r := *rec
	m.sessions[r.ThreadID] = &r
	m.bySession[r.SessionID] = r.ThreadID
	if r.OriginMessageID != "" {
		m.byMessage[r.OriginMessageID] = r.ThreadID
	}
	return nil
}

// GetSession retrieves a session record by thread ID.
func (m *MockStore) GetSession(ctx context.Context, threadID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(threadID)
}

// GetSessionByMessageID retrieves a session record by origin message ID.
func (m *MockStore) GetSessionByMessageID(ctx context.Context, messageID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threadID, ok := m.byMessage[messageID]
	if !ok || messageID == "" {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, ErrNotFound
	}
	return m.getLocked(threadID)
}

// GetSessionBySessionID retrieves a session record by agent session ID.
func (m *MockStore) GetSessionBySessionID(ctx context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threadID, ok := m.bySession[sessionID]
	if !ok {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, ErrNotFound
	}
	return m.getLocked(threadID)
}

func (m *MockStore) getLocked(threadID string) (*SessionRecord, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	rec, ok := m.sessions[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// UpdateSession applies a patch to a stored session record.
func (m *MockStore) UpdateSession(ctx context.Context, threadID string, patch SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	rec, ok := m.sessions[threadID]
	if !ok {
		return ErrNotFound
	}

	if patch.SessionID != nil && *patch.SessionID != rec.SessionID {
		if _, taken := m.bySession[*patch.SessionID]; taken {
			return ErrDuplicateSession
		}
		delete(m.bySession, rec.SessionID)
		rec.SessionID = *patch.SessionID
		m.bySession[rec.SessionID] = threadID
	}
	if patch.LastChannelID != nil {
		rec.LastChannelID = *patch.LastChannelID
	}
	if patch.WorkingDirectory != nil {
		rec.WorkingDirectory = *patch.WorkingDirectory
	}
	if patch.LastActiveAt != nil {
		rec.LastActiveAt = *patch.LastActiveAt
	}
	return nil
}

// ListSessions returns stored sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 100
	}

	records := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		r := *rec
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastActiveAt.After(records[j].LastActiveAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// RecordAction appends an action to the in-memory log.
func (m *MockStore) RecordAction(ctx context.Context, routingID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if routingID == "" {
		return fmt.Errorf("routing_id is required")
	}
	m.actions = append(m.actions, &Action{
		ID:          uuid.New().String(),
		RoutingID:   routingID,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

// ListActions returns actions for a routing id, newest first.
func (m *MockStore) ListActions(ctx context.Context, routingID string, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Action
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.actions[i].RoutingID == routingID {
			a := *m.actions[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *InvocationUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// GetThreadUsage returns usage records for a thread in insertion order.
func (m *MockStore) GetThreadUsage(ctx context.Context, threadID string) ([]*InvocationUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*InvocationUsage
	for _, u := range m.usage {
		if u.ThreadID == threadID {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetUsageTotals aggregates all stored usage records.
func (m *MockStore) GetUsageTotals(ctx context.Context) (*UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totals UsageTotals
	for _, u := range m.usage {
		totals.Invocations++
		totals.InputTokens += u.InputTokens
		totals.OutputTokens += u.OutputTokens
		totals.CostUSD += u.CostUSD
	}
	return &totals, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
