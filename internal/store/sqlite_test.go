// ABOUTME: SQLite-specific store tests
// ABOUTME: Covers persistence across reopen, in-memory databases and idempotent migrations

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutSession(ctx, &SessionRecord{
		ThreadID: "t1", SessionID: "s1", ChannelID: "c1", OriginMessageID: "m1",
	}))
	require.NoError(t, s.Close())

	// Reopening runs schema and migrations again without error
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSessionByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t", SessionID: "s", ChannelID: "c"}))
	got, err := s.GetSession(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "s", got.SessionID)
}
