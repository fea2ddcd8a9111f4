// ABOUTME: Contract tests shared by SQLiteStore and MockStore
// ABOUTME: Covers session uniqueness, reverse indexes, patches and listing order

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn against every Store implementation
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, createTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func strPtr(s string) *string { return &s }

func TestStore_PutAndGetSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &SessionRecord{
			ThreadID:         "thread-1",
			SessionID:        "session-1",
			ChannelID:        "channel-1",
			GuildID:          "guild-1",
			OriginMessageID:  "msg-1",
			WorkingDirectory: "/srv/work",
		}
		require.NoError(t, s.PutSession(ctx, rec))
		assert.False(t, rec.CreatedAt.IsZero(), "PutSession should stamp CreatedAt")

		got, err := s.GetSession(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, "session-1", got.SessionID)
		assert.Equal(t, "channel-1", got.ChannelID)
		assert.Equal(t, "guild-1", got.GuildID)
		assert.Equal(t, "/srv/work", got.WorkingDirectory)
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)

		byMsg, err := s.GetSessionByMessageID(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "thread-1", byMsg.ThreadID)

		bySession, err := s.GetSessionBySessionID(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, "thread-1", bySession.ThreadID)
	})
}

func TestStore_GetSession_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetSessionByMessageID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetSessionByMessageID(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PutSession_UniqueKeys(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutSession(ctx, &SessionRecord{
			ThreadID: "t1", SessionID: "s1", ChannelID: "c", OriginMessageID: "m1",
		}))

		err := s.PutSession(ctx, &SessionRecord{ThreadID: "t1", SessionID: "s2", ChannelID: "c"})
		assert.ErrorIs(t, err, ErrDuplicateSession, "thread id is unique")

		err = s.PutSession(ctx, &SessionRecord{ThreadID: "t2", SessionID: "s1", ChannelID: "c"})
		assert.ErrorIs(t, err, ErrDuplicateSession, "session id is unique")

		err = s.PutSession(ctx, &SessionRecord{ThreadID: "t3", SessionID: "s3", ChannelID: "c", OriginMessageID: "m1"})
		assert.ErrorIs(t, err, ErrDuplicateSession, "origin message id is unique")
	})
}

func TestStore_PutSession_EmptyOriginAllowedTwice(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t1", SessionID: "s1", ChannelID: "c"}))
		require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t2", SessionID: "s2", ChannelID: "c"}))
	})
}

func TestStore_UpdateSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t1", SessionID: "local", ChannelID: "c"}))

		active := time.Now().Add(time.Hour)
		err := s.UpdateSession(ctx, "t1", SessionPatch{
			SessionID:     strPtr("runtime"),
			LastChannelID: strPtr("c2"),
			LastActiveAt:  &active,
		})
		require.NoError(t, err)

		got, err := s.GetSession(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "runtime", got.SessionID)
		assert.Equal(t, "c2", got.LastChannelID)
		assert.WithinDuration(t, active, got.LastActiveAt, time.Millisecond)

		_, err = s.GetSessionBySessionID(ctx, "local")
		assert.ErrorIs(t, err, ErrNotFound, "old session id no longer resolves")

		// Same value again is a no-op, not a conflict
		require.NoError(t, s.UpdateSession(ctx, "t1", SessionPatch{SessionID: strPtr("runtime")}))
	})
}

func TestStore_UpdateSession_Errors(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.ErrorIs(t, s.UpdateSession(ctx, "missing", SessionPatch{SessionID: strPtr("x")}), ErrNotFound)
		assert.ErrorIs(t, s.UpdateSession(ctx, "missing", SessionPatch{}), ErrNotFound)

		require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t1", SessionID: "s1", ChannelID: "c"}))
		require.NoError(t, s.PutSession(ctx, &SessionRecord{ThreadID: "t2", SessionID: "s2", ChannelID: "c"}))
		assert.ErrorIs(t, s.UpdateSession(ctx, "t2", SessionPatch{SessionID: strPtr("s1")}), ErrDuplicateSession)
	})
}

func TestStore_ListSessions_MostRecentFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"old", "mid", "new"} {
			require.NoError(t, s.PutSession(ctx, &SessionRecord{
				ThreadID:     id,
				SessionID:    "s-" + id,
				ChannelID:    "c",
				CreatedAt:    base,
				LastActiveAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, err := s.ListSessions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "new", all[0].ThreadID)
		assert.Equal(t, "old", all[2].ThreadID)

		limited, err := s.ListSessions(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}
