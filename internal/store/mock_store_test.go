// ABOUTME: Tests for MockStore-only behavior
// ABOUTME: Verifies injected errors and copy-on-read isolation

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_InjectedError(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("db unavailable")
	m.Err = boom

	ctx := context.Background()
	_, err := m.GetSession(ctx, "t")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.PutSession(ctx, &SessionRecord{ThreadID: "t", SessionID: "s"}), boom)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.PutSession(ctx, &SessionRecord{ThreadID: "t", SessionID: "s", ChannelID: "c"}))

	got, err := m.GetSession(ctx, "t")
	require.NoError(t, err)
	got.SessionID = "mutated"

	again, err := m.GetSession(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "s", again.SessionID)
}
