// ABOUTME: Tests for the action log backing the audit/memory sink
// ABOUTME: Verifies per-routing-id isolation, ordering and validation

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordAction(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RecordAction(ctx, "chan-a", "Wrote notes.md"))
		require.NoError(t, s.RecordAction(ctx, "chan-a", "Edited main.go"))
		require.NoError(t, s.RecordAction(ctx, "chan-b", "Created schedule daily-report"))

		actions, err := s.ListActions(ctx, "chan-a", 10)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		for _, a := range actions {
			assert.Equal(t, "chan-a", a.RoutingID)
			assert.NotEmpty(t, a.ID)
		}

		other, err := s.ListActions(ctx, "chan-b", 10)
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.Equal(t, "Created schedule daily-report", other[0].Description)
	})
}

func TestStore_RecordAction_RequiresRoutingID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		assert.Error(t, s.RecordAction(context.Background(), "", "nothing"))
	})
}

func TestStore_ListActions_Limit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.RecordAction(ctx, "chan", "action"))
		}
		actions, err := s.ListActions(ctx, "chan", 3)
		require.NoError(t, err)
		assert.Len(t, actions, 3)
	})
}
