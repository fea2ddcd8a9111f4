// ABOUTME: SQLite implementation for invocation usage tracking
// ABOUTME: Stores token and cost summaries reported at the end of each agent invocation

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores an invocation usage record. ID and CreatedAt are generated if unset.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *InvocationUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO invocation_usage (
			id, thread_id, session_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, num_turns, duration_ms, is_error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ThreadID,
		usage.SessionID,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheReadTokens,
		usage.CacheWriteTokens,
		usage.CostUSD,
		usage.NumTurns,
		usage.DurationMS,
		usage.IsError,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved invocation usage",
		"thread_id", usage.ThreadID,
		"session_id", usage.SessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost_usd", usage.CostUSD,
	)
	return nil
}

// GetThreadUsage retrieves all usage records for a thread, oldest first.
func (s *SQLiteStore) GetThreadUsage(ctx context.Context, threadID string) ([]*InvocationUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, session_id,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       cost_usd, num_turns, duration_ms, is_error, created_at
		FROM invocation_usage
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*InvocationUsage
	for rows.Next() {
		var u InvocationUsage
		var createdAt string
		err := rows.Scan(
			&u.ID, &u.ThreadID, &u.SessionID,
			&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens,
			&u.CostUSD, &u.NumTurns, &u.DurationMS, &u.IsError, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		usages = append(usages, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetUsageTotals returns aggregated usage across all invocations.
func (s *SQLiteStore) GetUsageTotals(ctx context.Context) (*UsageTotals, error) {
	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM invocation_usage
	`).Scan(&totals.Invocations, &totals.InputTokens, &totals.OutputTokens, &totals.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}
	return &totals, nil
}
