// ABOUTME: Action log store methods backing the audit/memory sink
// ABOUTME: Records one-line descriptions of mutating tool calls keyed by routing id

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordAction appends a description to the action log of a routing id.
func (s *SQLiteStore) RecordAction(ctx context.Context, routingID, description string) error {
	if routingID == "" {
		return fmt.Errorf("routing_id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, routing_id, description, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(),
		routingID,
		description,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}

	s.logger.Debug("recorded action", "routing_id", routingID, "description", description)
	return nil
}

// ListActions returns the newest actions for a routing id first.
// A limit <= 0 defaults to 50.
func (s *SQLiteStore) ListActions(ctx context.Context, routingID string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, routing_id, description, created_at
		FROM actions
		WHERE routing_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, routingID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*Action
	for rows.Next() {
		var a Action
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RoutingID, &a.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action rows: %w", err)
	}
	return actions, nil
}
