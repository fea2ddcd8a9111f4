// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session records with thread, session and origin-message indexes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and avoids SQLITE_BUSY on writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			thread_id         TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			channel_id        TEXT NOT NULL,
			guild_id          TEXT NOT NULL DEFAULT '',
			origin_message_id TEXT,
			working_directory TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			last_active_at    TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_session_id
			ON sessions(session_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_origin_message
			ON sessions(origin_message_id);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_active
			ON sessions(last_active_at);

		CREATE TABLE IF NOT EXISTS actions (
			id          TEXT PRIMARY KEY,
			routing_id  TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_actions_routing_created
			ON actions(routing_id, created_at);

		CREATE TABLE IF NOT EXISTS invocation_usage (
			id                 TEXT PRIMARY KEY,
			thread_id          TEXT NOT NULL,
			session_id         TEXT NOT NULL,
			input_tokens       INTEGER NOT NULL DEFAULT 0,
			output_tokens      INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd           REAL NOT NULL DEFAULT 0,
			num_turns          INTEGER NOT NULL DEFAULT 0,
			duration_ms        INTEGER NOT NULL DEFAULT 0,
			is_error           INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_thread
			ON invocation_usage(thread_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema version.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "last_channel_id",
			apply:  `ALTER TABLE sessions ADD COLUMN last_channel_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString maps "" to SQL NULL so optional unique columns don't collide
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed-width so that text ordering matches chronological ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

const sessionColumns = `thread_id, session_id, channel_id, guild_id, origin_message_id,
	working_directory, last_channel_id, created_at, last_active_at`

// PutSession inserts a new session record.
// Returns ErrDuplicateSession if any unique key is already taken.
func (s *SQLiteStore) PutSession(ctx context.Context, rec *SessionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = rec.CreatedAt
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ThreadID,
		rec.SessionID,
		rec.ChannelID,
		rec.GuildID,
		nullString(rec.OriginMessageID),
		rec.WorkingDirectory,
		rec.LastChannelID,
		formatTime(rec.CreatedAt),
		formatTime(rec.LastActiveAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session",
		"thread_id", rec.ThreadID,
		"session_id", rec.SessionID,
		"channel_id", rec.ChannelID)
	return nil
}

// GetSession retrieves the session record for a thread.
// Returns ErrNotFound if the thread has no session.
func (s *SQLiteStore) GetSession(ctx context.Context, threadID string) (*SessionRecord, error) {
	return s.getSessionBy(ctx, "thread_id", threadID)
}

// GetSessionByMessageID retrieves the session started by the given platform message.
func (s *SQLiteStore) GetSessionByMessageID(ctx context.Context, messageID string) (*SessionRecord, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	return s.getSessionBy(ctx, "origin_message_id", messageID)
}

// GetSessionBySessionID retrieves the session record holding the given agent session id.
func (s *SQLiteStore) GetSessionBySessionID(ctx context.Context, sessionID string) (*SessionRecord, error) {
	return s.getSessionBy(ctx, "session_id", sessionID)
}

func (s *SQLiteStore) getSessionBy(ctx context.Context, column, value string) (*SessionRecord, error) {
	// column is always one of the indexed names above, never user input
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + column + ` = ?`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by %s: %w", column, err)
	}
	return rec, nil
}

// UpdateSession applies a patch to an existing session record.
// Returns ErrNotFound if the thread has no session, ErrDuplicateSession if the
// new session id belongs to another thread.
func (s *SQLiteStore) UpdateSession(ctx context.Context, threadID string, patch SessionPatch) error {
	var sets []string
	var args []any

	if patch.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	if patch.LastChannelID != nil {
		sets = append(sets, "last_channel_id = ?")
		args = append(args, *patch.LastChannelID)
	}
	if patch.WorkingDirectory != nil {
		sets = append(sets, "working_directory = ?")
		args = append(args, *patch.WorkingDirectory)
	}
	if patch.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, formatTime(*patch.LastActiveAt))
	}
	if len(sets) == 0 {
		// Still report missing threads so callers see a consistent contract
		_, err := s.GetSession(ctx, threadID)
		return err
	}

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE thread_id = ?`
	args = append(args, threadID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("updating session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns the most recently active sessions first.
// A limit <= 0 defaults to 100.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY last_active_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var origin sql.NullString
	var createdAt, lastActiveAt string

	err := row.Scan(
		&rec.ThreadID,
		&rec.SessionID,
		&rec.ChannelID,
		&rec.GuildID,
		&origin,
		&rec.WorkingDirectory,
		&rec.LastChannelID,
		&createdAt,
		&lastActiveAt,
	)
	if err != nil {
		return nil, err
	}

	rec.OriginMessageID = origin.String
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if rec.LastActiveAt, err = parseTime("last_active_at", lastActiveAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
