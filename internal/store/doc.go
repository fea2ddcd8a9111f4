// Package store provides persistent storage for the relay using SQLite.
//
// # Data Models
//
//   - SessionRecord: conversation thread ⇄ agent session ⇄ origin message
//   - Action: audit/memory log entries for mutating tool calls
//   - InvocationUsage: token and cost summary per invocation
//
// SQLiteStore implements every interface in a single struct. MockStore is an
// in-memory implementation with the same uniqueness rules, for unit tests.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Records are never deleted by the relay. Retention, if any, is an external policy.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: a unique key (thread, session or origin message) is taken
package store
