// Package session maps conversation threads to durable agent sessions and
// holds the per-session context overlay read by tools during an invocation.
//
// Router is the only writer of both. Every read-then-write it performs for a
// thread is expected to happen while the caller holds that thread's gate, so
// the store needs no transactions of its own.
package session
