// Package gate provides a per-key ordered mutex used to serialize turns of the
// same conversation thread while letting different threads run concurrently.
//
// Callers are queued in the order Enqueue is called. Each Token waits for the
// token enqueued just before it on the same key. Release removes the registry
// entry only when the registered token is the releasing one, so a late release
// from a superseded holder never evicts a newer holder.
//
// A holder's failure never blocks the next holder: Release is all that is
// needed to hand the key over, and it is expected to run in a defer.
package gate
