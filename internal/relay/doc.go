// Package relay turns inbound platform messages into agent invocations.
//
// # Turn Flow
//
// Each turn passes through the same steps:
//
//  1. Serialization: the turn takes its place in the gate queue for its
//     thread (or for its own message id when it was posted directly in a
//     channel). Submit fixes that position before returning.
//  2. Routing: replies to a message that started a session resume it; a
//     channel message creates a thread named after its first words; a
//     message in a thread without a session is ignored unless it mentions
//     the relay's account.
//  3. Invocation: the session is resolved, the context overlay is set for
//     the tool layer, and the agent runs with COVEN_SESSION_ID in its
//     environment.
//  4. Dispatch: the agent's stream is delivered to the thread in
//     platform-sized messages.
//  5. Cleanup: usage is saved, the session touched and the overlay cleared,
//     whatever the outcome. A failed turn produces at most one apology.
//
// # Batch Runs
//
// RunBatch serves schedulers and the admin API. It sends no placeholder and
// delivers only the final response unit, with queued attachments.
package relay
