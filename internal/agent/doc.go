// Package agent defines the relay's view of the agent runtime: an
// asynchronous sequence of typed events produced by one invocation.
//
// # Event vocabulary
//
// Outer events, one per line of runtime output:
//
//   - EventSystemInit: the runtime assigned its canonical session id
//   - EventSystemCompaction: conversation history was summarized
//   - EventAssistant: a complete response unit (text and tool calls)
//   - EventPartial: an incremental stream event, see StreamEvent
//   - EventEcho: the runtime replaying user/tool turns, not new output
//   - EventResultSuccess / EventResultError: terminal usage summary
//
// StreamEvent carries the inner machine used while a unit is assembled:
// unit start, block start/delta/stop, unit delta (stop reason) and unit stop.
//
// # Runtimes
//
// ClaudeRuntime runs the Claude Code CLI in print mode with stream-json output
// and partial messages enabled. StaticStream replays a fixed list of events
// and is used by tests and the batch dry-run path.
//
// # Tool inputs
//
// ParseToolInput turns the streamed JSON input of a tool call into one of a
// closed set of typed shapes, with RawInput for unknown tools and InvalidInput
// when the JSON does not parse.
package agent
