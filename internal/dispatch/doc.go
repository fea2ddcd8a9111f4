// Package dispatch turns an agent invocation's event stream into platform
// messages.
//
// Complete assistant units are split to the platform's size limit and sent as
// they arrive (interactive) or held until the end with only the last one sent
// (batch). Partial stream events are used only to assemble tool calls: a
// captured plan from the plan-mode exit tool is attached to the final message,
// and mutating tool calls are written to the audit sink under the
// conversation's routing id.
//
// A "thinking" placeholder is deleted right before the first chunk goes out,
// and at most once. Stream failures produce one best-effort error notice and
// are returned wrapped in a *StreamError.
package dispatch
