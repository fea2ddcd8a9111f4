// ABOUTME: Typed agent runtime events: outer per-line events and the inner partial-stream machine
// ABOUTME: Shared by every Runtime implementation and consumed by the dispatcher

package agent

// EventKind identifies an outer runtime event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSystemInit
	EventSystemCompaction
	EventAssistant
	EventPartial
	EventEcho
	EventResultSuccess
	EventResultError
)

func (k EventKind) String() string {
	switch k {
	case EventSystemInit:
		return "system-init"
	case EventSystemCompaction:
		return "system-compaction"
	case EventAssistant:
		return "assistant"
	case EventPartial:
		return "partial"
	case EventEcho:
		return "echo"
	case EventResultSuccess:
		return "result-success"
	case EventResultError:
		return "result-error"
	default:
		return "unknown"
	}
}

// Event is one outer event from an invocation.
type Event struct {
	Kind      EventKind
	SessionID string

	// Text is the concatenated text of an assistant unit, or the error text of a result-error.
	Text string
	// ToolUses lists the complete tool calls of an assistant unit.
	ToolUses []ToolUse

	Partial    *StreamEvent // set for EventPartial
	Result     *Result      // set for result events
	Compaction *Compaction  // set for EventSystemCompaction
}

// IsTerminal reports whether the event ends the invocation.
func (e *Event) IsTerminal() bool {
	return e.Kind == EventResultSuccess || e.Kind == EventResultError
}

// ToolUse is a complete tool call inside an assistant unit.
type ToolUse struct {
	ID    string
	Name  string
	Input []byte
}

// StreamEventKind identifies an inner partial-stream event.
type StreamEventKind int

const (
	StreamUnknown StreamEventKind = iota
	StreamUnitStart
	StreamBlockStart
	StreamBlockDelta
	StreamBlockStop
	StreamUnitDelta
	StreamUnitStop
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamUnitStart:
		return "unit-start"
	case StreamBlockStart:
		return "block-start"
	case StreamBlockDelta:
		return "block-delta"
	case StreamBlockStop:
		return "block-stop"
	case StreamUnitDelta:
		return "unit-delta"
	case StreamUnitStop:
		return "unit-stop"
	default:
		return "unknown"
	}
}

// Block types carried by StreamBlockStart.
const (
	BlockText     = "text"
	BlockToolUse  = "tool_use"
	BlockThinking = "thinking"
)

// Stop reasons carried by StreamUnitDelta.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// StreamEvent is one step of the inner machine.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int

	// Block start
	BlockType string
	ToolID    string
	ToolName  string

	// Block delta: exactly one of these is set
	TextDelta  string
	InputDelta string

	// Unit delta
	StopReason string
}

// Usage is the token accounting reported with a result.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Result is the terminal summary of an invocation.
type Result struct {
	Subtype    string
	IsError    bool
	Text       string
	DurationMS int64
	NumTurns   int
	CostUSD    float64
	Usage      Usage
}

// Compaction describes a history summarization.
type Compaction struct {
	Trigger   string // "auto" or "manual"
	PreTokens int64
}
