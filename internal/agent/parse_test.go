// ABOUTME: Tests for the stream-json line parser
// ABOUTME: Covers every outer event type and each step of the inner partial-stream machine

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, line string) *Event {
	t.Helper()
	ev, err := ParseLine([]byte(line))
	require.NoError(t, err)
	return ev
}

func TestParseLine_SystemInit(t *testing.T) {
	ev := mustParse(t, `{"type":"system","subtype":"init","session_id":"abc","cwd":"/w","tools":["Bash"]}`)
	assert.Equal(t, EventSystemInit, ev.Kind)
	assert.Equal(t, "abc", ev.SessionID)
}

func TestParseLine_Compaction(t *testing.T) {
	ev := mustParse(t, `{"type":"system","subtype":"compact_boundary","session_id":"abc","compact_metadata":{"trigger":"auto","pre_tokens":150000}}`)
	assert.Equal(t, EventSystemCompaction, ev.Kind)
	require.NotNil(t, ev.Compaction)
	assert.Equal(t, "auto", ev.Compaction.Trigger)
	assert.Equal(t, int64(150000), ev.Compaction.PreTokens)
}

func TestParseLine_Assistant(t *testing.T) {
	ev := mustParse(t, `{"type":"assistant","session_id":"abc","message":{"content":[
		{"type":"text","text":"First."},
		{"type":"tool_use","id":"tu1","name":"Write","input":{"file_path":"/a.txt","content":"x"}},
		{"type":"text","text":"Second."}
	]}}`)
	assert.Equal(t, EventAssistant, ev.Kind)
	assert.Equal(t, "First.\n\nSecond.", ev.Text)
	require.Len(t, ev.ToolUses, 1)
	assert.Equal(t, "Write", ev.ToolUses[0].Name)
	assert.JSONEq(t, `{"file_path":"/a.txt","content":"x"}`, string(ev.ToolUses[0].Input))
}

func TestParseLine_AssistantStringContent(t *testing.T) {
	ev := mustParse(t, `{"type":"assistant","message":{"content":"plain"}}`)
	assert.Equal(t, "plain", ev.Text)
}

func TestParseLine_UserIsEcho(t *testing.T) {
	ev := mustParse(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"ok"}]}}`)
	assert.Equal(t, EventEcho, ev.Kind)
}

func TestParseLine_StreamEvents(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, se *StreamEvent)
	}{
		{
			name: "unit start",
			line: `{"type":"stream_event","event":{"type":"message_start","message":{}}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamUnitStart, se.Kind)
			},
		},
		{
			name: "tool block start",
			line: `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu1","name":"Edit","input":{}}}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamBlockStart, se.Kind)
				assert.Equal(t, 1, se.Index)
				assert.Equal(t, BlockToolUse, se.BlockType)
				assert.Equal(t, "Edit", se.ToolName)
				assert.Equal(t, "tu1", se.ToolID)
			},
		},
		{
			name: "input delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"file_"}}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamBlockDelta, se.Kind)
				assert.Equal(t, `{"file_`, se.InputDelta)
				assert.Empty(t, se.TextDelta)
			},
		},
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, "Hel", se.TextDelta)
				assert.Empty(t, se.InputDelta)
			},
		},
		{
			name: "block stop",
			line: `{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamBlockStop, se.Kind)
			},
		},
		{
			name: "unit delta",
			line: `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":4096}}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamUnitDelta, se.Kind)
				assert.Equal(t, StopMaxTokens, se.StopReason)
			},
		},
		{
			name: "unit stop",
			line: `{"type":"stream_event","event":{"type":"message_stop"}}`,
			check: func(t *testing.T, se *StreamEvent) {
				assert.Equal(t, StreamUnitStop, se.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := mustParse(t, tt.line)
			assert.Equal(t, EventPartial, ev.Kind)
			require.NotNil(t, ev.Partial)
			tt.check(t, ev.Partial)
		})
	}
}

func TestParseLine_ResultSuccess(t *testing.T) {
	ev := mustParse(t, `{"type":"result","subtype":"success","is_error":false,"duration_ms":5300,"num_turns":4,
		"result":"done","session_id":"abc","total_cost_usd":0.042,
		"usage":{"input_tokens":1200,"output_tokens":300,"cache_read_input_tokens":800,"cache_creation_input_tokens":50}}`)
	assert.Equal(t, EventResultSuccess, ev.Kind)
	assert.True(t, ev.IsTerminal())
	require.NotNil(t, ev.Result)
	assert.Equal(t, int64(5300), ev.Result.DurationMS)
	assert.Equal(t, 4, ev.Result.NumTurns)
	assert.InDelta(t, 0.042, ev.Result.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), ev.Result.Usage.InputTokens)
	assert.Equal(t, int64(800), ev.Result.Usage.CacheReadTokens)
	assert.Equal(t, int64(50), ev.Result.Usage.CacheWriteTokens)
}

func TestParseLine_ResultError(t *testing.T) {
	ev := mustParse(t, `{"type":"result","subtype":"error_max_turns","is_error":false,"num_turns":30}`)
	assert.Equal(t, EventResultError, ev.Kind)
	assert.Equal(t, "agent run ended with error_max_turns", ev.Text)

	ev = mustParse(t, `{"type":"result","subtype":"success","is_error":true,"result":"API Error: overloaded"}`)
	assert.Equal(t, EventResultError, ev.Kind)
	assert.Equal(t, "API Error: overloaded", ev.Text)
}

func TestParseLine_UnknownAndMalformed(t *testing.T) {
	ev := mustParse(t, `{"type":"something_new"}`)
	assert.Equal(t, EventUnknown, ev.Kind)

	_, err := ParseLine([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = ParseLine([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "assistant", EventAssistant.String())
	assert.Equal(t, "block-stop", StreamBlockStop.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
