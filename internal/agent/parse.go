// ABOUTME: Parser for Claude Code stream-json output lines
// ABOUTME: Maps each line to an outer Event and partial stream_event lines to the inner StreamEvent

package agent

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedLine is returned for output lines that are not valid JSON objects
var ErrMalformedLine = errors.New("malformed stream-json line")

// ParseLine converts one stream-json line into an Event.
// Lines with an unrecognized type parse to EventUnknown rather than failing.
func ParseLine(line []byte) (*Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, ErrMalformedLine
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return nil, ErrMalformedLine
	}

	ev := &Event{SessionID: doc.Get("session_id").String()}

	switch doc.Get("type").String() {
	case "system":
		switch doc.Get("subtype").String() {
		case "init":
			ev.Kind = EventSystemInit
		case "compact_boundary":
			ev.Kind = EventSystemCompaction
			ev.Compaction = &Compaction{
				Trigger:   doc.Get("compact_metadata.trigger").String(),
				PreTokens: doc.Get("compact_metadata.pre_tokens").Int(),
			}
		}

	case "assistant":
		ev.Kind = EventAssistant
		ev.Text, ev.ToolUses = parseContent(doc.Get("message.content"))

	case "user":
		ev.Kind = EventEcho

	case "stream_event":
		ev.Kind = EventPartial
		ev.Partial = parseStreamEvent(doc.Get("event"))

	case "result":
		res := parseResult(doc)
		ev.Result = res
		if res.IsError {
			ev.Kind = EventResultError
			ev.Text = res.Text
		} else {
			ev.Kind = EventResultSuccess
		}
	}

	return ev, nil
}

func parseContent(content gjson.Result) (string, []ToolUse) {
	// Some runtimes send a bare string instead of a block list
	if content.Type == gjson.String {
		return content.String(), nil
	}

	var texts []string
	var tools []ToolUse
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case BlockText:
			if t := block.Get("text").String(); t != "" {
				texts = append(texts, t)
			}
		case BlockToolUse:
			tools = append(tools, ToolUse{
				ID:    block.Get("id").String(),
				Name:  block.Get("name").String(),
				Input: []byte(block.Get("input").Raw),
			})
		}
		return true
	})
	return strings.Join(texts, "\n\n"), tools
}

func parseStreamEvent(e gjson.Result) *StreamEvent {
	se := &StreamEvent{Index: int(e.Get("index").Int())}

	switch e.Get("type").String() {
	case "message_start":
		se.Kind = StreamUnitStart
	case "content_block_start":
		se.Kind = StreamBlockStart
		block := e.Get("content_block")
		se.BlockType = block.Get("type").String()
		se.ToolID = block.Get("id").String()
		se.ToolName = block.Get("name").String()
	case "content_block_delta":
		se.Kind = StreamBlockDelta
		delta := e.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			se.TextDelta = delta.Get("text").String()
		case "input_json_delta":
			se.InputDelta = delta.Get("partial_json").String()
		}
	case "content_block_stop":
		se.Kind = StreamBlockStop
	case "message_delta":
		se.Kind = StreamUnitDelta
		se.StopReason = e.Get("delta.stop_reason").String()
	case "message_stop":
		se.Kind = StreamUnitStop
	}
	return se
}

func parseResult(doc gjson.Result) *Result {
	res := &Result{
		Subtype:    doc.Get("subtype").String(),
		IsError:    doc.Get("is_error").Bool(),
		Text:       doc.Get("result").String(),
		DurationMS: doc.Get("duration_ms").Int(),
		NumTurns:   int(doc.Get("num_turns").Int()),
		CostUSD:    doc.Get("total_cost_usd").Float(),
		Usage: Usage{
			InputTokens:      doc.Get("usage.input_tokens").Int(),
			OutputTokens:     doc.Get("usage.output_tokens").Int(),
			CacheReadTokens:  doc.Get("usage.cache_read_input_tokens").Int(),
			CacheWriteTokens: doc.Get("usage.cache_creation_input_tokens").Int(),
		},
	}
	if res.CostUSD == 0 {
		res.CostUSD = doc.Get("cost_usd").Float()
	}
	if strings.HasPrefix(res.Subtype, "error") {
		res.IsError = true
	}
	if res.IsError && res.Text == "" {
		res.Text = fmt.Sprintf("agent run ended with %s", cmp.Or(res.Subtype, "an error"))
	}
	return res
}
