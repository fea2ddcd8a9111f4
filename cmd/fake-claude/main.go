// ABOUTME: Stand-in for the Claude Code CLI for E2E testing, emits stream-json for the prompt
// ABOUTME: Usage: fake-claude --print --output-format stream-json [--resume ID | --session-id ID] -- PROMPT

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
)

type options struct {
	resume    string
	sessionID string
	model     string
	partial   bool
	delay     time.Duration
}

func main() {
	fs := flag.NewFlagSet("fake-claude", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true

	var opts options
	fs.Bool("print", false, "non-interactive mode")
	fs.String("output-format", "stream-json", "output format")
	fs.Bool("verbose", false, "verbose output")
	fs.String("permission-mode", "", "permission mode")
	fs.String("append-system-prompt", "", "extra system prompt")
	fs.BoolVar(&opts.partial, "include-partial-messages", false, "emit stream_event lines")
	fs.StringVar(&opts.resume, "resume", "", "session to resume")
	fs.StringVar(&opts.sessionID, "session-id", "", "session id for a new session")
	fs.StringVar(&opts.model, "model", "fake", "model name")
	fs.DurationVar(&opts.delay, "delay", 20*time.Millisecond, "pause between stream lines")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	prompt := strings.Join(fs.Args(), " ")
	if err := run(os.Stdout, prompt, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, prompt string, opts options) error {
	sessionID := opts.resume
	if sessionID == "" {
		sessionID = opts.sessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	enc := json.NewEncoder(w)
	emit := func(v map[string]any) error {
		v["session_id"] = sessionID
		if err := enc.Encode(v); err != nil {
			return err
		}
		time.Sleep(opts.delay)
		return nil
	}

	if err := emit(map[string]any{"type": "system", "subtype": "init", "model": opts.model}); err != nil {
		return err
	}

	if strings.Contains(strings.ToLower(prompt), "fail") {
		return emit(map[string]any{
			"type":     "result",
			"subtype":  "error_during_execution",
			"is_error": true,
			"result":   "simulated failure",
		})
	}

	reply := echoReply(prompt)

	if opts.partial {
		events := []map[string]any{
			{"type": "message_start"},
			{"type": "content_block_start", "index": 0, "content_block": map[string]any{"type": "text", "text": ""}},
		}
		for _, word := range strings.SplitAfter(reply, " ") {
			events = append(events, map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": word},
			})
		}
		events = append(events,
			map[string]any{"type": "content_block_stop", "index": 0},
			map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": "end_turn"}},
			map[string]any{"type": "message_stop"},
		)
		for _, e := range events {
			if err := emit(map[string]any{"type": "stream_event", "event": e}); err != nil {
				return err
			}
		}
	}

	if err := emit(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": reply}},
		},
	}); err != nil {
		return err
	}

	words := len(strings.Fields(prompt))
	return emit(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"is_error":       false,
		"result":         reply,
		"num_turns":      1,
		"duration_ms":    42,
		"total_cost_usd": 0.0001,
		"usage": map[string]any{
			"input_tokens":  words,
			"output_tokens": len(strings.Fields(reply)),
		},
	})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
