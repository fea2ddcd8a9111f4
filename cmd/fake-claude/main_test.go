// ABOUTME: Tests that fake-claude output parses with the relay's stream-json parser
// ABOUTME: Runs the emitter in-process and feeds each line to agent.ParseLine

package main

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
)

func parseAll(t *testing.T, out []byte) []*agent.Event {
	t.Helper()
	var events []*agent.Event
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		ev, err := agent.ParseLine(sc.Bytes())
		require.NoError(t, err, sc.Text())
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestRun_StreamsPartialsAndResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, "hello there", options{sessionID: "sess-1", partial: true}))

	events := parseAll(t, buf.Bytes())
	require.NotEmpty(t, events)
	assert.Equal(t, agent.EventSystemInit, events[0].Kind)

	var deltas string
	for _, ev := range events {
		assert.Equal(t, "sess-1", ev.SessionID)
		if ev.Kind == agent.EventPartial && ev.Partial.Kind == agent.StreamBlockDelta {
			deltas += ev.Partial.TextDelta
		}
	}
	last := events[len(events)-1]
	require.Equal(t, agent.EventResultSuccess, last.Kind)
	assert.Equal(t, echoReply("hello there"), deltas)
	assert.Equal(t, deltas, last.Result.Text)
	assert.Equal(t, int64(2), last.Result.Usage.InputTokens)
}

func TestRun_ResumeKeepsSessionID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, "again", options{resume: "sess-old", sessionID: "ignored"}))

	for _, ev := range parseAll(t, buf.Bytes()) {
		assert.Equal(t, "sess-old", ev.SessionID)
		assert.NotEqual(t, agent.EventPartial, ev.Kind)
	}
}

func TestRun_Failure(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, "please fail", options{}))

	events := parseAll(t, buf.Bytes())
	last := events[len(events)-1]
	assert.Equal(t, agent.EventResultError, last.Kind)
	assert.Equal(t, "simulated failure", last.Text)
	assert.NotEmpty(t, last.SessionID)
}
