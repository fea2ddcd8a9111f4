// ABOUTME: Runtime and Stream interfaces for invoking the agent
// ABOUTME: Also provides StaticStream, an in-memory Stream over a fixed event list

package agent

import (
	"context"
	"io"
	"sync"
)

// InvokeRequest describes one agent invocation.
type InvokeRequest struct {
	Prompt string

	// SessionID asks the runtime to start a new session with this id.
	SessionID string
	// ResumeSessionID continues an existing session. Takes precedence over SessionID.
	ResumeSessionID string

	WorkingDir   string
	SystemPrompt string
	Env          map[string]string
}

// Runtime starts agent invocations.
type Runtime interface {
	Invoke(ctx context.Context, req InvokeRequest) (Stream, error)
}

// Stream yields the events of one invocation. Next returns io.EOF after the last event.
type Stream interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// StaticStream replays a fixed list of events, then returns Err (io.EOF when nil).
type StaticStream struct {
	mu     sync.Mutex
	events []*Event
	pos    int
	Err    error
	closed bool
}

// NewStaticStream creates a StaticStream over events.
func NewStaticStream(events ...*Event) *StaticStream {
	return &StaticStream{events: events}
}

// Next returns the next event.
func (s *StaticStream) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

// Close marks the stream closed.
func (s *StaticStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *StaticStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StaticRuntime hands out a prepared stream per invocation and records requests.
type StaticRuntime struct {
	mu       sync.Mutex
	Streams  []Stream
	Err      error
	Requests []InvokeRequest
}

// Invoke returns the next prepared stream.
func (r *StaticRuntime) Invoke(ctx context.Context, req InvokeRequest) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Requests = append(r.Requests, req)
	if r.Err != nil {
		return nil, r.Err
	}
	if len(r.Streams) == 0 {
		return NewStaticStream(), nil
	}
	s := r.Streams[0]
	r.Streams = r.Streams[1:]
	return s, nil
}

// Calls returns a copy of the recorded requests.
func (r *StaticRuntime) Calls() []InvokeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InvokeRequest(nil), r.Requests...)
}
