// ABOUTME: Per-invocation stream state: tool accumulator, sent texts, plan, prefix/suffix
// ABOUTME: Created at invocation start and discarded at the end; never persisted

package dispatch

import (
	"strings"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/platform"
)

type toolAccumulator struct {
	index int
	id    string
	name  string
	input strings.Builder
}

type streamState struct {
	tool *toolAccumulator

	units []string // batch mode: every assistant unit, in order
	sent  []string

	plan     string
	prefix   string
	suffix   string
	extras   []platform.Attachment
	filesKey string

	placeholderHandled bool

	sessionID string
	isError   bool
	errorText string
	summary   *agent.Result
}

func newStreamState(opts Options) *streamState {
	return &streamState{
		prefix:   opts.Prefix,
		suffix:   opts.Suffix,
		extras:   opts.Attachments,
		filesKey: opts.SessionID,
	}
}

func (s *streamState) openTool(index int, id, name string) {
	s.tool = &toolAccumulator{index: index, id: id, name: name}
}

func (s *streamState) appendToolInput(index int, fragment string) {
	if s.tool != nil && s.tool.index == index {
		s.tool.input.WriteString(fragment)
	}
}

// closeTool returns the open accumulator when index matches it.
func (s *streamState) closeTool(index int) *toolAccumulator {
	if s.tool == nil || s.tool.index != index {
		return nil
	}
	t := s.tool
	s.tool = nil
	return t
}

// decorate applies the one-time prefix, and the suffix on a final flush.
func (s *streamState) decorate(body string, final bool) string {
	parts := make([]string, 0, 3)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
		s.prefix = ""
	}
	if body != "" {
		parts = append(parts, body)
	}
	if final && s.suffix != "" {
		parts = append(parts, s.suffix)
		s.suffix = ""
	}
	return strings.Join(parts, "\n\n")
}

// hasPendingFinal reports whether a final flush has anything to deliver.
func (s *streamState) hasPendingFinal(files FileSource) bool {
	if s.plan != "" || s.suffix != "" || len(s.extras) > 0 {
		return true
	}
	return files != nil && s.filesKey != "" && files.Len(s.filesKey) > 0
}

// takeAttachments returns the plan, explicit attachments and queued files, once.
func (s *streamState) takeAttachments(files FileSource) []platform.Attachment {
	var out []platform.Attachment
	if s.plan != "" {
		out = append(out, platform.Attachment{
			Name:        planAttachmentName,
			ContentType: "text/markdown",
			Data:        []byte(s.plan),
		})
	}
	out = append(out, s.extras...)
	s.extras = nil
	if files != nil && s.filesKey != "" {
		out = append(out, files.Drain(s.filesKey)...)
	}
	return out
}

func (s *streamState) captureResult(res *agent.Result) {
	if res != nil {
		s.summary = res
	}
}

func (s *streamState) result() *Result {
	r := &Result{
		SessionID: s.sessionID,
		IsError:   s.isError,
		ErrorText: s.errorText,
		Plan:      s.plan,
		Sent:      append([]string(nil), s.sent...),
	}
	if s.summary != nil {
		r.Usage = s.summary.Usage
		r.CostUSD = s.summary.CostUSD
		r.NumTurns = s.summary.NumTurns
		r.DurationMS = s.summary.DurationMS
	}
	return r
}
