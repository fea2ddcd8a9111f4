// ABOUTME: Tagged union of known tool-input shapes parsed from streamed tool-call JSON
// ABOUTME: Unknown tools fall back to RawInput; unparseable JSON becomes InvalidInput

package agent

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Built-in tool names the relay recognizes.
const (
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolBash         = "Bash"
	ToolExitPlanMode = "ExitPlanMode"
)

// MCP server prefixes for the relay's own tool servers.
const (
	SchedulerToolPrefix = "mcp__scheduler__"
	PlatformToolPrefix  = "mcp__platform__"
)

// ErrInvalidToolInput marks tool input that is not a JSON object
var ErrInvalidToolInput = errors.New("invalid tool input")

// ToolInput is one of the concrete *Input types below.
type ToolInput interface {
	toolInput()
}

// FileWriteInput is the input of Write.
type FileWriteInput struct {
	FilePath string
	Content  string
}

// FileEditInput is the input of Edit, MultiEdit and NotebookEdit.
type FileEditInput struct {
	FilePath string
	Edits    int
}

// BashInput is the input of Bash.
type BashInput struct {
	Command     string
	Description string
}

// ExitPlanInput is the input of ExitPlanMode.
type ExitPlanInput struct {
	Plan string
}

// ScheduleInput is the input of a scheduler tool (mcp__scheduler__<action>).
type ScheduleInput struct {
	Action   string
	Name     string
	Schedule string
	Prompt   string
}

// PlatformInput is the input of a platform-management tool (mcp__platform__<action>).
type PlatformInput struct {
	Action string
	Name   string
	Target string
}

// RawInput holds well-formed input of a tool without a dedicated shape.
type RawInput struct {
	Fields map[string]any
}

// InvalidInput holds input that could not be parsed.
type InvalidInput struct {
	Raw string
	Err error
}

func (FileWriteInput) toolInput() {}
func (FileEditInput) toolInput()  {}
func (BashInput) toolInput()      {}
func (ExitPlanInput) toolInput()  {}
func (ScheduleInput) toolInput()  {}
func (PlatformInput) toolInput()  {}
func (RawInput) toolInput()       {}
func (InvalidInput) toolInput()   {}

// ParseToolInput parses the accumulated JSON input of tool name.
// Empty input is treated as an empty object.
func ParseToolInput(name string, raw []byte) ToolInput {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) {
		return InvalidInput{Raw: string(raw), Err: ErrInvalidToolInput}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return InvalidInput{Raw: string(raw), Err: ErrInvalidToolInput}
	}

	switch {
	case name == ToolWrite:
		return FileWriteInput{
			FilePath: doc.Get("file_path").String(),
			Content:  doc.Get("content").String(),
		}
	case name == ToolEdit:
		return FileEditInput{FilePath: doc.Get("file_path").String(), Edits: 1}
	case name == ToolMultiEdit:
		return FileEditInput{
			FilePath: doc.Get("file_path").String(),
			Edits:    len(doc.Get("edits").Array()),
		}
	case name == ToolNotebookEdit:
		return FileEditInput{FilePath: doc.Get("notebook_path").String(), Edits: 1}
	case name == ToolBash:
		return BashInput{
			Command:     doc.Get("command").String(),
			Description: doc.Get("description").String(),
		}
	case name == ToolExitPlanMode:
		return ExitPlanInput{Plan: doc.Get("plan").String()}
	case strings.HasPrefix(name, SchedulerToolPrefix):
		return ScheduleInput{
			Action:   strings.TrimPrefix(name, SchedulerToolPrefix),
			Name:     firstString(doc, "name", "schedule_id", "id"),
			Schedule: firstString(doc, "cron", "schedule", "run_at"),
			Prompt:   doc.Get("prompt").String(),
		}
	case strings.HasPrefix(name, PlatformToolPrefix):
		return PlatformInput{
			Action: strings.TrimPrefix(name, PlatformToolPrefix),
			Name:   firstString(doc, "name", "new_name", "title"),
			Target: firstString(doc, "channel_id", "thread_id", "target"),
		}
	}

	fields, _ := doc.Value().(map[string]any)
	return RawInput{Fields: fields}
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
