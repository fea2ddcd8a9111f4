// ABOUTME: Tool labels, emoji and the mutating-tool allow-list used for audit logging
// ABOUTME: Formats one-line action descriptions from typed tool inputs

package dispatch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/platform"
)

// ToolActivity is a short human description of a tool call.
type ToolActivity struct {
	Tool  string
	Emoji string
	Label string
}

func (a ToolActivity) String() string {
	return a.Emoji + " " + a.Label
}

var toolEmoji = map[string]string{
	"Read":                 "📖",
	agent.ToolWrite:        "✍️",
	agent.ToolEdit:         "✏️",
	agent.ToolMultiEdit:    "✏️",
	agent.ToolNotebookEdit: "📓",
	agent.ToolBash:         "💻",
	"Glob":                 "🔍",
	"Grep":                 "🔍",
	"WebFetch":             "🌐",
	"WebSearch":            "🌐",
	"Task":                 "🤖",
	"TodoWrite":            "📝",
	agent.ToolExitPlanMode: "📋",
}

// internalPathMarkers identify the agent's own control files, which are not audited.
var internalPathMarkers = []string{".claude", ".coven"}

// mutatingVerbs are the action prefixes of scheduler and platform tools that change state.
var mutatingVerbs = map[string]string{
	"create":  "Created",
	"update":  "Updated",
	"delete":  "Deleted",
	"rename":  "Renamed",
	"archive": "Archived",
	"pause":   "Paused",
	"resume":  "Resumed",
	"move":    "Moved",
}

// describeTool derives the activity label for a tool call.
func describeTool(name string, input agent.ToolInput, workingDir string) ToolActivity {
	a := ToolActivity{Tool: name, Emoji: "🔧", Label: "Using " + name}
	if e, ok := toolEmoji[name]; ok {
		a.Emoji = e
	}

	switch in := input.(type) {
	case agent.FileWriteInput:
		a.Label = "Writing " + displayPath(in.FilePath, workingDir)
	case agent.FileEditInput:
		a.Label = "Editing " + displayPath(in.FilePath, workingDir)
	case agent.BashInput:
		desc := in.Description
		if desc == "" {
			desc = oneLine(in.Command, 60)
		}
		a.Label = "Running " + desc
	case agent.ExitPlanInput:
		a.Label = "Finalizing plan"
	case agent.ScheduleInput:
		a.Emoji = "⏰"
		a.Label = "Scheduling: " + humanizeAction(in.Action)
	case agent.PlatformInput:
		a.Emoji = "🧭"
		a.Label = "Managing platform: " + humanizeAction(in.Action)
	case agent.RawInput:
		switch name {
		case "Read":
			a.Label = "Reading " + displayPath(fieldString(in, "file_path"), workingDir)
		case "Glob", "Grep":
			a.Label = "Searching for " + oneLine(fieldString(in, "pattern"), 60)
		case "WebFetch":
			a.Label = "Fetching " + oneLine(fieldString(in, "url"), 80)
		case "WebSearch":
			a.Label = "Searching the web for " + oneLine(fieldString(in, "query"), 60)
		case "Task":
			a.Label = "Delegating: " + oneLine(fieldString(in, "description"), 60)
		case "TodoWrite":
			a.Label = "Updating the task list"
		default:
			if strings.HasPrefix(name, "mcp__") {
				a.Emoji = "🔌"
				a.Label = "Calling " + strings.TrimPrefix(name, "mcp__")
			}
		}
	}
	return a
}

// auditDescription returns the audit line for a mutating tool call, or "" when
// the call is not on the allow-list or its input could not be parsed.
func auditDescription(name string, input agent.ToolInput, workingDir string) string {
	switch in := input.(type) {
	case agent.FileWriteInput:
		if in.FilePath == "" || isInternalPath(in.FilePath) {
			return ""
		}
		return "Wrote " + displayPath(in.FilePath, workingDir)
	case agent.FileEditInput:
		if in.FilePath == "" || isInternalPath(in.FilePath) {
			return ""
		}
		desc := "Edited " + displayPath(in.FilePath, workingDir)
		if in.Edits > 1 {
			desc += fmt.Sprintf(" (%d edits)", in.Edits)
		}
		return desc
	case agent.ScheduleInput:
		verb, object, ok := splitMutatingAction(in.Action)
		if !ok {
			return ""
		}
		desc := verb + " " + object
		if in.Name != "" {
			desc += " " + quote(in.Name)
		}
		if in.Schedule != "" {
			desc += " (" + in.Schedule + ")"
		}
		return desc
	case agent.PlatformInput:
		verb, object, ok := splitMutatingAction(in.Action)
		if !ok {
			return ""
		}
		desc := verb + " " + object
		if in.Name != "" {
			desc += " " + quote(in.Name)
		}
		return desc
	}
	return ""
}

// IsMutatingTool reports whether a tool call with this input would be audited.
func IsMutatingTool(name string, input agent.ToolInput) bool {
	return auditDescription(name, input, "") != ""
}

func splitMutatingAction(action string) (verb, object string, ok bool) {
	head, rest, _ := strings.Cut(action, "_")
	verb, ok = mutatingVerbs[head]
	if !ok {
		return "", "", false
	}
	object = strings.ReplaceAll(rest, "_", " ")
	if object == "" {
		object = "item"
	}
	return verb, object, true
}

func humanizeAction(action string) string {
	return strings.ReplaceAll(action, "_", " ")
}

func isInternalPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		for _, marker := range internalPathMarkers {
			if part == marker {
				return true
			}
		}
	}
	return false
}

// displayPath shows paths under the working directory relative to it.
func displayPath(path, workingDir string) string {
	if path == "" {
		return "a file"
	}
	if workingDir != "" {
		if rel, err := filepath.Rel(workingDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}

func fieldString(in agent.RawInput, key string) string {
	if v, ok := in.Fields[key].(string); ok {
		return v
	}
	return ""
}

func quote(s string) string {
	return "\"" + s + "\""
}

// oneLine collapses whitespace runs and truncates to maxLen runes.
func oneLine(s string, maxLen int) string {
	return platform.Truncate(strings.Join(strings.Fields(s), " "), maxLen)
}
