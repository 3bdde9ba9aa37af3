// ABOUTME: JSON bodies of the event kinds emitted by engines in this module.
// ABOUTME: The gateway decodes these when mapping engine events to notifications.

package engine

import "encoding/json"

// ProgressData reports how far a run has come.
type ProgressData struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// TextData is a chunk of model output or reasoning.
type TextData struct {
	Text string `json:"text"`
}

// Tool call statuses.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// ToolCallData describes a tool invocation or an update to one.
type ToolCallData struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
}

// PermissionData asks whether a tool call may run.
type PermissionData struct {
	ToolCallID  string          `json:"tool_call_id"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ElicitationData asks the caller for structured input.
type ElicitationData struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// File change types.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// FileChangeData proposes or reports a file modification.
type FileChangeData struct {
	Path            string `json:"path"`
	ChangeType      string `json:"change_type"`
	OriginalContent string `json:"original_content,omitempty"`
	NewContent      string `json:"new_content,omitempty"`
	Diff            string `json:"diff,omitempty"`
}

// ErrorData reports an engine-side problem.
type ErrorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// SystemData is a lifecycle message from the engine.
type SystemData struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}

// PlanEntry is one step of a plan. No consumer in this module maps it.
type PlanEntry struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}
