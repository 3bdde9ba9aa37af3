// ABOUTME: Closed set of notification payloads and the envelope that carries them.
// ABOUTME: Each payload variant maps to exactly one kaiak/stream/* method.

package bridge

import (
	"encoding/json"
	"time"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
)

// Kind identifies an envelope's payload variant.
type Kind string

const (
	KindProgress         Kind = "progress"
	KindAIResponse       Kind = "ai_response"
	KindToolCall         Kind = "tool_call"
	KindThinking         Kind = "thinking"
	KindUserInteraction  Kind = "user_interaction"
	KindFileModification Kind = "file_modification"
	KindError            Kind = "error"
	KindSystem           Kind = "system"
)

// Method returns the notification method for k.
func (k Kind) Method() string {
	switch k {
	case KindProgress:
		return jsonrpc.MethodStreamProgress
	case KindAIResponse:
		return jsonrpc.MethodStreamAIResponse
	case KindToolCall:
		return jsonrpc.MethodStreamToolCall
	case KindThinking:
		return jsonrpc.MethodStreamThinking
	case KindUserInteraction:
		return jsonrpc.MethodStreamUserInteraction
	case KindFileModification:
		return jsonrpc.MethodStreamFileModification
	case KindError:
		return jsonrpc.MethodStreamError
	default:
		return jsonrpc.MethodStreamSystem
	}
}

// Payload is implemented only by the types in this file.
type Payload interface {
	Kind() Kind
	sealed()
}

type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

type AIResponse struct {
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
}

type Thinking struct {
	Text string `json:"text"`
}

type UserInteraction struct {
	approval.Interaction
}

type FileModification struct {
	Path            string `json:"path"`
	ChangeType      string `json:"change_type"`
	OriginalContent string `json:"original_content,omitempty"`
	NewContent      string `json:"new_content,omitempty"`
	Diff            string `json:"diff,omitempty"`
}

type Error struct {
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// System events emitted by the gateway itself.
const (
	SystemSessionCreated = "session_created"
	SystemCompleted      = "completed"
	SystemFailed         = "failed"
	SystemCancelled      = "cancelled"
)

type System struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	// Terminal is set on the last notification of a call.
	Terminal bool `json:"terminal,omitempty"`
}

func (Progress) Kind() Kind         { return KindProgress }
func (AIResponse) Kind() Kind       { return KindAIResponse }
func (ToolCall) Kind() Kind         { return KindToolCall }
func (Thinking) Kind() Kind         { return KindThinking }
func (UserInteraction) Kind() Kind  { return KindUserInteraction }
func (FileModification) Kind() Kind { return KindFileModification }
func (Error) Kind() Kind            { return KindError }
func (System) Kind() Kind           { return KindSystem }

func (Progress) sealed()         {}
func (AIResponse) sealed()       {}
func (ToolCall) sealed()         {}
func (Thinking) sealed()         {}
func (UserInteraction) sealed()  {}
func (FileModification) sealed() {}
func (Error) sealed()            {}
func (System) sealed()           {}

// Envelope is the params object of every stream notification.
type Envelope struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id,omitempty"`
	Sequence  uint64    `json:"sequence_number,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Gap       bool      `json:"gap,omitempty"`
	Payload   Payload   `json:"payload"`
}

// Method returns the envelope's notification method.
func (e *Envelope) Method() string { return e.Kind.Method() }
