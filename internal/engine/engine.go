// ABOUTME: Reasoning engine interface, session configuration, incident and event types.
// ABOUTME: Run carries one submission's event stream and its final outcome.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned for ids the engine does not know.
	ErrSessionNotFound = errors.New("engine session not found")
	// ErrSessionExists is returned when creating a session id twice.
	ErrSessionExists = errors.New("engine session already exists")
	// ErrWorkspace is returned when the session workspace cannot be used.
	ErrWorkspace = errors.New("workspace not accessible")
	// ErrEngineFailure marks a run that ended because the engine gave up.
	ErrEngineFailure = errors.New("engine failure")
)

// Event kinds emitted by engines in this module.
const (
	KindProgress          = "progress"
	KindMessageChunk      = "agent_message_chunk"
	KindThought           = "agent_thought_chunk"
	KindToolCall          = "tool_call"
	KindToolCallUpdate    = "tool_call_update"
	KindPermissionRequest = "permission_request"
	KindElicitation       = "elicitation"
	KindFileChange        = "file_change"
	KindError             = "error"
	KindSystem            = "system"
	KindPlan              = "plan"
)

// Incident is one analysis finding submitted for fixing.
type Incident struct {
	ID          string `json:"id"`
	RuleID      string `json:"rule_id"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	Effort      string `json:"effort,omitempty"`
	Severity    string `json:"severity,omitempty"`
	URI         string `json:"uri,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
}

// SessionConfig is what a session is created with.
type SessionConfig struct {
	Workspace   string   `json:"workspace"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// SessionInfo describes an engine session.
type SessionInfo struct {
	ID        string
	Config    SessionConfig
	CreatedAt time.Time
}

// Submission is one unit of work for a session.
type Submission struct {
	RequestID string
	Incidents []Incident
	// Inbox delivers caller user_input payloads while the run is active.
	Inbox <-chan json.RawMessage
}

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Reply answers an event that asked for one.
type Reply struct {
	Decision Decision
	// UserData is the caller's answer to an elicitation.
	UserData json.RawMessage
	// Reason explains a denial, e.g. "timeout" or "policy".
	Reason string
}

// Event is one item of a run's stream.
type Event struct {
	Kind  string
	Data  json.RawMessage
	Reply chan<- Reply
}

// Engine is the reasoning engine boundary.
type Engine interface {
	CreateSession(ctx context.Context, id string, cfg SessionConfig) error
	GetSession(ctx context.Context, id string) (*SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
	// Submit starts work on a session. Cancelling ctx asks the engine to stop;
	// the run's Events channel is closed once it has.
	Submit(ctx context.Context, id string, sub Submission) (*Run, error)
}

// Run is the stream of one submission.
type Run struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewRun creates a run whose event channel has the given buffer.
func NewRun(buffer int) *Run {
	return &Run{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events is closed after Finish.
func (r *Run) Events() <-chan Event { return r.events }

// Done is closed after Finish.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the run's outcome. It is only meaningful after Done is closed.
func (r *Run) Err() error { return r.err }

// Emit sends one event, giving up if ctx ends first.
func (r *Run) Emit(ctx context.Context, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.send(ctx, Event{Kind: kind, Data: raw})
}

// Ask emits an event that needs an answer and waits for it.
func (r *Run) Ask(ctx context.Context, kind string, data any) (Reply, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Reply{}, err
	}

	reply := make(chan Reply, 1)
	if err := r.send(ctx, Event{Kind: kind, Data: raw, Reply: reply}); err != nil {
		return Reply{}, err
	}

	select {
	case rep := <-reply:
		return rep, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Finish records the outcome and closes the stream. Only the first call counts.
func (r *Run) Finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.events)
		close(r.done)
	})
}

func (r *Run) send(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
