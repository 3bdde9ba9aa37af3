// ABOUTME: Approval gate that turns RequireApproval decisions into caller interactions.
// ABOUTME: Tracks pending interactions, answers, timeouts and already-answered ids.

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/kaiak-gateway/internal/dedupe"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/session"
)

var (
	ErrInteractionNotFound = errors.New("interaction not found")
	ErrAlreadyAnswered     = errors.New("interaction already answered")
	ErrWrongKind           = errors.New("response does not match interaction type")
	ErrInvalidAction       = errors.New("invalid confirmation action")
)

// Interaction types.
const (
	KindToolConfirmation = "tool_confirmation"
	KindElicitation      = "elicitation"
)

// Confirmation actions.
const (
	ActionAllowOnce   = "allow_once"
	ActionAlwaysAllow = "always_allow"
	ActionDeny        = "deny"
)

// Interaction statuses.
const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// Interaction is sent to the caller as a user_interaction notification.
type Interaction struct {
	ID             string          `json:"interaction_id"`
	Type           string          `json:"interaction_type"`
	Prompt         string          `json:"prompt"`
	Options        []string        `json:"options,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Tool           string          `json:"tool,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

// Response is the caller's answer.
type Response struct {
	Type     string
	Action   string
	UserData json.RawMessage
}

// EmitFunc delivers an interaction to the caller.
type EmitFunc func(Interaction) error

type pending struct {
	sessionID string
	kind      string
	answer    chan Response
}

// Gate holds outstanding interactions for all sessions.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pending
	answered *dedupe.Window
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGate creates a gate. answered remembers resolved interaction ids.
func NewGate(timeout time.Duration, answered *dedupe.Window, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if answered == nil {
		answered = dedupe.NewWindow(dedupe.DefaultTTL, dedupe.DefaultMaxKeys)
	}
	return &Gate{
		pending:  make(map[string]*pending),
		answered: answered,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With("component", "approval"),
	}
}

// Decide returns the policy for tool in s without asking anyone.
func (g *Gate) Decide(s *session.Session, tool string) Policy {
	if s.ToolAllowed(tool) {
		return Allow
	}
	return Lookup(tool, s.Config().Base.ToolPermissions)
}

// RequestPermission resolves a permission request from the engine.
func (g *Gate) RequestPermission(ctx context.Context, s *session.Session, req engine.PermissionData, emit EmitFunc) engine.Reply {
	switch g.Decide(s, req.Tool) {
	case Allow:
		g.metrics.RecordInteraction("policy_allow")
		return engine.Reply{Decision: engine.DecisionAllow, Reason: "policy"}
	case Deny:
		g.metrics.RecordInteraction("policy_deny")
		g.logger.Info("tool denied by policy", "session_id", s.ID(), "tool", req.Tool)
		return engine.Reply{Decision: engine.DecisionDeny, Reason: "policy"}
	}

	ia := Interaction{
		Type:       KindToolConfirmation,
		Prompt:     req.Description,
		Options:    []string{ActionAllowOnce, ActionAlwaysAllow, ActionDeny},
		Tool:       req.Tool,
		ToolCallID: req.ToolCallID,
		Arguments:  req.Arguments,
	}
	resp, status := g.ask(ctx, s, ia, emit)
	if status != StatusResponded {
		return engine.Reply{Decision: engine.DecisionDeny, Reason: status}
	}

	switch resp.Action {
	case ActionAlwaysAllow:
		s.AllowTool(req.Tool)
		return engine.Reply{Decision: engine.DecisionAllow, Reason: "caller"}
	case ActionAllowOnce:
		return engine.Reply{Decision: engine.DecisionAllow, Reason: "caller"}
	default:
		return engine.Reply{Decision: engine.DecisionDeny, Reason: "caller"}
	}
}

// Elicit forwards an engine question to the caller and returns the answer.
func (g *Gate) Elicit(ctx context.Context, s *session.Session, req engine.ElicitationData, emit EmitFunc) engine.Reply {
	ia := Interaction{
		Type:   KindElicitation,
		Prompt: req.Prompt,
		Schema: req.Schema,
	}
	resp, status := g.ask(ctx, s, ia, emit)
	if status != StatusResponded {
		return engine.Reply{Decision: engine.DecisionDeny, Reason: status}
	}
	return engine.Reply{Decision: engine.DecisionAllow, UserData: resp.UserData, Reason: "caller"}
}

// ask emits the interaction and waits. The returned status is one of the
// Status* constants other than StatusPending.
func (g *Gate) ask(ctx context.Context, s *session.Session, ia Interaction, emit EmitFunc) (Response, string) {
	ia.ID = uuid.NewString()
	ia.TimeoutSeconds = int(g.timeout.Round(time.Second) / time.Second)

	p := &pending{sessionID: s.ID(), kind: ia.Type, answer: make(chan Response, 1)}
	g.mu.Lock()
	g.pending[ia.ID] = p
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, ia.ID)
		g.mu.Unlock()
		g.answered.Claim(ia.ID)
	}()

	if err := s.SetStatus(session.StatusWaiting); err != nil {
		g.logger.Debug("could not mark session waiting", "session_id", s.ID(), "error", err)
	}
	defer func() {
		if s.Status() == session.StatusWaiting {
			_ = s.SetStatus(session.StatusProcessing)
		}
	}()

	// An undelivered prompt can never be answered.
	if err := emit(ia); err != nil {
		g.logger.Warn("failed to send interaction", "session_id", s.ID(), "interaction_id", ia.ID, "error", err)
		g.metrics.RecordInteraction(StatusCancelled)
		return Response{}, StatusCancelled
	}
	g.logger.Debug("waiting for interaction", "session_id", s.ID(), "interaction_id", ia.ID, "type", ia.Type)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.answer:
		g.metrics.RecordInteraction(StatusResponded)
		return resp, StatusResponded
	case <-timer.C:
		g.metrics.RecordInteraction(StatusTimedOut)
		g.logger.Info("interaction timed out", "session_id", s.ID(), "interaction_id", ia.ID)
		return Response{}, StatusTimedOut
	case <-ctx.Done():
		g.metrics.RecordInteraction(StatusCancelled)
		return Response{}, StatusCancelled
	}
}

// Respond delivers the caller's answer to a pending interaction of sessionID.
func (g *Gate) Respond(sessionID, interactionID string, resp Response) error {
	g.mu.Lock()
	p, ok := g.pending[interactionID]
	if ok && p.sessionID == sessionID {
		if p.kind != resp.Type {
			g.mu.Unlock()
			return fmt.Errorf("%w: interaction is %s", ErrWrongKind, p.kind)
		}
		if resp.Type == KindToolConfirmation {
			switch resp.Action {
			case ActionAllowOnce, ActionAlwaysAllow, ActionDeny:
			default:
				g.mu.Unlock()
				return fmt.Errorf("%w: %q", ErrInvalidAction, resp.Action)
			}
		}
		delete(g.pending, interactionID)
	}
	g.mu.Unlock()

	if !ok || p.sessionID != sessionID {
		if g.answered.Seen(interactionID) {
			return ErrAlreadyAnswered
		}
		return ErrInteractionNotFound
	}

	g.answered.Claim(interactionID)
	p.answer <- resp
	return nil
}

// Pending returns the number of outstanding interactions.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
