// ABOUTME: Tests for permission lookup and the interaction gate
// ABOUTME: Covers fail-closed defaults, patterns, answers, timeouts and duplicate answers

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLookup(t *testing.T) {
	table := map[string]string{
		"read_file": config.PermissionAlwaysAllow,
		"write_*":   config.PermissionAskBefore,
		"write_s*":  config.PermissionNeverAllow,
		"Shell":     config.PermissionNeverAllow,
		"git_push":  config.PermissionAskBefore,
		"weird":     "bogus",
	}

	tests := []struct {
		tool string
		want Policy
	}{
		{"read_file", Allow},
		{"READ_FILE", Allow},
		{"write_file", RequireApproval},
		{"write_secret", Deny},
		{"shell", Deny},
		{"git_push", RequireApproval},
		{"weird", Deny},
		{"unlisted_tool", Deny},
		{"", Deny},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, Lookup(tt.tool, table))
		})
	}
}

func TestLookup_EmptyTableDenies(t *testing.T) {
	assert.Equal(t, Deny, Lookup("anything", nil))
	assert.Equal(t, Deny, Lookup("anything", map[string]string{}))
}

func TestLookup_ExactBeatsPattern(t *testing.T) {
	table := map[string]string{
		"write_*":    config.PermissionNeverAllow,
		"write_file": config.PermissionAlwaysAllow,
	}
	for range 20 {
		assert.Equal(t, Allow, Lookup("write_file", table))
	}
}

// processingSession returns a locked session in Processing state.
func processingSession(t *testing.T, perms map[string]string) *session.Session {
	t.Helper()

	r := session.NewRegistry(session.Options{Engine: engine.NewScripted(engine.ScriptedOptions{})})
	s, _, err := r.CreateOrGet(t.Context(), "s1", "conn", session.Config{Base: config.BaseConfig{ToolPermissions: perms}})
	require.NoError(t, err)

	g, err := r.Acquire("s1", "conn")
	require.NoError(t, err)
	t.Cleanup(g.Release)
	require.NoError(t, s.SetStatus(session.StatusProcessing))
	return s
}

func writeRequest() engine.PermissionData {
	return engine.PermissionData{ToolCallID: "call-1", Tool: "write_file", Description: "write it", Arguments: json.RawMessage(`{"path":"a.go"}`)}
}

func TestGate_PolicyShortCircuits(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAlwaysAllow})

	emit := func(Interaction) error {
		t.Fatal("no interaction expected")
		return nil
	}
	assert.Equal(t, engine.DecisionAllow, g.RequestPermission(t.Context(), s, writeRequest(), emit).Decision)

	req := writeRequest()
	req.Tool = "delete_file"
	reply := g.RequestPermission(t.Context(), s, req, emit)
	assert.Equal(t, engine.DecisionDeny, reply.Decision)
	assert.Equal(t, "policy", reply.Reason)
}

// answerWith responds to each emitted interaction from a separate goroutine.
func answerWith(t *testing.T, g *Gate, sessionID string, resp Response) (EmitFunc, <-chan Interaction) {
	seen := make(chan Interaction, 4)
	return func(ia Interaction) error {
		seen <- ia
		go func() {
			assert.NoError(t, g.Respond(sessionID, ia.ID, resp))
		}()
		return nil
	}, seen
}

func TestGate_AllowOnce(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	emit, seen := answerWith(t, g, s.ID(), Response{Type: KindToolConfirmation, Action: ActionAllowOnce})
	reply := g.RequestPermission(t.Context(), s, writeRequest(), emit)
	assert.Equal(t, engine.DecisionAllow, reply.Decision)

	ia := <-seen
	assert.Equal(t, KindToolConfirmation, ia.Type)
	assert.Equal(t, "write_file", ia.Tool)
	assert.Equal(t, 60, ia.TimeoutSeconds)
	assert.Equal(t, []string{ActionAllowOnce, ActionAlwaysAllow, ActionDeny}, ia.Options)
	assert.Equal(t, session.StatusProcessing, s.Status())
	assert.False(t, s.ToolAllowed("write_file"))
	assert.Equal(t, 0, g.Pending())
}

func TestGate_AlwaysAllowAddsSessionRule(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	emit, _ := answerWith(t, g, s.ID(), Response{Type: KindToolConfirmation, Action: ActionAlwaysAllow})
	require.Equal(t, engine.DecisionAllow, g.RequestPermission(t.Context(), s, writeRequest(), emit).Decision)

	assert.Equal(t, Allow, g.Decide(s, "write_file"))
	reply := g.RequestPermission(t.Context(), s, writeRequest(), func(Interaction) error {
		t.Fatal("second call should not ask")
		return nil
	})
	assert.Equal(t, engine.DecisionAllow, reply.Decision)
}

func TestGate_DenyAnswer(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_*": config.PermissionAskBefore})

	emit, _ := answerWith(t, g, s.ID(), Response{Type: KindToolConfirmation, Action: ActionDeny})
	reply := g.RequestPermission(t.Context(), s, writeRequest(), emit)
	assert.Equal(t, engine.DecisionDeny, reply.Decision)
	assert.Equal(t, "caller", reply.Reason)
}

func TestGate_TimeoutDenies(t *testing.T) {
	g := NewGate(30*time.Millisecond, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	var ia Interaction
	reply := g.RequestPermission(t.Context(), s, writeRequest(), func(i Interaction) error {
		ia = i
		assert.Equal(t, session.StatusWaiting, s.Status())
		return nil
	})
	assert.Equal(t, engine.DecisionDeny, reply.Decision)
	assert.Equal(t, StatusTimedOut, reply.Reason)
	assert.Equal(t, session.StatusProcessing, s.Status())

	err := g.Respond(s.ID(), ia.ID, Response{Type: KindToolConfirmation, Action: ActionAllowOnce})
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestGate_RespondErrors(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	assert.ErrorIs(t, g.Respond(s.ID(), "nope", Response{Type: KindToolConfirmation, Action: ActionDeny}), ErrInteractionNotFound)

	ids := make(chan string, 1)
	done := make(chan engine.Reply, 1)
	go func() {
		done <- g.RequestPermission(t.Context(), s, writeRequest(), func(ia Interaction) error {
			ids <- ia.ID
			return nil
		})
	}()
	id := <-ids

	assert.ErrorIs(t, g.Respond("other-session", id, Response{Type: KindToolConfirmation, Action: ActionDeny}), ErrInteractionNotFound)
	assert.ErrorIs(t, g.Respond(s.ID(), id, Response{Type: KindElicitation}), ErrWrongKind)
	assert.ErrorIs(t, g.Respond(s.ID(), id, Response{Type: KindToolConfirmation, Action: "maybe"}), ErrInvalidAction)

	require.NoError(t, g.Respond(s.ID(), id, Response{Type: KindToolConfirmation, Action: ActionAllowOnce}))
	assert.ErrorIs(t, g.Respond(s.ID(), id, Response{Type: KindToolConfirmation, Action: ActionAllowOnce}), ErrAlreadyAnswered)
	assert.Equal(t, engine.DecisionAllow, (<-done).Decision)
}

func TestGate_Elicit(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, nil)

	emit, seen := answerWith(t, g, s.ID(), Response{Type: KindElicitation, UserData: json.RawMessage(`{"notes":"keep api"}`)})
	reply := g.Elicit(t.Context(), s, engine.ElicitationData{Prompt: "constraints?"}, emit)

	assert.Equal(t, engine.DecisionAllow, reply.Decision)
	assert.JSONEq(t, `{"notes":"keep api"}`, string(reply.UserData))
	assert.Equal(t, "constraints?", (<-seen).Prompt)
}

func TestGate_Cancelled(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	ctx, cancel := context.WithCancel(t.Context())
	reply := g.RequestPermission(ctx, s, writeRequest(), func(Interaction) error {
		cancel()
		return nil
	})
	assert.Equal(t, engine.DecisionDeny, reply.Decision)
	assert.Equal(t, StatusCancelled, reply.Reason)
}

func TestGate_UndeliveredPromptDeniesImmediately(t *testing.T) {
	g := NewGate(time.Minute, nil, nil, nil)
	s := processingSession(t, map[string]string{"write_file": config.PermissionAskBefore})

	var ia Interaction
	start := time.Now()
	reply := g.RequestPermission(t.Context(), s, writeRequest(), func(i Interaction) error {
		ia = i
		return errors.New("connection closed")
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, engine.DecisionDeny, reply.Decision)
	assert.Equal(t, StatusCancelled, reply.Reason)
	assert.Equal(t, 0, g.Pending())
	assert.Equal(t, session.StatusProcessing, s.Status())
	assert.ErrorIs(t, g.Respond(s.ID(), ia.ID, Response{Type: KindToolConfirmation, Action: ActionAllowOnce}), ErrAlreadyAnswered)
}
