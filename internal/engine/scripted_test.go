// ABOUTME: Tests for the scripted engine and the Run stream helper
// ABOUTME: Covers event order, permission replies, failures, cancellation and inbox delivery

package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// drain answers every question with decision and returns the kinds seen.
func drain(t *testing.T, run *Run, decision Decision) []string {
	t.Helper()

	var kinds []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return kinds
			}
			kinds = append(kinds, ev.Kind)
			if ev.Reply != nil {
				ev.Reply <- Reply{Decision: decision, Reason: "test", UserData: json.RawMessage(`{"notes":"none"}`)}
			}
		case <-timeout:
			t.Fatal("run did not finish")
			return nil
		}
	}
}

func newSession(t *testing.T, e *Scripted) string {
	t.Helper()
	require.NoError(t, e.CreateSession(t.Context(), "s1", SessionConfig{Workspace: t.TempDir(), Model: "gpt-4o"}))
	return "s1"
}

func TestScripted_SessionLifecycle(t *testing.T) {
	e := NewScripted(ScriptedOptions{})
	ctx := t.Context()

	require.NoError(t, e.CreateSession(ctx, "a", SessionConfig{}))
	assert.ErrorIs(t, e.CreateSession(ctx, "a", SessionConfig{}), ErrSessionExists)

	info, err := e.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", info.ID)

	require.NoError(t, e.DeleteSession(ctx, "a"))
	assert.ErrorIs(t, e.DeleteSession(ctx, "a"), ErrSessionNotFound)
	_, err = e.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScripted_WorkspaceMustExist(t *testing.T) {
	e := NewScripted(ScriptedOptions{})

	err := e.CreateSession(t.Context(), "a", SessionConfig{Workspace: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrWorkspace)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	err = e.CreateSession(t.Context(), "b", SessionConfig{Workspace: file})
	assert.ErrorIs(t, err, ErrWorkspace)
}

func TestScripted_SubmitUnknownSession(t *testing.T) {
	e := NewScripted(ScriptedOptions{})
	_, err := e.Submit(t.Context(), "nope", Submission{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScripted_ApprovedRun(t *testing.T) {
	e := NewScripted(ScriptedOptions{})
	id := newSession(t, e)

	run, err := e.Submit(t.Context(), id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "r1", Message: "m"}}})
	require.NoError(t, err)

	kinds := drain(t, run, DecisionAllow)
	<-run.Done()
	require.NoError(t, run.Err())

	assert.Equal(t, []string{
		KindPlan,
		KindProgress,
		KindThought,
		KindToolCall,
		KindPermissionRequest,
		KindFileChange,
		KindToolCallUpdate,
		KindMessageChunk,
		KindProgress,
		KindSystem,
	}, kinds)
}

func TestScripted_DeniedRunSkipsFileChange(t *testing.T) {
	e := NewScripted(ScriptedOptions{})
	id := newSession(t, e)

	run, err := e.Submit(t.Context(), id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "r1"}}})
	require.NoError(t, err)

	kinds := drain(t, run, DecisionDeny)
	require.NoError(t, run.Err())
	assert.NotContains(t, kinds, KindFileChange)
	assert.Contains(t, kinds, KindToolCallUpdate)
}

func TestScripted_FailRule(t *testing.T) {
	e := NewScripted(ScriptedOptions{FailRule: "bad"})
	id := newSession(t, e)

	run, err := e.Submit(t.Context(), id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "bad"}}})
	require.NoError(t, err)

	kinds := drain(t, run, DecisionAllow)
	assert.ErrorIs(t, run.Err(), ErrEngineFailure)
	assert.Equal(t, KindError, kinds[len(kinds)-1])
}

func TestScripted_Elicit(t *testing.T) {
	e := NewScripted(ScriptedOptions{Elicit: true})
	id := newSession(t, e)

	run, err := e.Submit(t.Context(), id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "r1"}}})
	require.NoError(t, err)

	kinds := drain(t, run, DecisionAllow)
	require.NoError(t, run.Err())
	assert.Equal(t, KindElicitation, kinds[1])
}

func TestScripted_InboxIsConsumed(t *testing.T) {
	e := NewScripted(ScriptedOptions{})
	id := newSession(t, e)

	inbox := make(chan json.RawMessage, 1)
	inbox <- json.RawMessage(`"hello"`)

	run, err := e.Submit(t.Context(), id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "r1"}}, Inbox: inbox})
	require.NoError(t, err)

	var thoughts []string
	for ev := range run.Events() {
		if ev.Kind == KindThought {
			var td TextData
			require.NoError(t, json.Unmarshal(ev.Data, &td))
			thoughts = append(thoughts, td.Text)
		}
		if ev.Reply != nil {
			ev.Reply <- Reply{Decision: DecisionAllow}
		}
	}
	assert.Contains(t, thoughts, `user input: "hello"`)
}

func TestScripted_Cancel(t *testing.T) {
	e := NewScripted(ScriptedOptions{Step: 20 * time.Millisecond})
	id := newSession(t, e)

	ctx, cancel := context.WithCancel(t.Context())
	run, err := e.Submit(ctx, id, Submission{Incidents: []Incident{{ID: "i1", RuleID: "r1"}, {ID: "i2", RuleID: "r2"}}})
	require.NoError(t, err)

	<-run.Events()
	cancel()
	drain(t, run, DecisionAllow)
	assert.ErrorIs(t, run.Err(), context.Canceled)
}

func TestScripted_CancelLag(t *testing.T) {
	e := NewScripted(ScriptedOptions{Step: 10 * time.Millisecond, CancelLag: 100 * time.Millisecond})
	id := newSession(t, e)

	ctx, cancel := context.WithCancel(t.Context())
	run, err := e.Submit(ctx, id, Submission{Incidents: make([]Incident, 50)})
	require.NoError(t, err)

	<-run.Events()
	start := time.Now()
	cancel()
	drain(t, run, DecisionAllow)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.ErrorIs(t, run.Err(), context.Canceled)
}

func TestRun_FinishOnce(t *testing.T) {
	run := NewRun(1)
	run.Finish(ErrEngineFailure)
	run.Finish(nil)

	<-run.Done()
	assert.ErrorIs(t, run.Err(), ErrEngineFailure)
	_, ok := <-run.Events()
	assert.False(t, ok)
}

func TestRun_EmitHonoursContext(t *testing.T) {
	run := NewRun(0)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.ErrorIs(t, run.Emit(ctx, KindProgress, ProgressData{}), context.Canceled)
	_, err := run.Ask(ctx, KindPermissionRequest, PermissionData{})
	assert.ErrorIs(t, err, context.Canceled)
}
