// ABOUTME: Tests for notification admission and the sliding-window limiter
// ABOUTME: Covers size and rate boundaries, ownership, replay, routing and rejection codes

package ingress

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/dedupe"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/session"
)

type fixture struct {
	registry *session.Registry
	gate     *approval.Gate
	replays  *dedupe.Window
	session  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewRegistry(session.Options{Engine: engine.NewScripted(engine.ScriptedOptions{})}),
		gate:     approval.NewGate(time.Minute, nil, nil, nil),
		replays:  dedupe.NewWindow(dedupe.DefaultTTL, 100),
	}
	s, _, err := f.registry.CreateOrGet(t.Context(), "s1", "conn-a", session.Config{
		Base: config.BaseConfig{ToolPermissions: map[string]string{"write_file": config.PermissionAskBefore}},
	})
	require.NoError(t, err)
	f.session = s
	return f
}

func (f *fixture) ingress(connID string) *Ingress {
	return New(connID, f.registry, f.gate, f.replays, nil, nil)
}

func userMessage(t *testing.T, msgType string, payload any, notificationID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	params, err := json.Marshal(UserMessage{
		SessionID:      "s1",
		MessageType:    msgType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload:        raw,
		NotificationID: notificationID,
	})
	require.NoError(t, err)
	return params
}

// messageOfSize builds user_input params that serialize to exactly n bytes.
func messageOfSize(t *testing.T, n int) json.RawMessage {
	t.Helper()

	build := func(pad int) json.RawMessage {
		return json.RawMessage(`{"session_id":"s1","message_type":"user_input","payload":"` + strings.Repeat("x", pad) + `"}`)
	}

	params := build(n - len(build(0)))
	require.Len(t, params, n)
	return params
}

func rejectionOf(t *testing.T, err error) *Rejection {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %v", err)
	return rej
}

func TestHandle_SizeBoundary(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	out, err := in.Handle(messageOfSize(t, MaxNotificationBytes))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)

	_, err = in.Handle(messageOfSize(t, MaxNotificationBytes+1))
	assert.Equal(t, jsonrpc.CodePayloadTooLarge, rejectionOf(t, err).Code)
}

func TestHandle_RateBoundary(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in.limiter.now = func() time.Time { return now }

	params := userMessage(t, TypeControlSignal, map[string]string{"action": "cancel"}, "")
	for i := 1; i <= RateLimit; i++ {
		now = now.Add(100 * time.Millisecond)
		_, err := in.Handle(params)
		require.NoError(t, err, "notification %d", i)
	}

	_, err := in.Handle(params)
	rej := rejectionOf(t, err)
	assert.Equal(t, jsonrpc.CodeResourceExhausted, rej.Code)
	assert.Equal(t, "rate_limited", rej.Reason)

	now = now.Add(RateWindow)
	_, err = in.Handle(params)
	assert.NoError(t, err)
}

func TestHandle_RateIsPerConnection(t *testing.T) {
	f := newFixture(t)
	a := f.ingress("conn-a")
	b := f.ingress("conn-b")

	params := userMessage(t, TypeControlSignal, map[string]string{"action": "cancel"}, "")
	for range RateLimit {
		_, err := a.Handle(params)
		require.NoError(t, err)
	}

	_, err := b.Handle(params)
	assert.Equal(t, "session_not_owned", rejectionOf(t, err).Reason, "b is limited by ownership, not by a's rate")
}

func TestHandle_Ownership(t *testing.T) {
	f := newFixture(t)

	params := userMessage(t, TypeUserInput, "hello", "")
	_, err := f.ingress("conn-b").Handle(params)
	rej := rejectionOf(t, err)
	assert.Equal(t, jsonrpc.CodeSessionNotFound, rej.Code)
	assert.Equal(t, "s1", rej.SessionID)

	var missing UserMessage
	require.NoError(t, json.Unmarshal(params, &missing))
	missing.SessionID = "nope"
	raw, _ := json.Marshal(missing)
	_, err = f.ingress("conn-a").Handle(raw)
	assert.Equal(t, jsonrpc.CodeSessionNotFound, rejectionOf(t, err).Code)

	out, err := f.ingress("conn-a").Handle(params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)
	assert.JSONEq(t, `"hello"`, string(<-f.session.Inbox()))
}

func TestHandle_ReplaySuppressed(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	params := userMessage(t, TypeUserInput, "once", "n-1")
	out, err := in.Handle(params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)

	out, err = f.ingress("conn-a").Handle(params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Len(t, f.session.Inbox(), 1)
}

func TestHandle_InboxFullAllowsRetry(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	for range session.InboxSize {
		require.True(t, f.session.Deliver(json.RawMessage(`1`)))
	}

	params := userMessage(t, TypeUserInput, "late", "n-2")
	_, err := in.Handle(params)
	assert.Equal(t, "inbox_full", rejectionOf(t, err).Reason)

	<-f.session.Inbox()
	out, err := in.Handle(params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)
}

func TestHandle_ControlSignal(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	cancel := userMessage(t, TypeControlSignal, map[string]string{"action": "cancel"}, "")
	out, err := in.Handle(cancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, out)

	g, err := f.registry.Acquire("s1", "conn-a")
	require.NoError(t, err)
	defer g.Release()
	var cancelled atomic.Bool
	g.SetCancel(func() { cancelled.Store(true) })

	out, err = in.Handle(cancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out)
	assert.True(t, cancelled.Load())

	bad := userMessage(t, TypeControlSignal, map[string]string{"action": "pause"}, "")
	_, err = in.Handle(bad)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rejectionOf(t, err).Code)
}

func TestHandle_ToolConfirmation(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	g, err := f.registry.Acquire("s1", "conn-a")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, f.session.SetStatus(session.StatusProcessing))

	ids := make(chan string, 1)
	done := make(chan engine.Reply, 1)
	go func() {
		done <- f.gate.RequestPermission(t.Context(), f.session, engine.PermissionData{Tool: "write_file"}, func(ia approval.Interaction) error {
			ids <- ia.ID
			return nil
		})
	}()
	id := <-ids

	unknown := userMessage(t, TypeToolConfirmation, map[string]string{"interaction_id": "nope", "action": "allow_once"}, "")
	_, err = in.Handle(unknown)
	assert.Equal(t, jsonrpc.CodeInteractionNotFound, rejectionOf(t, err).Code)

	confirm := userMessage(t, TypeToolConfirmation, map[string]string{"interaction_id": id, "action": "allow_once"}, "")
	out, err := in.Handle(confirm)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswered, out)
	assert.Equal(t, engine.DecisionAllow, (<-done).Decision)

	_, err = in.Handle(confirm)
	assert.Equal(t, jsonrpc.CodeInteractionAlreadyAnswered, rejectionOf(t, err).Code)
}

func TestHandle_ElicitationResponse(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	g, err := f.registry.Acquire("s1", "conn-a")
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, f.session.SetStatus(session.StatusProcessing))

	ids := make(chan string, 1)
	done := make(chan engine.Reply, 1)
	go func() {
		done <- f.gate.Elicit(t.Context(), f.session, engine.ElicitationData{Prompt: "?"}, func(ia approval.Interaction) error {
			ids <- ia.ID
			return nil
		})
	}()

	answer := userMessage(t, TypeElicitationResponse, map[string]any{"interaction_id": <-ids, "user_data": map[string]string{"notes": "ok"}}, "")
	_, err = in.Handle(answer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"notes":"ok"}`, string((<-done).UserData))
}

func TestHandle_InvalidShapes(t *testing.T) {
	f := newFixture(t)
	in := f.ingress("conn-a")

	cases := map[string]json.RawMessage{
		"not an object": json.RawMessage(`[1,2]`),
		"no session":    json.RawMessage(`{"message_type":"user_input"}`),
		"bad timestamp": json.RawMessage(`{"session_id":"s1","message_type":"user_input","timestamp":"yesterday"}`),
		"unknown type":  json.RawMessage(`{"session_id":"s1","message_type":"telepathy"}`),
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := in.Handle(params)
			assert.Equal(t, jsonrpc.CodeInvalidParams, rejectionOf(t, err).Code)
		})
	}
}

func TestSlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewSlidingWindow(3, time.Minute)
	w.now = func() time.Time { return now }

	assert.True(t, w.Allow())
	now = now.Add(20 * time.Second)
	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
	assert.False(t, w.Allow())

	now = now.Add(40 * time.Second)
	assert.True(t, w.Allow(), "first admission left the window")
	assert.False(t, w.Allow())

	now = now.Add(time.Minute)
	for range 3 {
		assert.True(t, w.Allow())
	}
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	w := NewSlidingWindow(RateLimit, time.Hour)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 250 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(RateLimit), allowed.Load())
}
