// ABOUTME: Per-session forwarding loop from an engine run to stream notifications.
// ABOUTME: Assigns sequence numbers, routes questions to the approval gate and records the ledger.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/session"
	"github.com/2389/kaiak-gateway/internal/store"
)

// Sender delivers a notification to the caller.
type Sender interface {
	Notify(ctx context.Context, method string, params any) error
}

// Options configure a Bridge.
type Options struct {
	Gate    *approval.Gate
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Grace bounds how long Forward keeps draining a cancelled run.
	Grace time.Duration
}

// Bridge forwards events for one caller connection.
type Bridge struct {
	sender  Sender
	gate    *approval.Gate
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	grace   time.Duration
	now     func() time.Time
}

// New creates a bridge that sends through sender.
func New(sender Sender, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Bridge{
		sender:  sender,
		gate:    opts.Gate,
		store:   st,
		metrics: opts.Metrics,
		logger:  logger.With("component", "bridge"),
		grace:   opts.Grace,
		now:     time.Now,
	}
}

// Forward republishes run's events until the run ends or ctx is cancelled.
// After cancellation it keeps answering the engine for up to the grace
// period, then abandons the run. It returns the run's error, or ctx's error
// if the run was abandoned or ended after cancellation.
func (b *Bridge) Forward(ctx context.Context, s *session.Session, requestID string, run *engine.Run) error {
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				<-run.Done()
				if err := ctx.Err(); err != nil {
					return err
				}
				return run.Err()
			}
			b.handle(ctx, s, requestID, ev)

		case <-ctx.Done():
			b.drain(s, run)
			return ctx.Err()
		}
	}
}

// drain refuses every question from a cancelled run until it ends or the
// grace period passes. Whatever is left after that is discarded in the
// background so the engine never blocks on us.
func (b *Bridge) drain(s *session.Session, run *engine.Run) {
	timer := time.NewTimer(b.grace)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			refuse(ev, approval.StatusCancelled)
		case <-timer.C:
			b.logger.Warn("engine did not stop within grace period", "session_id", s.ID(), "grace", b.grace)
			go func() {
				for ev := range run.Events() {
					refuse(ev, approval.StatusCancelled)
				}
			}()
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, s *session.Session, requestID string, ev engine.Event) {
	emit := func(ia approval.Interaction) error {
		return b.Publish(ctx, s, requestID, UserInteraction{Interaction: ia})
	}

	switch ev.Kind {
	case engine.KindPermissionRequest:
		var req engine.PermissionData
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			b.drop(s, ev, ErrMalformed, err)
			refuse(ev, "malformed")
			return
		}
		answer(ev, b.gate.RequestPermission(ctx, s, req, emit))
		return

	case engine.KindElicitation:
		var req engine.ElicitationData
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			b.drop(s, ev, ErrMalformed, err)
			refuse(ev, "malformed")
			return
		}
		answer(ev, b.gate.Elicit(ctx, s, req, emit))
		return
	}

	payload, err := Map(ev)
	if err != nil {
		b.drop(s, ev, err, err)
		refuse(ev, "unsupported")
		return
	}
	if err := b.Publish(ctx, s, requestID, payload); err != nil {
		b.logger.Warn("failed to deliver notification", "session_id", s.ID(), "kind", payload.Kind(), "error", err)
	}
}

// Publish stamps payload with the session's next sequence number and sends
// it. Delivered envelopes are appended to the ledger.
func (b *Bridge) Publish(ctx context.Context, s *session.Session, requestID string, payload Payload) error {
	return s.Emit(func(seq uint64, gap bool) error {
		env := &Envelope{
			SessionID: s.ID(),
			RequestID: requestID,
			Sequence:  seq,
			Timestamp: b.now().UTC(),
			Kind:      payload.Kind(),
			Gap:       gap,
			Payload:   payload,
		}
		if err := b.sender.Notify(ctx, env.Method(), env); err != nil {
			b.metrics.RecordDropped("send_failed")
			return err
		}
		b.metrics.RecordEvent(string(env.Kind))
		b.record(ctx, env)
		return nil
	})
}

// Terminal publishes the final System notification of a call.
func (b *Bridge) Terminal(ctx context.Context, s *session.Session, requestID, event, message string) error {
	return b.Publish(context.WithoutCancel(ctx), s, requestID, System{Event: event, Message: message, Terminal: true})
}

func (b *Bridge) record(ctx context.Context, env *Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("failed to encode envelope for ledger", "error", err)
		return
	}
	err = b.store.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		SessionID: env.SessionID,
		Sequence:  env.Sequence,
		RequestID: env.RequestID,
		Method:    env.Method(),
		Payload:   payload,
		Gap:       env.Gap,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		b.logger.Warn("failed to record event", "session_id", env.SessionID, "sequence", env.Sequence, "error", err)
	}
}

func (b *Bridge) drop(s *session.Session, ev engine.Event, reason, err error) {
	label := "malformed"
	if errors.Is(reason, ErrUnknownKind) {
		label = "unknown_kind"
	}
	b.metrics.RecordDropped(label)
	b.logger.Warn("dropping engine event", "session_id", s.ID(), "kind", ev.Kind, "error", err)
}

func answer(ev engine.Event, reply engine.Reply) {
	if ev.Reply != nil {
		ev.Reply <- reply
	}
}

func refuse(ev engine.Event, reason string) {
	answer(ev, engine.Reply{Decision: engine.DecisionDeny, Reason: reason})
}
