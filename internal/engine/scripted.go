// ABOUTME: Scripted in-process engine that walks incidents through a fixed sequence of events.
// ABOUTME: Used by `kaiak serve` when no external engine is linked, and by gateway tests.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptedOptions tune the scripted engine.
type ScriptedOptions struct {
	// Step is the pause between events.
	Step time.Duration
	// FailRule makes a run fail when it reaches an incident with this rule id.
	FailRule string
	// Elicit makes each run ask the caller a question before starting.
	Elicit bool
	// CancelLag delays the reaction to cancellation.
	CancelLag time.Duration
	Logger    *slog.Logger
}

// Scripted implements Engine without a model.
type Scripted struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
	opts     ScriptedOptions
	logger   *slog.Logger
}

// NewScripted creates a scripted engine.
func NewScripted(opts ScriptedOptions) *Scripted {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scripted{
		sessions: make(map[string]*SessionInfo),
		opts:     opts,
		logger:   logger.With("component", "scripted-engine"),
	}
}

func (s *Scripted) CreateSession(ctx context.Context, id string, cfg SessionConfig) error {
	if cfg.Workspace != "" {
		info, err := os.Stat(cfg.Workspace)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWorkspace, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrWorkspace, cfg.Workspace)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return ErrSessionExists
	}
	s.sessions[id] = &SessionInfo{ID: id, Config: cfg, CreatedAt: time.Now()}
	s.logger.Debug("session created", "session_id", id, "model", cfg.Model)
	return nil
}

func (s *Scripted) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *info
	return &cp, nil
}

func (s *Scripted) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.logger.Debug("session deleted", "session_id", id)
	return nil
}

func (s *Scripted) Submit(ctx context.Context, id string, sub Submission) (*Run, error) {
	info, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	run := NewRun(16)
	go func() {
		runCtx := ctx
		if s.opts.CancelLag > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = lagged(ctx, s.opts.CancelLag)
			defer cancel()
		}
		run.Finish(s.process(runCtx, run, info, sub))
	}()
	return run, nil
}

// process walks the incidents. Its return value becomes the run's outcome.
func (s *Scripted) process(ctx context.Context, run *Run, info *SessionInfo, sub Submission) error {
	total := len(sub.Incidents)

	plan := make([]PlanEntry, 0, total)
	for _, inc := range sub.Incidents {
		plan = append(plan, PlanEntry{Content: fmt.Sprintf("fix %s (%s)", inc.ID, inc.RuleID), Status: "pending"})
	}
	if err := run.Emit(ctx, KindPlan, map[string]any{"entries": plan}); err != nil {
		return err
	}

	if s.opts.Elicit {
		reply, err := run.Ask(ctx, KindElicitation, ElicitationData{
			Prompt: "Any constraints to respect while fixing these incidents?",
			Schema: json.RawMessage(`{"type":"object","properties":{"notes":{"type":"string"}}}`),
		})
		if err != nil {
			return err
		}
		if err := run.Emit(ctx, KindThought, TextData{Text: "caller notes: " + string(reply.UserData)}); err != nil {
			return err
		}
	}

	for i, inc := range sub.Incidents {
		if err := s.drainInbox(ctx, run, sub.Inbox); err != nil {
			return err
		}

		steps := []struct {
			kind string
			data any
		}{
			{KindProgress, ProgressData{Percent: i * 100 / total, Stage: "analyzing", Message: fmt.Sprintf("incident %d of %d", i+1, total)}},
			{KindThought, TextData{Text: fmt.Sprintf("Rule %s reports: %s", inc.RuleID, inc.Message)}},
		}
		for _, st := range steps {
			if err := s.pause(ctx); err != nil {
				return err
			}
			if err := run.Emit(ctx, st.kind, st.data); err != nil {
				return err
			}
		}

		if inc.RuleID == s.opts.FailRule && s.opts.FailRule != "" {
			_ = run.Emit(ctx, KindError, ErrorData{Message: "cannot fix rule " + inc.RuleID, Recoverable: false})
			return fmt.Errorf("incident %s: %w", inc.ID, ErrEngineFailure)
		}

		if err := s.fix(ctx, run, info, inc); err != nil {
			return err
		}
	}

	if err := run.Emit(ctx, KindProgress, ProgressData{Percent: 100, Stage: "completed"}); err != nil {
		return err
	}
	return run.Emit(ctx, KindSystem, SystemData{Event: "run_finished", Message: fmt.Sprintf("%d incidents processed", total)})
}

func (s *Scripted) fix(ctx context.Context, run *Run, info *SessionInfo, inc Incident) error {
	path := inc.URI
	if path == "" {
		path = filepath.Join(info.Config.Workspace, inc.ID+".fix")
	}
	args, _ := json.Marshal(map[string]string{"path": path})
	callID := uuid.NewString()

	if err := run.Emit(ctx, KindToolCall, ToolCallData{ToolCallID: callID, Name: "write_file", Status: ToolStatusPending, Arguments: args}); err != nil {
		return err
	}

	reply, err := run.Ask(ctx, KindPermissionRequest, PermissionData{
		ToolCallID:  callID,
		Tool:        "write_file",
		Description: fmt.Sprintf("Apply fix for %s to %s", inc.RuleID, path),
		Arguments:   args,
	})
	if err != nil {
		return err
	}

	if reply.Decision != DecisionAllow {
		if err := run.Emit(ctx, KindToolCallUpdate, ToolCallData{ToolCallID: callID, Name: "write_file", Status: ToolStatusFailed, Result: "denied: " + reply.Reason}); err != nil {
			return err
		}
		return run.Emit(ctx, KindMessageChunk, TextData{Text: fmt.Sprintf("Skipped %s: write was not approved.", inc.ID)})
	}

	if err := s.pause(ctx); err != nil {
		return err
	}
	events := []struct {
		kind string
		data any
	}{
		{KindFileChange, FileChangeData{
			Path:       path,
			ChangeType: ChangeModify,
			Diff:       fmt.Sprintf("--- a/%[1]s\n+++ b/%[1]s\n@@ -1 +1 @@\n-// %[2]s\n+// fixed: %[2]s\n", filepath.Base(path), inc.RuleID),
		}},
		{KindToolCallUpdate, ToolCallData{ToolCallID: callID, Name: "write_file", Status: ToolStatusCompleted}},
		{KindMessageChunk, TextData{Text: fmt.Sprintf("Applied fix for %s.", inc.ID)}},
	}
	for _, ev := range events {
		if err := run.Emit(ctx, ev.kind, ev.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scripted) drainInbox(ctx context.Context, run *Run, inbox <-chan json.RawMessage) error {
	if inbox == nil {
		return nil
	}
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := run.Emit(ctx, KindThought, TextData{Text: "user input: " + string(msg)}); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Scripted) pause(ctx context.Context) error {
	if s.opts.Step <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opts.Step)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lagged returns a context cancelled lag after parent is.
func lagged(parent context.Context, lag time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(lag, func() { cancel(context.Cause(parent)) })
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

var _ Engine = (*Scripted)(nil)
