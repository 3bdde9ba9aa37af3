// ABOUTME: Handlers for kaiak/configure, kaiak/generate_fix and kaiak/delete_session
// ABOUTME: generate_fix holds the session lock for the whole engine run

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/2389/kaiak-gateway/internal/bridge"
	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/session"
)

// Incident limits per generate_fix call.
const (
	MaxIncidents     = 1000
	MaxWorkspacePath = 4096
)

var validSeverities = []string{"info", "warning", "error", "critical"}

// ConfigureResult answers kaiak/configure.
type ConfigureResult struct {
	Status     string            `json:"status"`
	BaseConfig config.BaseConfig `json:"base_config"`
}

// AgentConfig is the per-session configuration of a generate_fix call. It is
// only used when the call creates the session.
type AgentConfig struct {
	Workspace string `json:"workspace"`
	// OverrideBaseConfig is merged over the server's Base for this session.
	OverrideBaseConfig map[string]any `json:"override_base_config,omitempty"`
}

// GenerateFixParams are the params of kaiak/generate_fix.
type GenerateFixParams struct {
	SessionID        string            `json:"session_id,omitempty"`
	Incidents        []engine.Incident `json:"incidents"`
	MigrationContext json.RawMessage   `json:"migration_context,omitempty"`
	AgentConfig      *AgentConfig      `json:"agent_config,omitempty"`
}

// GenerateFixResult answers kaiak/generate_fix once the run has finished.
type GenerateFixResult struct {
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id"`
	Status         string    `json:"status"`
	SessionCreated bool      `json:"session_created"`
	IncidentCount  int       `json:"incident_count"`
	LastSequence   uint64    `json:"last_sequence"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// DeleteSessionParams are the params of kaiak/delete_session.
type DeleteSessionParams struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

// DeleteSessionResult answers kaiak/delete_session.
type DeleteSessionResult struct {
	SessionID string `json:"session_id"`
	Deleted   bool   `json:"deleted"`
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return jsonrpc.InvalidParams("params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.InvalidParams(err.Error())
	}
	return nil
}

func (g *Gateway) configure(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var fields map[string]any
	if err := decodeParams(params, &fields); err != nil {
		return nil, err
	}

	base, err := g.base.Apply(fields)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeConfigurationInvalid, "Invalid configuration", err.Error())
	}
	c.logger.Info("base configuration updated", "provider", base.Model.Provider, "model", base.Model.Model)
	return ConfigureResult{Status: "configured", BaseConfig: base}, nil
}

func (p *GenerateFixParams) validate() error {
	var result *multierror.Error

	switch n := len(p.Incidents); {
	case n == 0:
		result = multierror.Append(result, errors.New("at least one incident is required"))
	case n > MaxIncidents:
		result = multierror.Append(result, fmt.Errorf("at most %d incidents are accepted, got %d", MaxIncidents, n))
	}
	for i, inc := range p.Incidents {
		if inc.ID == "" {
			result = multierror.Append(result, fmt.Errorf("incidents[%d]: id is required", i))
		}
		if inc.RuleID == "" {
			result = multierror.Append(result, fmt.Errorf("incidents[%d]: rule_id is required", i))
		}
		if inc.Severity != "" && !slices.Contains(validSeverities, inc.Severity) {
			result = multierror.Append(result, fmt.Errorf("incidents[%d]: severity %q is not one of %v", i, inc.Severity, validSeverities))
		}
	}
	if ac := p.AgentConfig; ac != nil {
		switch {
		case ac.Workspace == "":
			result = multierror.Append(result, errors.New("agent_config.workspace must not be empty"))
		case len(ac.Workspace) > MaxWorkspacePath:
			result = multierror.Append(result, fmt.Errorf("agent_config.workspace is longer than %d bytes", MaxWorkspacePath))
		}
	}
	return result.ErrorOrNil()
}

// sessionConfig builds the configuration a new session is created with.
func (g *Gateway) sessionConfig(ac *AgentConfig) (session.Config, error) {
	base := g.base.Snapshot()
	var workspace string
	if ac != nil {
		workspace = ac.Workspace
		if ac.OverrideBaseConfig != nil {
			derived, err := g.base.Derive(ac.OverrideBaseConfig)
			if err != nil {
				return session.Config{}, jsonrpc.NewError(jsonrpc.CodeConfigurationInvalid, "Invalid override_base_config", err.Error())
			}
			base = derived
		}
	}

	return session.Config{
		Engine: engine.SessionConfig{
			Workspace:   workspace,
			Provider:    base.Model.Provider,
			Model:       base.Model.Model,
			Temperature: base.Model.Temperature,
			MaxTokens:   base.Model.MaxTokens,
			Tools:       base.Tools.Enabled,
		},
		Base: base,
	}, nil
}

func (g *Gateway) generateFix(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p GenerateFixParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	// An existing session keeps its configuration, so an override is only
	// resolved when the call may create the session.
	var cfg session.Config
	if _, err := g.registry.Get(sessionID); err != nil {
		if cfg, err = g.sessionConfig(p.AgentConfig); err != nil {
			return nil, err
		}
	}

	s, created, err := g.registry.CreateOrGet(ctx, sessionID, c.id, cfg)
	if err != nil {
		return nil, err
	}
	if !created && p.AgentConfig != nil {
		c.logger.Debug("reusing session, agent_config ignored", "session_id", sessionID)
	}

	guard, err := g.registry.Acquire(sessionID, c.id)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	requestID := uuid.NewString()
	logger := c.logger.With("session_id", sessionID, "request_id", requestID)

	if created {
		err := c.bridge.Publish(ctx, s, requestID, bridge.System{
			Event:   bridge.SystemSessionCreated,
			Message: fmt.Sprintf("session %s created", sessionID),
		})
		if err != nil {
			logger.Warn("failed to deliver notification", "kind", bridge.KindSystem, "event", bridge.SystemSessionCreated, "error", err)
		}
	}

	if err := s.SetStatus(session.StatusProcessing); err != nil {
		if s.Status() == session.StatusTerminated {
			return nil, session.ErrTerminated
		}
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard.SetCancel(cancel)

	logger.Info("processing incidents", "incidents", len(p.Incidents))
	run, err := g.engine.Submit(callCtx, sessionID, engine.Submission{
		RequestID: requestID,
		Incidents: p.Incidents,
		Inbox:     s.Inbox(),
	})
	if err != nil {
		g.finish(ctx, c, s, requestID, session.StatusError, bridge.SystemFailed, err.Error())
		return nil, fmt.Errorf("%w: %w", engine.ErrEngineFailure, err)
	}

	err = c.bridge.Forward(callCtx, s, requestID, run)
	switch {
	case err == nil:
		g.finish(ctx, c, s, requestID, session.StatusCompleted, bridge.SystemCompleted,
			fmt.Sprintf("%d incidents processed", len(p.Incidents)))
		logger.Info("incidents processed")
		return GenerateFixResult{
			RequestID:      requestID,
			SessionID:      sessionID,
			Status:         string(session.StatusCompleted),
			SessionCreated: created,
			IncidentCount:  len(p.Incidents),
			LastSequence:   s.LastSequence(),
			CreatedAt:      s.CreatedAt(),
			CompletedAt:    time.Now().UTC(),
		}, nil

	case callCtx.Err() != nil:
		g.finish(ctx, c, s, requestID, session.StatusError, bridge.SystemCancelled, "processing cancelled")
		logger.Info("processing cancelled")
		if s.Status() == session.StatusTerminated {
			return nil, fmt.Errorf("session deleted while processing: %w", session.ErrTerminated)
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeRequestCancelled, "Request cancelled", map[string]string{
			"session_id": sessionID,
			"request_id": requestID,
		})

	default:
		g.finish(ctx, c, s, requestID, session.StatusError, bridge.SystemFailed, err.Error())
		logger.Warn("processing failed", "error", err)
		if !errors.Is(err, engine.ErrEngineFailure) {
			err = fmt.Errorf("%w: %w", engine.ErrEngineFailure, err)
		}
		return nil, err
	}
}

// finish moves the session to its final status and publishes the terminal
// System notification. It runs before the lock is released.
func (g *Gateway) finish(ctx context.Context, c *conn, s *session.Session, requestID string, status session.Status, event, message string) {
	if err := s.SetStatus(status); err != nil {
		c.logger.Debug("final status not applied", "session_id", s.ID(), "status", status, "error", err)
	}
	if err := c.bridge.Terminal(ctx, s, requestID, event, message); err != nil {
		c.logger.Warn("terminal notification not delivered", "session_id", s.ID(), "error", err)
	}
}

func (g *Gateway) deleteSession(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p DeleteSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, jsonrpc.InvalidParams("session_id is required")
	}

	if err := g.registry.Delete(ctx, p.SessionID, p.Force); err != nil {
		return nil, err
	}
	c.logger.Info("session deleted by caller", "session_id", p.SessionID, "forced", p.Force)
	return DeleteSessionResult{SessionID: p.SessionID, Deleted: true}, nil
}
