// ABOUTME: Router maps call methods to handlers and domain errors to wire codes
// ABOUTME: The method set is closed; unknown methods never touch session state

package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/session"
)

type handlerFunc func(g *Gateway, ctx context.Context, c *conn, params json.RawMessage) (any, error)

var routes = map[string]handlerFunc{
	jsonrpc.MethodConfigure:     (*Gateway).configure,
	jsonrpc.MethodGenerateFix:   (*Gateway).generateFix,
	jsonrpc.MethodDeleteSession: (*Gateway).deleteSession,
}

// route runs the handler for method and converts its error for the wire.
func (g *Gateway) route(ctx context.Context, c *conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
	h, ok := routes[method]
	if !ok {
		return nil, jsonrpc.MethodNotFound(method)
	}
	result, err := h(g, ctx, c, params)
	if err != nil {
		rpcErr := toRPCError(err, gjson.GetBytes(params, "session_id").String())
		if rpcErr.Code == jsonrpc.CodeInternalError {
			c.logger.Error("call failed", "method", method, "error", err)
		} else {
			c.logger.Info("call rejected", "method", method, "code", rpcErr.Code, "error", err)
		}
		return nil, rpcErr
	}
	return result, nil
}

// toRPCError maps domain errors to coded wire errors. Anything unmapped
// becomes an internal error that keeps the original message. sessionID is
// the session the call named, if any.
func toRPCError(err error, sessionID string) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, engine.ErrWorkspace):
		return jsonrpc.NewError(jsonrpc.CodeWorkspaceAccessDenied, "Workspace access denied", err.Error())
	case errors.Is(err, session.ErrCreateFailed):
		return jsonrpc.NewError(jsonrpc.CodeSessionCreationFailed, "Session creation failed", err.Error())
	case errors.Is(err, session.ErrNotFound):
		return jsonrpc.SessionNotFound(sessionID, err.Error())
	case errors.Is(err, session.ErrBusy):
		return jsonrpc.SessionBusy(sessionID, err.Error())
	case errors.Is(err, session.ErrTerminated):
		return jsonrpc.NewError(jsonrpc.CodeSessionTerminated, "Session already terminated", err.Error())
	case errors.Is(err, session.ErrLimitReached):
		return jsonrpc.NewError(jsonrpc.CodeResourceExhausted, "Session limit reached", err.Error())
	case errors.Is(err, engine.ErrEngineFailure):
		return jsonrpc.NewError(jsonrpc.CodeEngineFailure, "Engine failure", err.Error())
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewError(jsonrpc.CodeRequestCancelled, "Request cancelled", err.Error())
	default:
		return jsonrpc.Internal(err)
	}
}
