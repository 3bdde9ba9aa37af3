// ABOUTME: JSON-RPC error object and the gateway's error code table.
// ABOUTME: Standard protocol codes plus session, interaction and configuration domain codes.

package jsonrpc

import "fmt"

// Standard JSON-RPC 2.0 codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain codes.
const (
	CodeSessionCreationFailed      = -32001
	CodeWorkspaceAccessDenied      = -32002
	CodeSessionNotFound            = -32003
	CodeSessionTerminated          = -32004
	CodeSessionBusy                = -32005
	CodeEngineFailure              = -32006
	CodeInteractionNotFound        = -32009
	CodeInteractionAlreadyAnswered = -32010
	CodeConfigurationInvalid       = -32014
	CodeResourceExhausted          = -32015
	CodePayloadTooLarge            = -32016

	// CodeRequestCancelled matches LSP's RequestCancelled.
	CodeRequestCancelled = -32800
)

// Error is the JSON-RPC error object. It is also a Go error so handlers can
// return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError builds an Error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MethodNotFound reports an unsupported method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found", map[string]string{"method": method})
}

// InvalidParams reports params that could not be decoded or validated.
func InvalidParams(reason string) *Error {
	return NewError(CodeInvalidParams, "Invalid params", reason)
}

// Internal reports an unexpected failure, keeping its message.
func Internal(err error) *Error {
	return NewError(CodeInternalError, "Internal error", err.Error())
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(sessionID, reason string) *Error {
	return NewError(CodeSessionNotFound, "Session not found", sessionData(sessionID, reason))
}

// SessionBusy reports a session locked by another caller.
func SessionBusy(sessionID, reason string) *Error {
	return NewError(CodeSessionBusy, "Session is busy", sessionData(sessionID, reason))
}

func sessionData(sessionID, reason string) map[string]string {
	return map[string]string{"session_id": sessionID, "reason": reason}
}
