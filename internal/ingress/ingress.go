// ABOUTME: Per-connection admission of kaiak/client/user_message notifications.
// ABOUTME: Enforces size, rate, ownership and replay checks, then routes by message type.

package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/dedupe"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/session"
)

// Limits.
const (
	MaxNotificationBytes = 1 << 20
	RateLimit            = 100
	RateWindow           = time.Minute
)

// Message types.
const (
	TypeUserInput           = "user_input"
	TypeControlSignal       = "control_signal"
	TypeToolConfirmation    = "tool_confirmation"
	TypeElicitationResponse = "elicitation_response"
)

// UserMessage is the params object of kaiak/client/user_message.
type UserMessage struct {
	SessionID      string          `json:"session_id"`
	MessageType    string          `json:"message_type"`
	Timestamp      string          `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	NotificationID string          `json:"notification_id,omitempty"`
}

type controlSignal struct {
	Action string `json:"action"`
}

type toolConfirmation struct {
	InteractionID string `json:"interaction_id"`
	Action        string `json:"action"`
}

type elicitationResponse struct {
	InteractionID string          `json:"interaction_id"`
	UserData      json.RawMessage `json:"user_data"`
}

// Rejection explains why a notification was refused.
type Rejection struct {
	Code           int    `json:"code"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
	SessionID      string `json:"session_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("notification rejected (%s): %s", r.Reason, r.Message)
}

// Outcome reports what an admitted notification did.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeAnswered  Outcome = "answered"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeIdle      Outcome = "idle"
	OutcomeDuplicate Outcome = "duplicate"
)

// Ingress admits notifications for one connection.
type Ingress struct {
	connID   string
	registry *session.Registry
	gate     *approval.Gate
	replays  *dedupe.Window
	limiter  *SlidingWindow
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates the ingress for connection connID. replays is shared across
// connections so a resent notification is recognised after a reconnect.
func New(connID string, registry *session.Registry, gate *approval.Gate, replays *dedupe.Window, m *metrics.Metrics, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		connID:   connID,
		registry: registry,
		gate:     gate,
		replays:  replays,
		limiter:  NewSlidingWindow(RateLimit, RateWindow),
		metrics:  m,
		logger:   logger.With("component", "ingress", "conn_id", connID),
	}
}

// Handle admits one notification. The size limit applies to the serialized
// params, which carry the session id, message type and payload.
func (in *Ingress) Handle(params json.RawMessage) (Outcome, error) {
	if size := len(params); size > MaxNotificationBytes {
		return "", in.reject(&Rejection{
			Code:    jsonrpc.CodePayloadTooLarge,
			Reason:  "payload_too_large",
			Message: fmt.Sprintf("notification is %d bytes, limit is %d", size, MaxNotificationBytes),
		})
	}
	if !in.limiter.Allow() {
		return "", in.reject(&Rejection{
			Code:    jsonrpc.CodeResourceExhausted,
			Reason:  "rate_limited",
			Message: fmt.Sprintf("more than %d notifications per %s", RateLimit, RateWindow),
		})
	}

	var msg UserMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		return "", in.reject(invalid("", "", "params are not a user message object: "+err.Error()))
	}
	if msg.SessionID == "" {
		return "", in.reject(invalid("", msg.NotificationID, "session_id is required"))
	}
	if msg.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err != nil {
			return "", in.reject(invalid(msg.SessionID, msg.NotificationID, "timestamp is not RFC 3339"))
		}
	}

	s, err := in.registry.Get(msg.SessionID)
	if err != nil || s.Owner() != in.connID {
		return "", in.reject(&Rejection{
			Code:           jsonrpc.CodeSessionNotFound,
			Reason:         "session_not_owned",
			Message:        "session not found for this connection",
			SessionID:      msg.SessionID,
			NotificationID: msg.NotificationID,
		})
	}

	if msg.NotificationID != "" && !in.replays.Claim(msg.NotificationID) {
		in.logger.Debug("duplicate notification ignored", "notification_id", msg.NotificationID)
		return OutcomeDuplicate, nil
	}

	outcome, rej := in.route(s, &msg)
	if rej != nil {
		if msg.NotificationID != "" {
			in.replays.Forget(msg.NotificationID)
		}
		rej.SessionID = msg.SessionID
		rej.NotificationID = msg.NotificationID
		return "", in.reject(rej)
	}
	return outcome, nil
}

func (in *Ingress) route(s *session.Session, msg *UserMessage) (Outcome, *Rejection) {
	switch msg.MessageType {
	case TypeUserInput:
		if !s.Deliver(msg.Payload) {
			return "", &Rejection{Code: jsonrpc.CodeResourceExhausted, Reason: "inbox_full", Message: "session inbox is full"}
		}
		return OutcomeDelivered, nil

	case TypeControlSignal:
		var sig controlSignal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil || sig.Action != "cancel" {
			return "", invalid("", "", `control_signal payload must be {"action":"cancel"}`)
		}
		if !s.Cancel() {
			return OutcomeIdle, nil
		}
		in.logger.Info("call cancelled by caller", "session_id", s.ID())
		return OutcomeCancelled, nil

	case TypeToolConfirmation:
		var tc toolConfirmation
		if err := json.Unmarshal(msg.Payload, &tc); err != nil || tc.InteractionID == "" {
			return "", invalid("", "", "tool_confirmation needs interaction_id and action")
		}
		err := in.gate.Respond(s.ID(), tc.InteractionID, approval.Response{Type: approval.KindToolConfirmation, Action: tc.Action})
		return answered(err)

	case TypeElicitationResponse:
		var er elicitationResponse
		if err := json.Unmarshal(msg.Payload, &er); err != nil || er.InteractionID == "" {
			return "", invalid("", "", "elicitation_response needs interaction_id")
		}
		err := in.gate.Respond(s.ID(), er.InteractionID, approval.Response{Type: approval.KindElicitation, UserData: er.UserData})
		return answered(err)

	default:
		return "", invalid("", "", fmt.Sprintf("unknown message_type %q", msg.MessageType))
	}
}

func answered(err error) (Outcome, *Rejection) {
	switch {
	case err == nil:
		return OutcomeAnswered, nil
	case errors.Is(err, approval.ErrInteractionNotFound):
		return "", &Rejection{Code: jsonrpc.CodeInteractionNotFound, Reason: "interaction_not_found", Message: err.Error()}
	case errors.Is(err, approval.ErrAlreadyAnswered):
		return "", &Rejection{Code: jsonrpc.CodeInteractionAlreadyAnswered, Reason: "interaction_already_answered", Message: err.Error()}
	default:
		return "", invalid("", "", err.Error())
	}
}

func invalid(sessionID, notificationID, message string) *Rejection {
	return &Rejection{
		Code:           jsonrpc.CodeInvalidParams,
		Reason:         "invalid",
		Message:        message,
		SessionID:      sessionID,
		NotificationID: notificationID,
	}
}

func (in *Ingress) reject(r *Rejection) error {
	in.metrics.RecordRejected(r.Reason)
	in.logger.Warn("notification rejected", "reason", r.Reason, "session_id", r.SessionID, "message", r.Message)
	return r
}
