// ABOUTME: JSON-RPC 2.0 message union with decoding rules and constructors.
// ABOUTME: Recovers correlation ids from malformed payloads so parse errors can be answered.

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Kind identifies which variant a Message holds.
type Kind int

const (
	KindCall Kind = iota + 1
	KindResult
	KindError
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// ID is a correlation id kept as its raw JSON text (a string or a number).
// The empty ID means "absent".
type ID string

// StringID builds a string correlation id.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// IntID builds a numeric correlation id.
func IntID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool {
	return id == "" || id == "null"
}

// MarshalJSON emits the raw id, or null when absent.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// Message is one JSON-RPC message. Only the fields relevant to Kind are set.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// DecodeError describes a payload that could not be turned into a Message.
// ID is set when the payload still carried a recognizable correlation id.
type DecodeError struct {
	ID  ID
	Err *Error
}

func (e *DecodeError) Error() string {
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses one payload.
func Decode(payload []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, &DecodeError{Err: NewError(CodeInvalidRequest, "batch requests are not supported", nil)}
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{
			ID:  recoverID(trimmed),
			Err: NewError(CodeParseError, "Parse error", err.Error()),
		}
	}

	id := ID(bytes.TrimSpace(w.ID))
	if !id.IsZero() && !validID(id) {
		return nil, &DecodeError{Err: NewError(CodeInvalidRequest, "id must be a string or number", nil)}
	}
	if id.IsZero() {
		id = ""
	}

	if w.JSONRPC != Version {
		return nil, &DecodeError{ID: id, Err: NewError(CodeInvalidRequest, "Invalid JSON-RPC version", nil)}
	}

	switch {
	case w.Method != "" && !id.IsZero():
		if err := validateMethod(w.Method); err != nil {
			return nil, &DecodeError{ID: id, Err: err}
		}
		return &Message{Kind: KindCall, ID: id, Method: w.Method, Params: w.Params}, nil

	case w.Method != "":
		if err := validateMethod(w.Method); err != nil {
			return nil, &DecodeError{Err: err}
		}
		return &Message{Kind: KindNotification, Method: w.Method, Params: w.Params}, nil

	case !id.IsZero() && w.Error != nil:
		return &Message{Kind: KindError, ID: id, Error: w.Error}, nil

	case !id.IsZero() && w.Result != nil:
		return &Message{Kind: KindResult, ID: id, Result: w.Result}, nil

	default:
		return nil, &DecodeError{ID: id, Err: NewError(CodeInvalidRequest, "Invalid Request", nil)}
	}
}

// Encode serializes a Message for the wire.
func Encode(m *Message) ([]byte, error) {
	w := wireMessage{JSONRPC: Version}

	switch m.Kind {
	case KindCall:
		w.ID = json.RawMessage(m.ID)
		w.Method = m.Method
		w.Params = m.Params
	case KindNotification:
		w.Method = m.Method
		w.Params = m.Params
	case KindResult:
		w.ID = idOrNull(m.ID)
		w.Result = m.Result
		if w.Result == nil {
			w.Result = json.RawMessage("null")
		}
	case KindError:
		w.ID = idOrNull(m.ID)
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("cannot encode message of kind %v", m.Kind)
	}

	return json.Marshal(w)
}

// NewCall builds a Call with marshaled params.
func NewCall(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindCall, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification with marshaled params.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a Result for the given call id.
func NewResult(id ID, value any) (*Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{Kind: KindResult, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an Error response for the given call id.
func NewErrorResponse(id ID, err *Error) *Message {
	return &Message{Kind: KindError, ID: id, Error: err}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return raw, nil
}

func idOrNull(id ID) json.RawMessage {
	if id.IsZero() {
		return json.RawMessage("null")
	}
	return json.RawMessage(id)
}

func validID(id ID) bool {
	switch c := id[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	default:
		return false
	}
}

func validateMethod(method string) *Error {
	if len(method) >= 4 && method[:4] == "rpc." {
		return NewError(CodeInvalidRequest, "Method names starting with 'rpc.' are reserved", nil)
	}
	return nil
}

// recoverID scans a malformed payload for a top-level id. gjson tolerates
// truncated documents, which is exactly the case of a half-written frame.
func recoverID(payload []byte) ID {
	res := gjson.GetBytes(payload, "id")
	switch res.Type {
	case gjson.String, gjson.Number:
		return ID(res.Raw)
	default:
		return ""
	}
}
