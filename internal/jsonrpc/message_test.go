// ABOUTME: Tests for JSON-RPC decoding rules and encoding.
// ABOUTME: Covers kind classification, id recovery from malformed payloads and reserved names.

package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Classification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    Kind
		id      ID
		method  string
	}{
		{"call with number id", `{"jsonrpc":"2.0","id":1,"method":"kaiak/configure","params":{}}`, KindCall, "1", "kaiak/configure"},
		{"call with string id", `{"jsonrpc":"2.0","id":"abc","method":"m"}`, KindCall, `"abc"`, "m"},
		{"notification", `{"jsonrpc":"2.0","method":"kaiak/client/user_message","params":{}}`, KindNotification, "", "kaiak/client/user_message"},
		{"notification with null id", `{"jsonrpc":"2.0","id":null,"method":"n"}`, KindNotification, "", "n"},
		{"result", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, KindResult, "7", ""},
		{"null result", `{"jsonrpc":"2.0","id":7,"result":null}`, KindResult, "7", ""},
		{"error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32003,"message":"Session not found"}}`, KindError, "7", ""},
		{"unknown fields ignored", `{"jsonrpc":"2.0","id":2,"method":"m","extra":{"x":1}}`, KindCall, "2", "m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.id, msg.ID)
			assert.Equal(t, tt.method, msg.Method)
		})
	}
}

func TestDecode_ErrorResponseCarriesCode(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x","error":{"code":-32005,"message":"Session is busy"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeSessionBusy, msg.Error.Code)
}

func TestDecode_MalformedWithRecoverableID(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"method":"kaiak/configure","params":{"model":`))

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ID("42"), de.ID)
	assert.Equal(t, CodeParseError, de.Err.Code)
}

func TestDecode_MalformedWithoutID(t *testing.T) {
	_, err := Decode([]byte(`not json at all`))

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.True(t, de.ID.IsZero())
	assert.Equal(t, CodeParseError, de.Err.Code)
}

func TestDecode_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		hasID   bool
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`, true},
		{"no method no id", `{"jsonrpc":"2.0"}`, false},
		{"id without result or error", `{"jsonrpc":"2.0","id":3}`, true},
		{"reserved method", `{"jsonrpc":"2.0","id":4,"method":"rpc.discover"}`, true},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"method":"m"}`, false},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"m"}]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, CodeInvalidRequest, de.Err.Code)
			assert.Equal(t, tt.hasID, !de.ID.IsZero())
		})
	}
}

func TestEncode_Result(t *testing.T) {
	msg, err := NewResult(StringID("req-1"), map[string]string{"status": "completed"})
	require.NoError(t, err)

	raw, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req-1","result":{"status":"completed"}}`, string(raw))
}

func TestEncode_ErrorWithoutIDUsesNull(t *testing.T) {
	raw, err := Encode(NewErrorResponse("", NewError(CodeParseError, "Parse error", nil)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(raw))
}

func TestEncode_NotificationHasNoID(t *testing.T) {
	msg, err := NewNotification(MethodStreamProgress, map[string]int{"percentage": 50})
	require.NoError(t, err)

	raw, err := Encode(msg)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	_, hasID := generic["id"]
	assert.False(t, hasID)
	assert.JSONEq(t, `"kaiak/stream/progress"`, string(generic["method"]))
}

func TestEncode_CallRoundTrip(t *testing.T) {
	msg, err := NewCall(IntID(9), MethodDeleteSession, map[string]any{"session_id": "s1", "force": true})
	require.NoError(t, err)

	raw, err := Encode(msg)
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindCall, back.Kind)
	assert.Equal(t, IntID(9), back.ID)
	assert.JSONEq(t, `{"session_id":"s1","force":true}`, string(back.Params))
}

func TestSessionErrorsCarrySessionID(t *testing.T) {
	for _, e := range []*Error{SessionNotFound("s1", "gone"), SessionBusy("s1", "locked")} {
		data, ok := e.Data.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, "s1", data["session_id"])
		assert.NotEmpty(t, data["reason"])
	}
	assert.Equal(t, CodeSessionNotFound, SessionNotFound("s1", "").Code)
	assert.Equal(t, CodeSessionBusy, SessionBusy("s1", "").Code)
}
