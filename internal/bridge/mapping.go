// ABOUTME: Pure mapping from engine events to notification payloads.
// ABOUTME: Unknown kinds and undecodable bodies are reported as errors for the caller to drop.

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/kaiak-gateway/internal/engine"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrMalformed   = errors.New("malformed event body")
)

// Map converts one engine event. Permission requests and elicitations are not
// mapped here; they go through the approval gate.
func Map(ev engine.Event) (Payload, error) {
	switch ev.Kind {
	case engine.KindProgress:
		var d engine.ProgressData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return Progress{Percent: clampPercent(d.Percent), Stage: d.Stage, Message: d.Message}, nil

	case engine.KindMessageChunk:
		var d engine.TextData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return AIResponse{Text: d.Text, Partial: true}, nil

	case engine.KindThought:
		var d engine.TextData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return Thinking{Text: d.Text}, nil

	case engine.KindToolCall, engine.KindToolCallUpdate:
		var d engine.ToolCallData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return ToolCall{ToolCallID: d.ToolCallID, Name: d.Name, Status: d.Status, Arguments: d.Arguments, Result: d.Result}, nil

	case engine.KindFileChange:
		var d engine.FileChangeData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		if d.Path == "" {
			return nil, fmt.Errorf("%w: file change without path", ErrMalformed)
		}
		return FileModification{
			Path:            d.Path,
			ChangeType:      d.ChangeType,
			OriginalContent: d.OriginalContent,
			NewContent:      d.NewContent,
			Diff:            d.Diff,
		}, nil

	case engine.KindError:
		var d engine.ErrorData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return Error{Message: d.Message, Recoverable: d.Recoverable}, nil

	case engine.KindSystem:
		var d engine.SystemData
		if err := decode(ev, &d); err != nil {
			return nil, err
		}
		return System{Event: d.Event, Message: d.Message}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
}

func decode(ev engine.Event, v any) error {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, ev.Kind, err)
	}
	return nil
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
