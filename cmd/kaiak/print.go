// ABOUTME: Colorized rendering of stream notifications and ledger entries
// ABOUTME: Shared by the submit and history commands

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// streamEnvelope mirrors the params of a kaiak/stream/* notification with the
// payload left undecoded.
type streamEnvelope struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id,omitempty"`
	Sequence  uint64          `json:"sequence_number,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Gap       bool            `json:"gap,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

var (
	kindColors = map[string]*color.Color{
		"progress":          color.New(color.FgCyan),
		"ai_response":       color.New(color.FgWhite),
		"tool_call":         color.New(color.FgBlue),
		"thinking":          color.New(color.FgHiBlack),
		"user_interaction":  color.New(color.FgYellow, color.Bold),
		"file_modification": color.New(color.FgGreen),
		"error":             color.New(color.FgRed, color.Bold),
		"system":            color.New(color.FgMagenta),
	}
	plain = color.New(color.Reset)
)

func printEnvelope(w io.Writer, env streamEnvelope) {
	c, ok := kindColors[env.Kind]
	if !ok {
		c = plain
	}

	seq := "   -"
	if env.Sequence > 0 {
		seq = fmt.Sprintf("%4d", env.Sequence)
	}
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(w, "%s %s ", env.Timestamp.Local().Format("15:04:05"), seq)
	c.Fprintf(w, "%-17s", env.Kind)
	if env.Gap {
		color.New(color.FgRed).Fprint(w, " [gap]")
	}
	fmt.Fprintf(w, " %s\n", summarize(env.Kind, env.Payload))
}

// summarize renders the interesting fields of a payload on one line.
func summarize(kind string, payload json.RawMessage) string {
	var p map[string]any
	if err := json.Unmarshal(payload, &p); err != nil {
		return string(payload)
	}
	str := func(k string) string {
		if v, ok := p[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch kind {
	case "progress":
		return fmt.Sprintf("%3s%% %s %s", str("percent"), str("stage"), str("message"))
	case "ai_response", "thinking":
		return oneLine(str("text"))
	case "tool_call":
		return fmt.Sprintf("%s (%s) %s", str("name"), str("status"), oneLine(str("result")))
	case "user_interaction":
		return fmt.Sprintf("%s %s: %s", str("interaction_type"), str("interaction_id"), oneLine(str("prompt")))
	case "file_modification":
		return fmt.Sprintf("%s %s", str("change_type"), str("path"))
	case "error":
		return fmt.Sprintf("[%s] %s", str("code"), str("message"))
	case "system":
		return strings.TrimSpace(str("event") + " " + str("message"))
	default:
		return string(payload)
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
