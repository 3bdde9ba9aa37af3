// ABOUTME: Store interface and record types for session and ledger persistence
// ABOUTME: Shared by the SQLite and in-memory implementations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when a (session, sequence) pair is appended twice.
var ErrDuplicateEvent = errors.New("event already recorded")

// Ledger listing limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Session is the persisted view of a session.
type Session struct {
	ID        string
	Status    string
	Owner     string
	Workspace string
	// Config is the JSON snapshot of the configuration the session was created with.
	Config    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one delivered notification envelope.
type Event struct {
	SessionID string
	Sequence  uint64
	RequestID string
	Method    string
	Payload   json.RawMessage
	Gap       bool
	Timestamp time.Time
}

// Store is the persistence surface used by the session registry and the event bridge.
type Store interface {
	// SaveSession inserts or replaces a session record.
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e *Event) error
	// ListEvents returns events with Sequence > after, ascending.
	ListEvents(ctx context.Context, sessionID string, after uint64, limit int) ([]*Event, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
