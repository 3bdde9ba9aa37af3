// ABOUTME: Session state, status transitions and the per-session sequence counter.
// ABOUTME: Each Session carries its own mutex, config snapshot, inbox and in-flight cancel func.

package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

var transitions = map[Status][]Status{
	StatusCreating:   {StatusReady, StatusError},
	StatusReady:      {StatusProcessing},
	StatusProcessing: {StatusWaiting, StatusCompleted, StatusError},
	StatusWaiting:    {StatusProcessing, StatusCompleted, StatusError},
	StatusCompleted:  {StatusProcessing},
	StatusError:      {StatusProcessing},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if to == StatusTerminated {
		return from != StatusTerminated
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InboxSize is the capacity of a session's inbound queue.
const InboxSize = 64

// Config is what a session is created with and keeps for its lifetime.
type Config struct {
	Engine engine.SessionConfig `json:"engine"`
	Base   config.BaseConfig    `json:"base"`
}

// Session is one registry entry.
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	ready     chan struct{}
	inbox     chan json.RawMessage
	seq       atomic.Uint64

	emitMu sync.Mutex
	gap    bool

	mu           sync.Mutex
	status       Status
	holder       string
	owner        string
	lastActivity time.Time
	createErr    error
	cancel       func()
	allowed      map[string]bool
}

func newSession(id, owner string, cfg Config, now time.Time) *Session {
	return &Session{
		id:           id,
		createdAt:    now,
		cfg:          cfg,
		ready:        make(chan struct{}),
		inbox:        make(chan json.RawMessage, InboxSize),
		status:       StatusCreating,
		owner:        owner,
		lastActivity: now,
		allowed:      make(map[string]bool),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Config returns the configuration snapshot the session was created with.
func (s *Session) Config() Config {
	cfg := s.cfg
	cfg.Base = cfg.Base.Clone()
	return cfg
}

// Inbox is the queue of caller input for the engine.
func (s *Session) Inbox() chan json.RawMessage { return s.inbox }

// NextSequence returns the next event sequence number, starting at 1.
func (s *Session) NextSequence() uint64 { return s.seq.Add(1) }

// Emit runs send with the next sequence number while holding the session's
// emit lock, so envelopes leave in sequence order. gap is true when an earlier
// send failed since the last successful one. A failed send marks a gap for the
// next call.
func (s *Session) Emit(send func(seq uint64, gap bool) error) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	seq := s.NextSequence()
	if err := send(seq, s.gap); err != nil {
		s.gap = true
		return err
	}
	s.gap = false
	return nil
}

// LastSequence returns the last sequence number handed out.
func (s *Session) LastSequence() uint64 { return s.seq.Load() }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Owner returns the connection that created or last drove the session.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Locked reports whether a caller holds the session.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder != ""
}

// LastActivity returns when the session was last touched.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetStatus moves the session to status if the move is legal.
func (s *Session) SetStatus(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(to)
}

func (s *Session) setStatusLocked(to Status) error {
	if s.status == to {
		return nil
	}
	if !CanTransition(s.status, to) {
		return fmt.Errorf("session %s: %s -> %s: %w", s.id, s.status, to, ErrInvalidTransition)
	}
	s.status = to
	s.lastActivity = time.Now()
	return nil
}

// AllowTool records a session-scoped always-allow rule.
func (s *Session) AllowTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[strings.ToLower(name)] = true
}

// ToolAllowed reports whether AllowTool was called for name.
func (s *Session) ToolAllowed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[strings.ToLower(name)]
}

// Cancel cancels the in-flight call, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Deliver queues caller input without blocking. It reports false when the
// inbox is full.
func (s *Session) Deliver(msg json.RawMessage) bool {
	select {
	case s.inbox <- msg:
		return true
	default:
		return false
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string
	Status       Status
	Owner        string
	Locked       bool
	CreatedAt    time.Time
	LastActivity time.Time
	LastSequence uint64
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Status:       s.status,
		Owner:        s.owner,
		Locked:       s.holder != "",
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		LastSequence: s.seq.Load(),
	}
}
