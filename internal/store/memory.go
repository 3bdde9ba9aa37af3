// ABOUTME: In-memory Store implementation
// ABOUTME: Used when no storage path is configured and by tests that do not need SQLite

package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps records in maps guarded by a single RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	events   map[string][]*Event // keyed by session id, ascending sequence
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]*Event),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.Config = slices.Clone(s.Config)
	if existing, ok := m.sessions[s.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[e.SessionID]
	i, found := slices.BinarySearchFunc(list, e.Sequence, func(ev *Event, seq uint64) int {
		return cmp.Compare(ev.Sequence, seq)
	})
	if found {
		return ErrDuplicateEvent
	}

	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	m.events[e.SessionID] = slices.Insert(list, i, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sessionID string, after uint64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.events[sessionID]
	start, _ := slices.BinarySearchFunc(list, after+1, func(ev *Event, seq uint64) int {
		return cmp.Compare(ev.Sequence, seq)
	})

	limit = normalizeLimit(limit)
	var out []*Event
	for _, e := range list[start:] {
		if len(out) == limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
