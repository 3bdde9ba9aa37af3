// ABOUTME: Session registry: create-or-get, fail-fast lock acquisition, deletion and idle eviction.
// ABOUTME: Persists session records to the store and keeps the active-session gauge current.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/store"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrBusy              = errors.New("session is busy")
	ErrTerminated        = errors.New("session already terminated")
	ErrCreateFailed      = errors.New("session creation failed")
	ErrLimitReached      = errors.New("session limit reached")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Options configure a Registry.
type Options struct {
	Engine      engine.Engine
	Store       store.Store
	MaxSessions int
	IdleTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Registry maps session ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	engine      engine.Engine
	store       store.Store
	maxSessions int
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		engine:      opts.Engine,
		store:       st,
		maxSessions: opts.MaxSessions,
		idleTimeout: opts.IdleTimeout,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "session-registry"),
		now:         time.Now,
	}
}

// CreateOrGet returns the session with id, creating it with cfg if it does
// not exist. For an existing session cfg is ignored. The bool reports whether
// the session was created by this call.
func (r *Registry) CreateOrGet(ctx context.Context, id, owner string, cfg Config) (*Session, bool, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return r.awaitReady(ctx, s)
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d sessions", ErrLimitReached, r.maxSessions)
	}
	s := newSession(id, owner, cfg, r.now())
	r.sessions[id] = s
	r.mu.Unlock()

	if err := r.engine.CreateSession(ctx, id, cfg.Engine); err != nil {
		s.mu.Lock()
		s.createErr = err
		s.status = StatusError
		s.mu.Unlock()
		close(s.ready)

		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()

		r.logger.Warn("session creation failed", "session_id", id, "error", err)
		return nil, false, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	s.mu.Lock()
	s.status = StatusReady
	s.mu.Unlock()
	close(s.ready)

	r.persist(ctx, s)
	r.updateGauge()
	r.logger.Info("session created", "session_id", id, "owner", owner, "model", cfg.Engine.Model)
	return s, true, nil
}

func (r *Registry) awaitReady(ctx context.Context, s *Session) (*Session, bool, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCreateFailed, s.createErr)
	}
	if s.status == StatusTerminated {
		return nil, false, ErrTerminated
	}
	return s, false, nil
}

// Get returns a ready session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-s.ready:
	default:
		return nil, ErrBusy
	}
	if s.Status() == StatusTerminated {
		return nil, ErrTerminated
	}
	return s, nil
}

// Acquire takes the session's lock for holder. It never waits.
func (r *Registry) Acquire(id, holder string) (*Guard, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusTerminated {
		return nil, ErrTerminated
	}
	if s.holder != "" {
		return nil, ErrBusy
	}
	s.holder = holder
	s.owner = holder
	s.lastActivity = r.now()
	return &Guard{session: s, registry: r, holder: holder}, nil
}

// Delete removes a session. A locked session is only removed with force, in
// which case its in-flight call is cancelled. The engine is cleaned up first;
// if that fails the session stays registered.
func (r *Registry) Delete(ctx context.Context, id string, force bool) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if s.status == StatusCreating {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.holder != "" && !force {
		s.mu.Unlock()
		return ErrBusy
	}
	prev := s.status
	s.status = StatusTerminated
	cancel := s.cancel
	s.mu.Unlock()

	if err := r.engine.DeleteSession(ctx, id); err != nil && !errors.Is(err, engine.ErrSessionNotFound) {
		s.mu.Lock()
		s.status = prev
		s.mu.Unlock()
		return fmt.Errorf("engine cleanup for session %s: %w", id, err)
	}

	if cancel != nil {
		cancel()
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("failed to delete session record", "session_id", id, "error", err)
	}
	r.updateGauge()
	r.logger.Info("session deleted", "session_id", id, "forced", force)
	return nil
}

// Sessions returns a snapshot of every registered session.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle deletes unlocked sessions idle for longer than the idle timeout.
func (r *Registry) EvictIdle(ctx context.Context) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)

	evicted := 0
	for _, info := range r.Sessions() {
		if info.Locked || info.Status == StatusCreating || info.LastActivity.After(cutoff) {
			continue
		}
		if err := r.Delete(ctx, info.ID, false); err != nil {
			r.logger.Debug("idle eviction skipped", "session_id", info.ID, "error", err)
			continue
		}
		r.logger.Info("evicted idle session", "session_id", info.ID, "idle_since", info.LastActivity)
		evicted++
	}
	return evicted
}

// Run evicts idle sessions periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	interval := min(r.idleTimeout/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx)
		}
	}
}

// Close terminates every session in the engine. Used on shutdown.
func (r *Registry) Close(ctx context.Context) {
	for _, info := range r.Sessions() {
		if err := r.Delete(ctx, info.ID, true); err != nil {
			r.logger.Warn("failed to close session", "session_id", info.ID, "error", err)
		}
	}
}

func (r *Registry) persist(ctx context.Context, s *Session) {
	info := s.Info()
	cfg, err := json.Marshal(s.cfg)
	if err != nil {
		r.logger.Warn("failed to encode session config", "session_id", s.id, "error", err)
	}
	rec := &store.Session{
		ID:        info.ID,
		Status:    string(info.Status),
		Owner:     info.Owner,
		Workspace: s.cfg.Engine.Workspace,
		Config:    cfg,
		CreatedAt: info.CreatedAt,
		UpdatedAt: r.now(),
	}
	if err := r.store.SaveSession(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to persist session", "session_id", s.id, "error", err)
	}
}

func (r *Registry) updateGauge() {
	r.metrics.SetActiveSessions(r.Len())
}

// Guard is a held session lock.
type Guard struct {
	session  *Session
	registry *Registry
	holder   string
	once     sync.Once
}

// Session returns the locked session.
func (g *Guard) Session() *Session { return g.session }

// SetCancel registers the in-flight call's cancel func, used by control
// signals and forced deletion.
func (g *Guard) SetCancel(cancel func()) {
	s := g.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == g.holder {
		s.cancel = cancel
	}
}

// Release frees the lock. Only the first call has any effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		s := g.session
		s.mu.Lock()
		if s.holder == g.holder {
			s.holder = ""
			s.cancel = nil
		}
		s.lastActivity = g.registry.now()
		terminated := s.status == StatusTerminated
		s.mu.Unlock()

		if !terminated {
			g.registry.persist(context.Background(), s)
		}
	})
}
