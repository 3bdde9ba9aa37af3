// ABOUTME: Tests for the session registry and lock manager
// ABOUTME: Covers lock exclusivity, reuse policy, deletion rules, limits and idle eviction

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flakyEngine struct {
	*engine.Scripted
	deleteErr error
}

func (f *flakyEngine) DeleteSession(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Scripted.DeleteSession(ctx, id)
}

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Engine == nil {
		opts.Engine = engine.NewScripted(engine.ScriptedOptions{})
	}
	return NewRegistry(opts)
}

func cfgWithModel(model string) Config {
	return Config{
		Engine: engine.SessionConfig{Model: model},
		Base:   config.BaseConfig{Model: config.ModelConfig{Provider: "openai", Model: model}},
	}
}

func TestCreateOrGet_CreatesOnce(t *testing.T) {
	st := store.NewMemoryStore()
	r := newRegistry(t, Options{Store: st})
	ctx := t.Context()

	s, created, err := r.CreateOrGet(ctx, "new-id", "conn-1", cfgWithModel("first"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusReady, s.Status())
	assert.Equal(t, "conn-1", s.Owner())

	again, created, err := r.CreateOrGet(ctx, "new-id", "conn-1", cfgWithModel("different"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.Equal(t, "first", again.Config().Engine.Model, "existing session keeps its configuration")
	assert.Equal(t, "first", again.Config().Base.Model.Model)

	rec, err := st.GetSession(ctx, "new-id")
	require.NoError(t, err)
	var snap Config
	require.NoError(t, json.Unmarshal(rec.Config, &snap))
	assert.Equal(t, "first", snap.Engine.Model)
}

func TestCreateOrGet_EngineFailure(t *testing.T) {
	r := newRegistry(t, Options{})

	_, _, err := r.CreateOrGet(t.Context(), "bad", "conn", Config{Engine: engine.SessionConfig{Workspace: "/definitely/not/here"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreateFailed)
	assert.ErrorIs(t, err, engine.ErrWorkspace)
	assert.Equal(t, 0, r.Len())

	_, err = r.Get("bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateOrGet_Limit(t *testing.T) {
	r := newRegistry(t, Options{MaxSessions: 2})
	ctx := t.Context()

	for _, id := range []string{"a", "b"} {
		_, _, err := r.CreateOrGet(ctx, id, "conn", Config{})
		require.NoError(t, err)
	}
	_, _, err := r.CreateOrGet(ctx, "c", "conn", Config{})
	assert.ErrorIs(t, err, ErrLimitReached)

	_, _, err = r.CreateOrGet(ctx, "a", "conn", Config{})
	assert.NoError(t, err, "reuse does not count against the limit")
}

func TestAcquire_Exclusive(t *testing.T) {
	r := newRegistry(t, Options{})
	_, _, err := r.CreateOrGet(t.Context(), "s", "conn", Config{})
	require.NoError(t, err)

	var (
		wins, busy atomic.Int32
		wg         sync.WaitGroup
		guards     = make(chan *Guard, 100)
		start      = make(chan struct{})
	)
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			g, err := r.Acquire("s", "caller")
			switch {
			case err == nil:
				wins.Add(1)
				guards <- g
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(guards)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(99), busy.Load())
	for g := range guards {
		g.Release()
	}
}

func TestAcquire_FailsFastWhileHeld(t *testing.T) {
	r := newRegistry(t, Options{})
	_, _, err := r.CreateOrGet(t.Context(), "s", "conn-a", Config{})
	require.NoError(t, err)

	g, err := r.Acquire("s", "conn-a")
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Acquire("s", "conn-b")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	g.Release()
	g.Release()

	g2, err := r.Acquire("s", "conn-b")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", g2.Session().Owner())
	g2.Release()
}

func TestAcquire_Unknown(t *testing.T) {
	r := newRegistry(t, Options{})
	_, err := r.Acquire("missing", "conn")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_RejectsLockedUnlessForced(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := t.Context()
	_, _, err := r.CreateOrGet(ctx, "s", "conn", Config{})
	require.NoError(t, err)

	g, err := r.Acquire("s", "conn")
	require.NoError(t, err)

	var cancelled atomic.Bool
	g.SetCancel(func() { cancelled.Store(true) })

	assert.ErrorIs(t, r.Delete(ctx, "s", false), ErrBusy)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Delete(ctx, "s", true))
	assert.True(t, cancelled.Load())
	assert.Equal(t, StatusTerminated, g.Session().Status())
	g.Release()

	assert.ErrorIs(t, r.Delete(ctx, "s", false), ErrNotFound)
}

func TestDelete_EngineFailureKeepsSession(t *testing.T) {
	eng := &flakyEngine{Scripted: engine.NewScripted(engine.ScriptedOptions{}), deleteErr: errors.New("engine down")}
	r := newRegistry(t, Options{Engine: eng})
	ctx := t.Context()

	s, _, err := r.CreateOrGet(ctx, "s", "conn", Config{})
	require.NoError(t, err)

	require.Error(t, r.Delete(ctx, "s", false))
	assert.Equal(t, StatusReady, s.Status())

	eng.deleteErr = nil
	require.NoError(t, r.Delete(ctx, "s", false))
	assert.Equal(t, 0, r.Len())
}

func TestDelete_RemovesRecord(t *testing.T) {
	st := store.NewMemoryStore()
	r := newRegistry(t, Options{Store: st})
	ctx := t.Context()

	_, _, err := r.CreateOrGet(ctx, "s", "conn", Config{})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "s", false))

	_, err = st.GetSession(ctx, "s")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvictIdle(t *testing.T) {
	r := newRegistry(t, Options{IdleTimeout: time.Minute})
	ctx := t.Context()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	for _, id := range []string{"idle", "busy"} {
		_, _, err := r.CreateOrGet(ctx, id, "conn", Config{})
		require.NoError(t, err)
	}
	g, err := r.Acquire("busy", "conn")
	require.NoError(t, err)

	advance(30 * time.Second)
	assert.Equal(t, 0, r.EvictIdle(ctx))

	advance(time.Minute)
	assert.Equal(t, 1, r.EvictIdle(ctx))

	_, err = r.Get("idle")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("busy")
	assert.NoError(t, err)
	g.Release()
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusCreating, StatusReady))
	assert.True(t, CanTransition(StatusReady, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusWaiting))
	assert.True(t, CanTransition(StatusWaiting, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.True(t, CanTransition(StatusError, StatusTerminated))
	assert.False(t, CanTransition(StatusReady, StatusCompleted))
	assert.False(t, CanTransition(StatusTerminated, StatusTerminated))
	assert.False(t, CanTransition(StatusTerminated, StatusProcessing))

	s := newSession("x", "conn", Config{}, time.Now())
	assert.ErrorIs(t, s.SetStatus(StatusCompleted), ErrInvalidTransition)
	require.NoError(t, s.SetStatus(StatusReady))
	require.NoError(t, s.SetStatus(StatusProcessing))
}

func TestSession_SequenceAndInbox(t *testing.T) {
	s := newSession("x", "conn", Config{}, time.Now())

	assert.Equal(t, uint64(1), s.NextSequence())
	assert.Equal(t, uint64(2), s.NextSequence())
	assert.Equal(t, uint64(2), s.LastSequence())

	for range InboxSize {
		require.True(t, s.Deliver(json.RawMessage(`{}`)))
	}
	assert.False(t, s.Deliver(json.RawMessage(`{}`)))
}

func TestSession_AllowTool(t *testing.T) {
	s := newSession("x", "conn", Config{}, time.Now())
	assert.False(t, s.ToolAllowed("write_file"))
	s.AllowTool("Write_File")
	assert.True(t, s.ToolAllowed("write_file"))
}

func TestRegistry_Close(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := t.Context()
	for _, id := range []string{"a", "b"} {
		_, _, err := r.CreateOrGet(ctx, id, "conn", Config{})
		require.NoError(t, err)
	}
	g, err := r.Acquire("a", "conn")
	require.NoError(t, err)

	r.Close(ctx)
	assert.Equal(t, 0, r.Len())
	g.Release()
}

func TestSession_EmitMarksGapAfterFailure(t *testing.T) {
	s := newSession("x", "conn", Config{}, time.Now())

	type sent struct {
		seq uint64
		gap bool
	}
	var got []sent
	ok := func(seq uint64, gap bool) error {
		got = append(got, sent{seq, gap})
		return nil
	}
	fail := func(uint64, bool) error { return errors.New("pipe closed") }

	require.NoError(t, s.Emit(ok))
	require.Error(t, s.Emit(fail))
	require.Error(t, s.Emit(fail))
	require.NoError(t, s.Emit(ok))
	require.NoError(t, s.Emit(ok))

	assert.Equal(t, []sent{{1, false}, {4, true}, {5, false}}, got)
}
