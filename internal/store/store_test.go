// ABOUTME: Behavioural tests run against every Store implementation
// ABOUTME: Covers session upsert/delete, ledger ordering, cursors and duplicates

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func implementations(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kaiak.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "kaiak.db")

	s, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			sess := &Session{
				ID:        "sess-1",
				Status:    "ready",
				Owner:     "conn-a",
				Workspace: "/work",
				Config:    json.RawMessage(`{"model":{"model":"gpt-4o"}}`),
				CreatedAt: created,
				UpdatedAt: created,
			}
			require.NoError(t, s.SaveSession(ctx, sess))

			got, err := s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "ready", got.Status)
			assert.Equal(t, "conn-a", got.Owner)
			assert.JSONEq(t, `{"model":{"model":"gpt-4o"}}`, string(got.Config))
			assert.True(t, created.Equal(got.CreatedAt))

			sess.Status = "processing"
			sess.UpdatedAt = created.Add(time.Minute)
			sess.CreatedAt = created.Add(time.Hour)
			require.NoError(t, s.SaveSession(ctx, sess))

			got, err = s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "processing", got.Status)
			assert.True(t, created.Equal(got.CreatedAt), "created_at is kept on update")

			require.NoError(t, s.DeleteSession(ctx, "sess-1"))
			_, err = s.GetSession(ctx, "sess-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteSession(ctx, "sess-1"), ErrNotFound)
		})
	}
}

func TestStore_ListSessions(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			for i, id := range []string{"c", "a", "b"} {
				at := base.Add(time.Duration(i) * time.Second)
				require.NoError(t, s.SaveSession(ctx, &Session{ID: id, Status: "ready", CreatedAt: at, UpdatedAt: at}))
			}

			list, err := s.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
		})
	}
}

func TestStore_Ledger(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			now := time.Now().UTC()

			for _, seq := range []uint64{3, 1, 2, 4, 5} {
				require.NoError(t, s.AppendEvent(ctx, &Event{
					SessionID: "sess",
					Sequence:  seq,
					RequestID: "req-1",
					Method:    "kaiak/stream/progress",
					Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
					Gap:       seq == 4,
					Timestamp: now,
				}))
			}
			require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "other", Sequence: 1, Method: "m", Payload: json.RawMessage(`{}`), Timestamp: now}))

			all, err := s.ListEvents(ctx, "sess", 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			for i, e := range all {
				assert.Equal(t, uint64(i+1), e.Sequence)
			}
			assert.True(t, all[3].Gap)
			assert.False(t, all[2].Gap)
			assert.JSONEq(t, `{"n":1}`, string(all[0].Payload))

			page, err := s.ListEvents(ctx, "sess", 2, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, uint64(3), page[0].Sequence)
			assert.Equal(t, uint64(4), page[1].Sequence)

			err = s.AppendEvent(ctx, &Event{SessionID: "sess", Sequence: 2, Method: "m", Payload: json.RawMessage(`{}`), Timestamp: now})
			assert.ErrorIs(t, err, ErrDuplicateEvent)

			none, err := s.ListEvents(ctx, "missing", 0, 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_LedgerSurvivesSessionDelete(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			now := time.Now().UTC()

			require.NoError(t, s.SaveSession(ctx, &Session{ID: "gone", Status: "ready", CreatedAt: now, UpdatedAt: now}))
			require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "gone", Sequence: 1, Method: "kaiak/stream/system", Payload: json.RawMessage(`{}`), Timestamp: now}))
			require.NoError(t, s.DeleteSession(ctx, "gone"))

			events, err := s.ListEvents(ctx, "gone", 0, 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, normalizeLimit(0))
	assert.Equal(t, DefaultListLimit, normalizeLimit(-3))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, MaxListLimit, normalizeLimit(MaxListLimit+1))
}
