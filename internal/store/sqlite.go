// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session records and the append-only event ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			owner       TEXT NOT NULL DEFAULT '',
			workspace   TEXT NOT NULL DEFAULT '',
			config_json TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			sequence   INTEGER NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			method     TEXT NOT NULL,
			payload    TEXT NOT NULL,
			gap        INTEGER NOT NULL DEFAULT 0,
			ts         TEXT NOT NULL,

			PRIMARY KEY (session_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(session_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, status, owner, workspace, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			owner = excluded.owner,
			workspace = excluded.workspace,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`

	var cfg any
	if len(sess.Config) > 0 {
		cfg = string(sess.Config)
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Status,
		sess.Owner,
		sess.Workspace,
		cfg,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, status, owner, workspace, config_json, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT id, status, owner, workspace, config_json, created_at, updated_at
		FROM sessions
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session record. Its ledger is kept.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent records one delivered envelope.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO session_events (session_id, sequence, request_id, method, payload, gap, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.SessionID,
		int64(e.Sequence),
		e.RequestID,
		e.Method,
		string(e.Payload),
		e.Gap,
		formatTime(e.Timestamp),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event", "session_id", e.SessionID, "sequence", e.Sequence, "method", e.Method)
	return nil
}

// ListEvents returns events for a session with Sequence > after, ascending.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, after uint64, limit int) ([]*Event, error) {
	query := `
		SELECT session_id, sequence, request_id, method, payload, gap, ts
		FROM session_events
		WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, int64(after), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e       Event
			seq     int64
			payload string
			ts      string
		)
		if err := rows.Scan(&e.SessionID, &seq, &e.RequestID, &e.Method, &payload, &e.Gap, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Payload = []byte(payload)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess             Session
		cfg              sql.NullString
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.Status, &sess.Owner, &sess.Workspace, &cfg, &created, &updated); err != nil {
		return nil, err
	}
	if cfg.Valid {
		sess.Config = []byte(cfg.String)
	}

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
