package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/agentgraph/graph"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file SessionStore backed by modernc.org/sqlite,
// for local development and deployments that don't need Redis or MySQL.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// provisions its schema. path may be ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT NOT NULL PRIMARY KEY,
			record TEXT NOT NULL,
			ttl_expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_sessions_ttl ON sessions(ttl_expires_at)"); err != nil {
		return fmt.Errorf("create idx_sessions_ttl: %w", err)
	}
	return nil
}

// Put upserts rec, keyed by rec.SessionID.
func (s *SQLiteStore) Put(ctx context.Context, rec SessionRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	const query = `
		INSERT INTO sessions (session_id, record, ttl_expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			record = excluded.record,
			ttl_expires_at = excluded.ttl_expires_at,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, rec.SessionID, string(data), rec.TTLExpiresAt); err != nil {
		return fmt.Errorf("put session record: %w", err)
	}
	return nil
}

// GetLatest loads the current record for sessionID.
func (s *SQLiteStore) GetLatest(ctx context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return SessionRecord{}, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM sessions WHERE session_id = ?", sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session record: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return rec, nil
}

// GetAt returns the snapshot at the given history index within the
// session's most recent record.
func (s *SQLiteStore) GetAt(ctx context.Context, sessionID string, index int) (graph.GraphState, error) {
	rec, err := s.GetLatest(ctx, sessionID)
	if err != nil {
		return graph.GraphState{}, err
	}
	if index < 0 || index >= len(rec.StateHistory) {
		return graph.GraphState{}, ErrNotFound
	}
	return rec.StateHistory[index], nil
}

// Sweep deletes sessions whose ttl_expires_at is before now.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE ttl_expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the file path this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }
