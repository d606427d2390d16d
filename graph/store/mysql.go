package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowmesh/agentgraph/graph"
)

// MySQLStore is a production SessionStore backed by MySQL/MariaDB, for
// multi-process deployments that need session state to survive a
// restart of the orchestrator itself.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?params].
// Example: user:pass@tcp(127.0.0.1:3306)/agentgraph?parseTime=true.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL connection pool and provisions its schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id VARCHAR(191) NOT NULL PRIMARY KEY,
			record LONGTEXT NOT NULL,
			ttl_expires_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_sessions_ttl (ttl_expires_at)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// Put upserts rec, keyed by rec.SessionID.
func (s *MySQLStore) Put(ctx context.Context, rec SessionRecord) error {
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
		ON DUPLICATE KEY UPDATE
			record = VALUES(record),
			ttl_expires_at = VALUES(ttl_expires_at),
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, rec.SessionID, string(data), rec.TTLExpiresAt); err != nil {
		return fmt.Errorf("put session record: %w", err)
	}
	return nil
}

// GetLatest loads the current record for sessionID.
func (s *MySQLStore) GetLatest(ctx context.Context, sessionID string) (SessionRecord, error) {
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
func (s *MySQLStore) GetAt(ctx context.Context, sessionID string, index int) (graph.GraphState, error) {
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
func (s *MySQLStore) Sweep(ctx context.Context, now time.Time) (int, error) {
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

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
