// Package store persists SessionRecords — the bounded per-session turn
// history the engine resumes a paused or in-progress session from — in
// memory, SQLite, MySQL, or Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowmesh/agentgraph/graph"
)

// ErrNotFound is returned when a requested session ID has no record.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the durable unit the runtime persists after every
// node advance: a bounded ring of recent GraphState snapshots plus the
// session's lifecycle metadata.
type SessionRecord struct {
	SessionID string `json:"session_id"`

	// StateHistory holds up to HistoryDepth snapshots, oldest first.
	// Once full, Append drops the oldest entry (ring-buffer discipline),
	// bounding memory for a long-lived chat session rather than letting
	// history grow without limit.
	StateHistory []graph.GraphState `json:"state_history"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	TTLExpiresAt time.Time `json:"ttl_expires_at"`

	// GraphVersionPins records which compiled graph version served this
	// session's most recent turn, per graph/registry's rebuild-pinning
	// rule.
	GraphVersionPins map[string]uint64 `json:"graph_version_pins,omitempty"`

	SchemaVersion int `json:"schema_version"`

	// Extra carries forward-compatible fields a future schema version
	// adds, without requiring every store backend to migrate in lockstep.
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Latest returns the most recent snapshot in StateHistory, or the zero
// value and false if the history is empty.
func (r SessionRecord) Latest() (graph.GraphState, bool) {
	if len(r.StateHistory) == 0 {
		return graph.GraphState{}, false
	}
	return r.StateHistory[len(r.StateHistory)-1], true
}

// Append pushes state onto the record's history, evicting the oldest
// snapshot once the ring exceeds depth. depth <= 0 means unbounded.
func (r *SessionRecord) Append(state graph.GraphState, depth int) {
	r.StateHistory = append(r.StateHistory, state)
	if depth > 0 && len(r.StateHistory) > depth {
		r.StateHistory = r.StateHistory[len(r.StateHistory)-depth:]
	}
}

// SessionStore is the persistence contract the engine and orchestrator
// depend on. Every backend must be safe for concurrent use across
// sessions; within one session the caller serializes access (spec.md
// section 5's single-threaded-per-session rule).
type SessionStore interface {
	// Put durably records rec, replacing any prior record for the same
	// SessionID.
	Put(ctx context.Context, rec SessionRecord) error

	// GetLatest loads the current record for sessionID. Returns
	// ErrNotFound if no record exists (a brand-new session).
	GetLatest(ctx context.Context, sessionID string) (SessionRecord, error)

	// GetAt returns the snapshot at the given history index (0 = oldest
	// retained). Returns ErrNotFound if the session or index doesn't
	// exist.
	GetAt(ctx context.Context, sessionID string, index int) (graph.GraphState, error)

	// Sweep deletes sessions whose TTLExpiresAt is before now, returning
	// the number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources (connections, file handles) held by
	// the store.
	Close() error
}
