package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/agentgraph/graph"
)

// RedisStore is a SessionStore backed by Redis, for multi-instance
// orchestrator deployments that want TTL expiry handled by the store
// itself rather than by a periodic Sweep (key format and TTL-on-write
// pattern follow the pack's RedisCheckpointStore).
//
// Key format: "{keyPrefix}:session:{sessionID}".
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to redisURL (e.g. "redis://localhost:6379/0")
// and returns a store namespaced under keyPrefix (default "agentgraph"
// if empty).
func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "agentgraph"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.keyPrefix, sessionID)
}

// Put upserts rec with a TTL derived from rec.TTLExpiresAt; Redis expires
// the key itself, so Sweep is a no-op for this backend.
func (s *RedisStore) Put(ctx context.Context, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	ttl := time.Until(rec.TTLExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.sessionKey(rec.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("put session record: %w", err)
	}
	return nil
}

// GetLatest loads the current record for sessionID.
func (s *RedisStore) GetLatest(ctx context.Context, sessionID string) (SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session record: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return rec, nil
}

// GetAt returns the snapshot at the given history index within the
// session's most recent record.
func (s *RedisStore) GetAt(ctx context.Context, sessionID string, index int) (graph.GraphState, error) {
	rec, err := s.GetLatest(ctx, sessionID)
	if err != nil {
		return graph.GraphState{}, err
	}
	if index < 0 || index >= len(rec.StateHistory) {
		return graph.GraphState{}, ErrNotFound
	}
	return rec.StateHistory[index], nil
}

// Sweep is a no-op: Redis expires keys via their TTL on write.
func (s *RedisStore) Sweep(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
