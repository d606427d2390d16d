package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentgraph/graph"
)

func testContext() context.Context {
	return context.Background()
}

func TestSessionRecord_LatestEmpty(t *testing.T) {
	var rec SessionRecord
	_, ok := rec.Latest()
	require.False(t, ok)
}

func TestSessionRecord_AppendRingBuffer(t *testing.T) {
	var rec SessionRecord
	now := time.Now()
	for i := 0; i < 5; i++ {
		rec.Append(graph.GraphState{Step: i}, 3)
	}
	require.Len(t, rec.StateHistory, 3)
	require.Equal(t, 2, rec.StateHistory[0].Step, "oldest entries evicted first")
	require.Equal(t, 4, rec.StateHistory[2].Step)

	latest, ok := rec.Latest()
	require.True(t, ok)
	require.Equal(t, 4, latest.Step)
	_ = now
}

func TestSessionRecord_AppendUnboundedWhenDepthZero(t *testing.T) {
	var rec SessionRecord
	for i := 0; i < 10; i++ {
		rec.Append(graph.GraphState{Step: i}, 0)
	}
	require.Len(t, rec.StateHistory, 10)
}

func newMemStoreTestRecord(sessionID string) SessionRecord {
	rec := SessionRecord{SessionID: sessionID, CreatedAt: time.Now()}
	rec.Append(graph.NewGraphState(sessionID, time.Now()), 10)
	return rec
}

func TestMemStore_PutGetLatest(t *testing.T) {
	s := NewMemStore()
	ctx := testContext()

	_, err := s.GetLatest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	rec := newMemStoreTestRecord("sess-1")
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.GetLatest(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.SessionID)
}

func TestMemStore_GetAt(t *testing.T) {
	s := NewMemStore()
	ctx := testContext()
	rec := SessionRecord{SessionID: "sess-1"}
	rec.Append(graph.GraphState{Step: 1}, 0)
	rec.Append(graph.GraphState{Step: 2}, 0)
	require.NoError(t, s.Put(ctx, rec))

	state, err := s.GetAt(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, state.Step)

	_, err = s.GetAt(ctx, "sess-1", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_Sweep(t *testing.T) {
	s := NewMemStore()
	ctx := testContext()
	now := time.Now()

	expired := SessionRecord{SessionID: "expired", TTLExpiresAt: now.Add(-time.Hour)}
	fresh := SessionRecord{SessionID: "fresh", TTLExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Put(ctx, expired))
	require.NoError(t, s.Put(ctx, fresh))

	removed, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.GetLatest(ctx, "expired")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLatest(ctx, "fresh")
	require.NoError(t, err)
}

func TestMemStore_Close(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Close())
}
