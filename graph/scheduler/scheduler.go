// Package scheduler runs many sessions' turns concurrently while keeping
// each session's own node sequence strictly serial, the "parallel across
// sessions, sequential within a session" model of spec.md section 5.
//
// The priority-queue-over-bounded-channel shape is adapted from
// graph.Frontier/WorkItem's node-level fan-out scheduling; here the
// schedulable unit is a whole turn, not a single node.
package scheduler

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// TurnItem is one queued unit of work: "run session SessionID's turn".
type TurnItem struct {
	SessionID string
	OrderKey  uint64
	Run       func(ctx context.Context)
}

// ComputeOrderKey derives a deterministic priority from a session ID and
// a monotonically increasing sequence number, so that re-queued resumes
// of the same session are dequeued in submission order relative to each
// other while different sessions interleave deterministically under
// replay. The sequence number fills the high 32 bits and a hash of the
// session ID the low 32 bits.
func ComputeOrderKey(sessionID string, seq uint64) uint64 {
	sum := sha256.Sum256([]byte(sessionID))
	return seq<<32 | uint64(binary.BigEndian.Uint32(sum[:4]))
}

type turnHeap []TurnItem

func (h turnHeap) Len() int            { return len(h) }
func (h turnHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h turnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *turnHeap) Push(x interface{}) { *h = append(*h, x.(TurnItem)) }
func (h *turnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Scheduler is a bounded worker pool that dequeues TurnItems in
// deterministic OrderKey order and runs at most MaxConcurrentSessions of
// them at once.
type Scheduler struct {
	mu   sync.Mutex
	heap turnHeap
	cond *sync.Cond

	maxConcurrent int
	inflight      atomic.Int32

	stop   chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup
}

// New starts a Scheduler with maxConcurrent worker goroutines.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	s := &Scheduler{maxConcurrent: maxConcurrent, stop: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < maxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues a turn for execution. Order among items with distinct
// OrderKeys is deterministic; submission never blocks the caller.
func (s *Scheduler) Submit(item TurnItem) {
	s.mu.Lock()
	heap.Push(&s.heap, item)
	s.mu.Unlock()
	s.cond.Signal()
}

// Inflight reports how many turns are currently executing.
func (s *Scheduler) Inflight() int {
	return int(s.inflight.Load())
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		item, ok := s.next()
		if !ok {
			return
		}
		s.inflight.Add(1)
		func() {
			defer s.inflight.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("session_id", item.SessionID).Msg("scheduler: turn panicked")
				}
			}()
			item.Run(context.Background())
		}()
	}
}

func (s *Scheduler) next() (TurnItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() == 0 {
		select {
		case <-s.stop:
			return TurnItem{}, false
		default:
		}
		s.cond.Wait()
		select {
		case <-s.stop:
			return TurnItem{}, false
		default:
		}
	}
	item := heap.Pop(&s.heap).(TurnItem)
	return item, true
}

// Close stops accepting new work and waits for in-flight turns to finish.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.wg.Wait()
}
