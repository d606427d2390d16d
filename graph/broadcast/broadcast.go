// Package broadcast fans out per-session wire events to subscribers
// (live WebSocket/SSE connections, test harnesses) with ordered
// sequencing, bounded per-subscriber queues, and history replay on
// subscribe.
//
// Unlike a single-sink observability hook, this fans a session's event
// stream out to any number of live subscribers, each with its own
// bounded queue; the sequence counter and replay buffer belong to the
// session and are shared by all of its subscribers, per spec.md section
// 4.3 and the wire shape of section 6.2.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is the wire shape emitted to subscribers, matching spec.md
// section 6.2 exactly.
type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	FromNode  string          `json:"from_node,omitempty"`
	ToNode    string          `json:"to_node,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Action    string          `json:"action,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// The closed event-type enum of spec.md section 3.3. Anything the
// runtime emits must use one of these.
const (
	TypeConnection     = "connection"
	TypeNodeTransition = "node_transition"
	TypeAgentStart     = "agent_start"
	TypeAgentProgress  = "agent_progress"
	TypeAgentEnd       = "agent_end"
	TypeState          = "state"
	TypeHistory        = "history"
	TypeError          = "error"
	TypePong           = "pong"
)

const (
	// defaultQueueDepth is a subscriber's bounded mailbox size (Q).
	defaultQueueDepth = 256
	// defaultHistoryDepth is how many past events a session retains for
	// replay on a fresh Subscribe (H).
	defaultHistoryDepth = 100
)

// Subscription is a live handle a caller reads events from and closes
// when done.
type Subscription struct {
	id         string
	C          <-chan Event
	sub        *subscriber
	cancel     func()
	cancelOnce sync.Once
}

// Close detaches the subscription from its session. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.cancelOnce.Do(s.cancel)
}

// DroppedCount reports how many events have been dropped for this
// subscriber under the queue's drop-oldest policy.
func (s *Subscription) DroppedCount() uint64 {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.droppedCount
}

type subscriber struct {
	id   string
	ch   chan Event
	done chan struct{}

	mu           sync.Mutex
	droppedCount uint64
	gapPending   bool
}

type sessionTopic struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	subs    map[string]*subscriber
}

// nextSeq returns the next per-session sequence number, starting at 0,
// and must be called with t.mu held.
func (t *sessionTopic) nextSeq() uint64 {
	s := t.seq
	t.seq++
	return s
}

// Broadcaster owns one sessionTopic per session and publishes events to
// every live subscriber of that session, dropping the oldest queued
// event for a subscriber that falls behind rather than blocking the
// publisher (spec.md section 4.3's backpressure rule).
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*sessionTopic

	queueDepth   int
	historyDepth int
}

// New creates a Broadcaster. queueDepth/historyDepth <= 0 fall back to
// the package defaults (256/100).
func New(queueDepth, historyDepth int) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if historyDepth <= 0 {
		historyDepth = defaultHistoryDepth
	}
	return &Broadcaster{
		sessions:     make(map[string]*sessionTopic),
		queueDepth:   queueDepth,
		historyDepth: historyDepth,
	}
}

func (b *Broadcaster) topic(sessionID string) *sessionTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.sessions[sessionID]
	if !ok {
		t = &sessionTopic{subs: make(map[string]*subscriber)}
		b.sessions[sessionID] = t
	}
	return t
}

// Publish assigns the next sequence number for sessionID, stamps
// EventID/Timestamp/Sequence if unset, appends to session history, and
// delivers to every live subscriber without blocking.
func (b *Broadcaster) Publish(sessionID string, evt Event) Event {
	t := b.topic(sessionID)

	t.mu.Lock()
	evt.SessionID = sessionID
	evt.Sequence = t.nextSeq()
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.history = append(t.history, evt)
	if len(t.history) > b.historyDepth {
		t.history = t.history[len(t.history)-b.historyDepth:]
	}

	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		deliver(t, sessionID, s, evt)
	}
	return evt
}

// deliver enqueues evt on s's channel. If the previous enqueue for this
// subscriber had to drop an event, this first enqueues a single `error`
// gap-marker event noting the cumulative dropped_count before evt
// itself, per spec.md section 4.3.
func deliver(t *sessionTopic, sessionID string, s *subscriber, evt Event) {
	s.mu.Lock()
	gapPending := s.gapPending
	dropped := s.droppedCount
	s.gapPending = false
	s.mu.Unlock()

	if gapPending {
		t.mu.Lock()
		gapEvt := Event{
			EventID:   uuid.NewString(),
			SessionID: sessionID,
			Sequence:  t.nextSeq(),
			Type:      TypeError,
			Timestamp: time.Now(),
			Meta: map[string]any{
				"kind":          "broadcast_gap",
				"dropped_count": dropped,
			},
		}
		t.mu.Unlock()
		enqueueOrDrop(s, sessionID, gapEvt)
	}
	enqueueOrDrop(s, sessionID, evt)
}

// enqueueOrDrop enqueues evt, dropping the oldest queued event and
// recording the drop if the subscriber's mailbox is full.
func enqueueOrDrop(s *subscriber, sessionID string, evt Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- evt:
	default:
	}

	s.mu.Lock()
	s.droppedCount++
	s.gapPending = true
	count := s.droppedCount
	s.mu.Unlock()
	log.Warn().Str("subscriber_id", s.id).Str("session_id", sessionID).
		Uint64("dropped_count", count).Msg("broadcast: subscriber queue full, dropping oldest event")
}

// Subscribe returns a live subscription for sessionID. Per spec.md
// section 6.2, the subscriber receives one connection event, then a
// single history event (its events array populated only if
// replayHistory is true), then the live stream.
func (b *Broadcaster) Subscribe(sessionID string, replayHistory bool) *Subscription {
	t := b.topic(sessionID)
	sub := &subscriber{
		id:   uuid.NewString(),
		ch:   make(chan Event, b.queueDepth),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	var backlog []Event
	if replayHistory {
		backlog = append([]Event(nil), t.history...)
	}
	connEvt := Event{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		Sequence:  t.nextSeq(),
		Type:      TypeConnection,
		Timestamp: time.Now(),
	}
	historyEvt := Event{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		Sequence:  t.nextSeq(),
		Type:      TypeHistory,
		Timestamp: time.Now(),
		Data:      marshalHistory(backlog),
	}
	t.mu.Unlock()

	go func() {
		select {
		case sub.ch <- connEvt:
		case <-sub.done:
			return
		}
		select {
		case sub.ch <- historyEvt:
		case <-sub.done:
			return
		}
	}()

	cancel := func() {
		close(sub.done)
		t.mu.Lock()
		delete(t.subs, sub.id)
		t.mu.Unlock()
	}

	return &Subscription{id: sub.id, C: sub.ch, sub: sub, cancel: cancel}
}

// marshalHistory wraps events into the `{events: [...]}` shape spec.md
// section 6.2 requires for the history event's data payload.
func marshalHistory(events []Event) json.RawMessage {
	if events == nil {
		events = []Event{}
	}
	raw, err := json.Marshal(struct {
		Events []Event `json:"events"`
	}{Events: events})
	if err != nil {
		return nil
	}
	return raw
}

// SubscriberCount reports how many live subscribers a session has.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	t := b.topic(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Forget drops a session's topic (history and any remaining
// subscriptions) once its session record has been swept.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
