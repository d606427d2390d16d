// Package orchestrator is the facade that wires the node registry,
// turn engine, session store, event broadcaster, and session scheduler
// into the single entry point described in spec.md section 6.1.
//
// The turn loop itself (advance -> resolve -> invoke -> merge ->
// persist -> route) lives here rather than in package graph because it
// depends on graph/registry, graph/store, graph/broadcast and
// graph/scheduler, each of which already depends on package graph —
// keeping it in package graph would create an import cycle. This is
// the one place the full advance/invoke/route loop is reassembled end
// to end.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/agentgraph/graph"
	"github.com/flowmesh/agentgraph/graph/broadcast"
	"github.com/flowmesh/agentgraph/graph/config"
	"github.com/flowmesh/agentgraph/graph/envelope"
	"github.com/flowmesh/agentgraph/graph/registry"
	"github.com/flowmesh/agentgraph/graph/scheduler"
	"github.com/flowmesh/agentgraph/graph/store"
)

// Orchestrator is the runtime's single entry point: register nodes,
// rebuild the compiled graph, start/resume/cancel turns, and subscribe
// to a session's event stream.
type Orchestrator struct {
	Registry *registry.NodeRegistry
	Graphs   *registry.DynamicGraphManager

	store       store.SessionStore
	broadcaster *broadcast.Broadcaster
	scheduler   *scheduler.Scheduler
	metrics     *graph.PrometheusMetrics
	tracer      trace.Tracer
	opts        config.Options

	seqMu  sync.Mutex
	seq    map[string]uint64
	cancel sync.Map // traceID -> context.CancelFunc
}

// New wires an Orchestrator over the given session store. metrics may
// be nil to disable Prometheus instrumentation.
func New(sessionStore store.SessionStore, opts config.Options, metrics *graph.PrometheusMetrics) *Orchestrator {
	reg := registry.NewNodeRegistry()
	return &Orchestrator{
		Registry:    reg,
		Graphs:      registry.NewDynamicGraphManager(reg),
		store:       sessionStore,
		broadcaster: broadcast.New(opts.BroadcastBuffer, opts.BroadcastHistory),
		scheduler:   scheduler.New(opts.MaxConcurrentSessions),
		metrics:     metrics,
		opts:        opts,
		seq:         make(map[string]uint64),
	}
}

// RegisterNode adds a node descriptor to the registry. It does not take
// effect until RebuildGraph is called.
func (o *Orchestrator) RegisterNode(d registry.NodeDescriptor) error {
	return o.Registry.Register(d)
}

// UnregisterNode removes a node descriptor, refusing if the current
// compiled graph still references it.
func (o *Orchestrator) UnregisterNode(name string) error {
	return o.Registry.Unregister(name, o.Graphs.InUse)
}

// RebuildGraph compiles spec against the current registry and publishes
// it as the active graph for all subsequent turns; in-flight turns keep
// routing against the CompiledGraph they already pinned (spec.md
// section 4.4).
func (o *Orchestrator) RebuildGraph(spec registry.GraphSpec) (*registry.CompiledGraph, error) {
	return o.Graphs.Rebuild(spec)
}

// SubscribeEvents opens a live subscription to sessionID's event stream.
func (o *Orchestrator) SubscribeEvents(sessionID string, replayHistory bool) *broadcast.Subscription {
	return o.broadcaster.Subscribe(sessionID, replayHistory)
}

// Unsubscribe closes a subscription previously returned by
// SubscribeEvents.
func (o *Orchestrator) Unsubscribe(sub *broadcast.Subscription) {
	sub.Close()
}

// TurnHandle is returned by StartTurn/Resume; Wait blocks until the turn
// completes, is paused on a human gate, or ctx is cancelled.
type TurnHandle struct {
	done   chan struct{}
	result envelope.ResponseEnvelope
	err    error
}

// Wait blocks until the turn finishes (or ctx is done first).
func (h *TurnHandle) Wait(ctx context.Context) (envelope.ResponseEnvelope, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return envelope.ResponseEnvelope{}, ctx.Err()
	}
}

func (o *Orchestrator) nextSeq(sessionID string) uint64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	o.seq[sessionID]++
	return o.seq[sessionID]
}

// StartTurn enqueues a new turn for sessionID onto the session
// scheduler and returns immediately with its trace ID and a handle to
// await the result. caps is the CapabilitySet every node in this turn
// is invoked with.
func (o *Orchestrator) StartTurn(ctx context.Context, sessionID, userMessage string, privilege config.Privilege, caps graph.CapabilitySet) (string, *TurnHandle, error) {
	cg := o.Graphs.Current()
	if cg == nil {
		return "", nil, fmt.Errorf("orchestrator: no compiled graph published, call RebuildGraph first")
	}

	traceID := uuid.NewString()
	handle := &TurnHandle{done: make(chan struct{})}
	seq := o.nextSeq(sessionID)

	runCtx, cancelFn := context.WithCancel(context.Background())
	o.cancel.Store(traceID, cancelFn)

	o.scheduler.Submit(scheduler.TurnItem{
		SessionID: sessionID,
		OrderKey:  scheduler.ComputeOrderKey(sessionID, seq),
		Run: func(_ context.Context) {
			defer cancelFn()
			defer o.cancel.Delete(traceID)
			env, err := o.runTurn(runCtx, cg, sessionID, traceID, userMessage, privilege, caps)
			handle.result = env
			handle.err = err
			close(handle.done)
		},
	})

	_ = ctx // caller's ctx only bounds Wait, not the scheduled turn itself
	return traceID, handle, nil
}

// Resume continues a session paused on a human gate: it validates
// resumeToken against the session's pending gate, merges decision into
// agent_results, and re-enters the turn loop from the gate node's
// routing step.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, resumeToken string, decision map[string]interface{}, privilege config.Privilege, caps graph.CapabilitySet) (*TurnHandle, error) {
	cg := o.Graphs.Current()
	if cg == nil {
		return nil, fmt.Errorf("orchestrator: no compiled graph published")
	}

	rec, err := o.store.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, &graph.SessionNotFoundError{SessionID: sessionID}
	}
	state, ok := rec.Latest()
	if !ok || state.ResumeToken == "" || state.ResumeToken != resumeToken {
		return nil, &graph.ResumeTokenInvalidError{SessionID: sessionID}
	}

	now := time.Now()
	state, err = graph.MergeMapping(state, graph.FieldAgentResults, map[string]interface{}{
		"human_decision": decision,
	}, []string{"human_decision"}, now)
	if err != nil {
		return nil, err
	}
	state, err = graph.Set(state, graph.FieldStatus, graph.StatusProcessing, now)
	if err != nil {
		return nil, err
	}
	state, err = graph.Set(state, graph.FieldResumeToken, "", now)
	if err != nil {
		return nil, err
	}

	traceID := state.TraceID
	handle := &TurnHandle{done: make(chan struct{})}
	seq := o.nextSeq(sessionID)

	runCtx, cancelFn := context.WithCancel(context.Background())
	o.cancel.Store(traceID, cancelFn)

	o.scheduler.Submit(scheduler.TurnItem{
		SessionID: sessionID,
		OrderKey:  scheduler.ComputeOrderKey(sessionID, seq),
		Run: func(_ context.Context) {
			defer cancelFn()
			defer o.cancel.Delete(traceID)
			env, err := o.continueTurn(runCtx, cg, rec, state, privilege, caps)
			handle.result = env
			handle.err = err
			close(handle.done)
		},
	})

	return handle, nil
}

// Cancel requests cancellation of the in-flight turn identified by
// traceID. It is a no-op if the turn has already finished.
func (o *Orchestrator) Cancel(_ context.Context, _ string, traceID string) error {
	v, ok := o.cancel.Load(traceID)
	if !ok {
		return nil
	}
	cancelFn := v.(context.CancelFunc)
	cancelFn()
	return nil
}

// Close stops the session scheduler, waiting for in-flight turns to
// finish, and closes the session store.
func (o *Orchestrator) Close() error {
	o.scheduler.Close()
	return o.store.Close()
}

func (o *Orchestrator) logger() *log.Logger {
	l := log.With().Str("component", "orchestrator").Logger()
	return &l
}
