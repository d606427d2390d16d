package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowmesh/agentgraph/graph"
	"github.com/flowmesh/agentgraph/graph/broadcast"
	"github.com/flowmesh/agentgraph/graph/config"
	"github.com/flowmesh/agentgraph/graph/envelope"
	"github.com/flowmesh/agentgraph/graph/registry"
	"github.com/flowmesh/agentgraph/graph/store"
)

// finalizeKind marks the node a compiled graph must use for its terminal
// node; driveLoop ends the turn successfully once a node of this kind
// has run, without consulting its outgoing edges. finalize never gets its own agent_start/
// agent_end pair (spec.md section 8 scenario 1): it is bookkeeping, not
// delegated work.
const finalizeKind = "finalize"

func (o *Orchestrator) runTurn(ctx context.Context, cg *registry.CompiledGraph, sessionID, traceID, userMessage string, privilege config.Privilege, caps graph.CapabilitySet) (envelope.ResponseEnvelope, error) {
	now := time.Now()

	rec, err := o.store.GetLatest(ctx, sessionID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return envelope.ResponseEnvelope{}, fmt.Errorf("orchestrator: load session %q: %w", sessionID, err)
	}
	if isNew {
		rec = store.SessionRecord{SessionID: sessionID, CreatedAt: now, SchemaVersion: 1}
	}

	state := graph.NewGraphState(sessionID, now)
	if prev, ok := rec.Latest(); ok {
		state = prev
	}

	queryHash := graph.ComputeQueryHash(userMessage)
	if !isNew && state.Hashes.QueryHash == queryHash && state.Status == graph.StatusCompleted &&
		!anySideEffecting(cg, state.CompletedNodes) {
		text, _, metrics := responseFromMetadata(state)
		o.logger().Debug().Str("session_id", sessionID).Msg("orchestrator: anti-repetition short-circuit")
		return envelope.Build(state, text, metrics, now), nil
	}

	state.TraceID = traceID
	state.UserMessage = userMessage
	state.TurnStartedAt = now
	state.GraphVersion = int(cg.Version)

	hashes := state.Hashes
	hashes.QueryHash = queryHash
	if state, err = graph.Set(state, graph.FieldHashes, hashes, now); err != nil {
		return envelope.BuildFailed(state, err, time.Now()), nil
	}
	if state, err = graph.Set(state, graph.FieldUserMessage, userMessage, now); err != nil {
		return envelope.BuildFailed(state, err, time.Now()), nil
	}
	if state, err = graph.Set(state, graph.FieldStatus, graph.StatusProcessing, now); err != nil {
		return envelope.BuildFailed(state, err, time.Now()), nil
	}

	state = graph.Advance(state, cg.StartNode, now)

	return o.driveLoop(ctx, cg, &rec, state, privilege, caps)
}

// continueTurn re-enters the loop for a session that Resume has already
// merged a human decision into and routed out of awaiting_human.
func (o *Orchestrator) continueTurn(ctx context.Context, cg *registry.CompiledGraph, rec store.SessionRecord, state graph.GraphState, privilege config.Privilege, caps graph.CapabilitySet) (envelope.ResponseEnvelope, error) {
	next := cg.NextNodes(state.CurrentNode, state)
	if len(next) != 1 {
		err := &graph.RoutingAmbiguity{Node: state.CurrentNode, Candidates: next}
		return envelope.BuildFailed(state, err, time.Now()), nil
	}
	state = graph.Advance(state, next[0], time.Now())
	return o.driveLoop(ctx, cg, &rec, state, privilege, caps)
}

// driveLoop resolves, invokes, and routes through nodes until the turn
// reaches the finalize node, pauses on a human gate, or fails.
func (o *Orchestrator) driveLoop(ctx context.Context, cg *registry.CompiledGraph, rec *store.SessionRecord, state graph.GraphState, privilege config.Privilege, caps graph.CapabilitySet) (envelope.ResponseEnvelope, error) {
	for steps := 0; ; steps++ {
		if steps >= o.opts.MaxSteps {
			state, _ = graph.Set(state, graph.FieldStatus, graph.StatusFailed, time.Now())
			o.persist(ctx, rec, state)
			return envelope.BuildFailed(state, graph.ErrMaxStepsExceeded, time.Now()), nil
		}

		desc, ok := cg.Descriptor(state.CurrentNode)
		if !ok {
			err := fmt.Errorf("orchestrator: node %q not in compiled graph", state.CurrentNode)
			return envelope.BuildFailed(state, err, time.Now()), nil
		}
		if !desc.Enabled {
			err := fmt.Errorf("orchestrator: node %q is disabled", state.CurrentNode)
			return envelope.BuildFailed(state, err, time.Now()), nil
		}
		if !config.Allows(config.Privilege(desc.RequiredPrivilege), privilege) {
			state, _ = graph.Set(state, graph.FieldStatus, graph.StatusFailed, time.Now())
			o.persist(ctx, rec, state)
			err := &graph.FatalNodeError{
				Node: desc.Name,
				Kind: graph.FatalPrivilegeDenied,
				Err:  fmt.Errorf("requires privilege %q", desc.RequiredPrivilege),
			}
			return envelope.BuildFailed(state, err, time.Now()), nil
		}

		o.broadcaster.Publish(state.SessionID, broadcast.Event{
			TraceID:  state.TraceID,
			Type:     broadcast.TypeNodeTransition,
			FromNode: state.PreviousNode,
			ToNode:   state.CurrentNode,
			Action:   desc.ActionLabel(),
		})

		outcome, invokeErr := o.invokeWithRetry(ctx, desc, state, caps)
		state = outcome.State

		if invokeErr != nil {
			if errors.Is(invokeErr, graph.HumanGatePending) {
				o.persist(ctx, rec, state)
				o.broadcaster.Publish(state.SessionID, broadcast.Event{
					TraceID: state.TraceID,
					Type:    broadcast.TypeState,
					ToNode:  state.CurrentNode,
					Action:  desc.ActionLabel(),
					Meta:    map[string]any{"status": string(graph.StatusAwaitingHuman)},
				})
				return envelope.BuildAwaitingHuman(state, time.Now()), nil
			}

			state, _ = graph.Set(state, graph.FieldStatus, graph.StatusFailed, time.Now())
			o.persist(ctx, rec, state)
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeNodeTransition,
				FromNode: state.CurrentNode,
				ToNode:   finalizeKind,
				Action:   desc.ActionLabel(),
			})
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeState,
				ToNode:  finalizeKind,
				Meta:    map[string]any{"status": string(graph.StatusFailed)},
			})
			return envelope.BuildFailed(state, invokeErr, time.Now()), nil
		}

		o.persist(ctx, rec, state)

		if desc.Kind == finalizeKind {
			text, act, metrics := responseFromMetadata(state)
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeState,
				ToNode:  state.CurrentNode,
				Action:  act,
				Meta:    map[string]any{"status": string(state.Status)},
			})
			return envelope.Build(state, text, metrics, time.Now()), nil
		}

		next := cg.NextNodes(state.CurrentNode, state)
		switch len(next) {
		case 0:
			if o.metrics != nil {
				o.metrics.IncrementRoutingAmbiguity(state.CurrentNode, "dead_end")
			}
			err := &graph.RoutingDeadEnd{Node: state.CurrentNode}
			state, _ = graph.Set(state, graph.FieldStatus, graph.StatusFailed, time.Now())
			o.persist(ctx, rec, state)
			return envelope.BuildFailed(state, err, time.Now()), nil
		case 1:
			state = graph.Advance(state, next[0], time.Now())
		default:
			if o.metrics != nil {
				o.metrics.IncrementRoutingAmbiguity(state.CurrentNode, "ambiguous")
			}
			err := &graph.RoutingAmbiguity{Node: state.CurrentNode, Candidates: next}
			state, _ = graph.Set(state, graph.FieldStatus, graph.StatusFailed, time.Now())
			o.persist(ctx, rec, state)
			return envelope.BuildFailed(state, err, time.Now()), nil
		}
	}
}

// invokeWithRetry runs desc.Implementation under its NodePolicy's
// timeout, retrying TransientError failures per the policy's
// RetryPolicy with jittered exponential backoff. Every attempt (the
// finalize node excepted) emits a distinct agent_start/agent_end pair
// carrying its attempt number, and wires NodeContext.EmitProgress so a
// node can publish agent_progress events mid-invocation (spec.md
// sections 4.5 and 6.3).
func (o *Orchestrator) invokeWithRetry(ctx context.Context, desc registry.NodeDescriptor, state graph.GraphState, caps graph.CapabilitySet) (graph.NodeOutcome, error) {
	emitEvents := desc.Kind != finalizeKind
	actionLabel := desc.ActionLabel()

	maxAttempts := 1
	var policy *graph.NodePolicy
	if desc.Policy != nil {
		policy = desc.Policy
		if policy.Retry != nil && policy.Retry.MaxAttempts > 1 {
			maxAttempts = policy.Retry.MaxAttempts
		}
	}

	var last graph.NodeOutcome
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		nodeCtx := &graph.NodeContext{
			TraceID:   state.TraceID,
			SessionID: state.SessionID,
			Attempt:   attempt,
		}
		nodeCtx.EmitProgress = func(content string, meta map[string]interface{}) {
			evtMeta := map[string]any{"attempt": attempt}
			for k, v := range meta {
				evtMeta[k] = v
			}
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeAgentProgress,
				ToNode:  desc.Name,
				Agent:   desc.Name,
				Action:  actionLabel,
				Data:    progressData(content),
				Meta:    evtMeta,
			})
		}

		if emitEvents {
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeAgentStart,
				ToNode:  desc.Name,
				Agent:   desc.Name,
				Action:  actionLabel,
				Meta:    map[string]any{"attempt": attempt},
			})
		}

		started := time.Now()
		spanCtx, span := o.startNodeSpan(ctx, state.SessionID, state.TraceID, desc.Name, attempt)
		nodeCtx.Ctx = spanCtx
		outcome, err := graph.ExecuteNodeWithTimeout(spanCtx, desc.Implementation, desc.Name, state, caps, nodeCtx, policy, o.opts.NodeTimeout, o.opts.GraceDuration)
		endNodeSpan(span, err)
		last, lastErr = outcome, err

		status := "ok"
		if err != nil {
			status = "error"
		}
		if o.metrics != nil {
			o.metrics.RecordNodeLatency(state.SessionID, desc.Name, time.Since(started), status)
		}

		var transient *graph.TransientError
		retrying := err != nil && errors.As(err, &transient) && attempt < maxAttempts-1

		if emitEvents {
			endStatus := agentEndStatus(ctx, err)
			if retrying {
				endStatus = "retrying"
			}
			o.broadcaster.Publish(state.SessionID, broadcast.Event{
				TraceID: state.TraceID,
				Type:    broadcast.TypeAgentEnd,
				ToNode:  desc.Name,
				Agent:   desc.Name,
				Action:  actionLabel,
				Meta:    map[string]any{"attempt": attempt, "status": endStatus},
			})
		}

		if err == nil || !errors.As(err, &transient) {
			return outcome, err
		}
		if attempt == maxAttempts-1 {
			return outcome, &graph.FatalNodeError{Node: desc.Name, Kind: graph.FatalUnhandled, Err: transient}
		}
		if o.metrics != nil {
			o.metrics.IncrementRetries(state.SessionID, desc.Name, "transient")
		}

		base, max := time.Second, 10*time.Second
		if policy != nil && policy.Retry != nil {
			if policy.Retry.BaseDelay > 0 {
				base = policy.Retry.BaseDelay
			}
			if policy.Retry.MaxDelay > 0 {
				max = policy.Retry.MaxDelay
			}
		}
		select {
		case <-time.After(graph.ComputeBackoff(attempt, base, max, nil)):
		case <-ctx.Done():
			return outcome, ctx.Err()
		}
	}
	return last, lastErr
}

// agentEndStatus classifies the outcome of one invocation attempt for
// an agent_end event's meta.status: "ok" on success or a human-gate
// pause, "cancelled" when the parent context was cancelled (scenario 4
// of spec.md section 8), "failed" otherwise.
func agentEndStatus(ctx context.Context, err error) string {
	if err == nil || errors.Is(err, graph.HumanGatePending) {
		return "ok"
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	var fatal *graph.FatalNodeError
	if errors.As(err, &fatal) && (fatal.Kind == graph.FatalCancelled || fatal.Kind == graph.FatalTimeout) {
		return "cancelled"
	}
	return "failed"
}

func progressData(content string) []byte {
	if content == "" {
		return nil
	}
	raw, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: content})
	if err != nil {
		return nil
	}
	return raw
}

func (o *Orchestrator) persist(ctx context.Context, rec *store.SessionRecord, state graph.GraphState) {
	rec.Append(state, o.opts.HistoryDepth)
	rec.LastActiveAt = state.UpdatedAt
	rec.TTLExpiresAt = state.UpdatedAt.Add(o.opts.SessionTTL)
	if rec.GraphVersionPins == nil {
		rec.GraphVersionPins = make(map[string]uint64)
	}
	rec.GraphVersionPins[state.SessionID] = uint64(state.GraphVersion)
	if err := o.store.Put(ctx, *rec); err != nil {
		log.Error().Err(err).Str("session_id", state.SessionID).Msg("orchestrator: failed to persist session")
	}
}

// anySideEffecting reports whether any node in completedNodes is marked
// SideEffecting in the compiled graph, disqualifying the turn from the
// anti-repetition short-circuit (spec.md section 4.5).
func anySideEffecting(cg *registry.CompiledGraph, completedNodes []string) bool {
	for _, name := range completedNodes {
		if d, ok := cg.Descriptor(name); ok && d.SideEffecting {
			return true
		}
	}
	return false
}

// responseFromMetadata reads back the text/action/metrics an
// AssembleNode stashed under response_metadata.
func responseFromMetadata(state graph.GraphState) (text, action string, metrics map[string]interface{}) {
	if v, ok := state.ResponseMetadata.Get("text"); ok {
		text, _ = v.(string)
	}
	if v, ok := state.ResponseMetadata.Get("action"); ok {
		action, _ = v.(string)
	}
	if v, ok := state.ResponseMetadata.Get("metrics"); ok {
		metrics, _ = v.(map[string]interface{})
	}
	return text, action, metrics
}
