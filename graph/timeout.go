package graph

import (
	"context"
	"errors"
	"time"
)

// getNodeTimeout determines the timeout duration for a node using the
// precedence from spec.md 4.5: NodePolicy.Timeout, then the engine-wide
// default, then unlimited (0).
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout enforces the per-node deadline of spec.md
// section 5: the node is cancelled at timeout, the runtime waits up to
// grace for it to return, then (if it hasn't) synthesizes a
// FatalNodeError{Kind: timeout}.
func executeNodeWithTimeout(
	parent context.Context,
	node Node,
	nodeID string,
	state GraphState,
	caps CapabilitySet,
	nodeCtx *NodeContext,
	policy *NodePolicy,
	defaultTimeout time.Duration,
	grace time.Duration,
) (NodeOutcome, error) {
	timeout := getNodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return node.Invoke(state, caps, nodeCtx)
	}

	timeoutCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	innerCtx := *nodeCtx
	innerCtx.Ctx = timeoutCtx

	type result struct {
		outcome NodeOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := node.Invoke(state, caps, &innerCtx)
		done <- result{outcome, err}
	}()

	// timedOut reports whether a returned result is the node giving up at
	// its own deadline (no error, or the context's deadline error).
	timedOut := func(err error) bool {
		return timeoutCtx.Err() == context.DeadlineExceeded && (err == nil || errors.Is(err, context.DeadlineExceeded))
	}

	select {
	case r := <-done:
		if timedOut(r.err) {
			return r.outcome, &FatalNodeError{Node: nodeID, Kind: FatalTimeout, Err: timeoutCtx.Err()}
		}
		return r.outcome, r.err
	case <-timeoutCtx.Done():
		select {
		case r := <-done:
			if timedOut(r.err) {
				return r.outcome, &FatalNodeError{Node: nodeID, Kind: FatalTimeout, Err: timeoutCtx.Err()}
			}
			return r.outcome, r.err
		case <-time.After(grace):
			return NodeOutcome{State: state}, &FatalNodeError{Node: nodeID, Kind: FatalTimeout, Err: timeoutCtx.Err()}
		}
	}
}

// ExecuteNodeWithTimeout is the exported form of executeNodeWithTimeout,
// used by graph/orchestrator to invoke a node under its NodePolicy's
// deadline without duplicating the cancel/grace-period dance.
func ExecuteNodeWithTimeout(
	parent context.Context,
	node Node,
	nodeID string,
	state GraphState,
	caps CapabilitySet,
	nodeCtx *NodeContext,
	policy *NodePolicy,
	defaultTimeout time.Duration,
	grace time.Duration,
) (NodeOutcome, error) {
	return executeNodeWithTimeout(parent, node, nodeID, state, caps, nodeCtx, policy, defaultTimeout, grace)
}
