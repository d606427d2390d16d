package graph

import "context"

// CapabilitySet is the mapping of capability-name to opaque handle an
// orchestrator passes into Invoke, populated from the node's declared
// capabilities (see graph/registry.NodeDescriptor.RequiredCapabilities).
// A node type-asserts the capability it expects; graph/capability
// defines the contract interfaces a concrete capability satisfies.
type CapabilitySet map[string]interface{}

// NodeContext is the per-invocation context handed to every node: a
// cancellation signal and deadline (via Ctx), a progress-emit callback,
// and the turn's trace ID. Nodes must treat Ctx as the sole source of
// cancellation/deadline — the runtime never kills a node any other way.
type NodeContext struct {
	Ctx          context.Context
	TraceID      string
	SessionID    string
	Attempt      int
	EmitProgress func(content string, meta map[string]interface{})
}

// NodeOutcome is what a node returns: the new snapshot it produced via
// the mutator functions in mutator.go. A node must never return state
// mutated in place from the snapshot it was given.
type NodeOutcome struct {
	State GraphState
}

// Node is any value satisfying the node contract of spec section 6.3:
// invoke(state, capabilities, context) -> { next_state }.
type Node interface {
	Invoke(state GraphState, caps CapabilitySet, nodeCtx *NodeContext) (NodeOutcome, error)
}

// NodeFunc adapts a plain function to the Node interface, the way
// http.HandlerFunc adapts a function to http.Handler.
type NodeFunc func(state GraphState, caps CapabilitySet, nodeCtx *NodeContext) (NodeOutcome, error)

// Invoke calls f.
func (f NodeFunc) Invoke(state GraphState, caps CapabilitySet, nodeCtx *NodeContext) (NodeOutcome, error) {
	return f(state, caps, nodeCtx)
}
