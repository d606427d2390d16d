package graph

// Edge represents an unconditional connection between two nodes. When a
// node has no conditional registered for it, the runtime follows its
// single outgoing edge (spec.md 4.5: "the graph spec defines a total
// order; the first in spec order is taken" when more than one exists
// without a conditional).
type Edge struct {
	From string
	To   string
}

// Predicate evaluates state to determine if an edge should be traversed.
// Predicates must be pure: deterministic, no side effects.
type Predicate func(state GraphState) bool

// Conditional is a pure function (state) -> next-node-name, used for
// router-style nodes per spec.md 3.5. It must return either the name of
// a registered node or "finalize".
type Conditional func(state GraphState) string
