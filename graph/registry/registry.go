// Package registry holds node descriptors and compiles them, together
// with the edges between them, into an immutable CompiledGraph a turn
// pins to for its whole lifetime — so that a concurrent Rebuild
// (enabling/disabling a node, changing a privilege requirement) never
// changes the graph shape out from under an in-flight turn (spec.md
// section 4.4).
//
// The validation discipline (Add/Connect/StartAt) is pulled into its
// own package here and given atomic-swap rebuild semantics on top.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowmesh/agentgraph/graph"
)

// NodeDescriptor is a registered node plus the metadata the runtime
// needs to route to and gate access to it.
type NodeDescriptor struct {
	Name                 string
	Kind                 string
	// Action is the label stamped on this node's agent_start/agent_end/
	// node_transition events (spec.md section 4.5 step (b)'s
	// map-node-to-action). Falls back to Name when unset.
	Action               string
	RequiredPrivilege    string
	RequiredCapabilities []string
	Enabled              bool
	SideEffecting        bool
	Implementation       graph.Node
	DeclaredOutputs      []string
	Policy               *graph.NodePolicy
}

// ActionLabel returns d.Action, falling back to d.Name.
func (d NodeDescriptor) ActionLabel() string {
	if d.Action != "" {
		return d.Action
	}
	return d.Name
}

// PrivilegeConflictError is returned when two descriptors for the same
// node name disagree on RequiredPrivilege across a Register call.
type PrivilegeConflictError struct {
	Name     string
	Existing string
	New      string
}

func (e *PrivilegeConflictError) Error() string {
	return fmt.Sprintf("registry: node %q already registered with privilege %q, cannot re-register with %q",
		e.Name, e.Existing, e.New)
}

// InUseError is returned when Unregister is called on a node that a
// CompiledGraph still references.
type InUseError struct {
	Name string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("registry: node %q is referenced by the current compiled graph", e.Name)
}

// GraphSpec is the declarative edge list a caller submits to Rebuild.
type GraphSpec struct {
	StartNode   string
	Edges       []graph.Edge
	Conditional map[string]graph.Conditional
}

// CompiledGraph is an immutable, routable snapshot of a GraphSpec over
// the registry's nodes at the moment it was compiled.
type CompiledGraph struct {
	Version     uint64
	StartNode   string
	Nodes       map[string]NodeDescriptor
	Edges       []graph.Edge
	Conditional map[string]graph.Conditional
}

// Descriptor looks up a node by name.
func (g *CompiledGraph) Descriptor(name string) (NodeDescriptor, bool) {
	d, ok := g.Nodes[name]
	return d, ok
}

// NextNodes returns the routing candidates for fromNode: the
// conditional's chosen target if one is registered for fromNode,
// otherwise every edge whose predicate (or absence of one) allows the
// transition.
func (g *CompiledGraph) NextNodes(fromNode string, state graph.GraphState) []string {
	if cond, ok := g.Conditional[fromNode]; ok && cond != nil {
		if next := cond(state); next != "" {
			return []string{next}
		}
		return nil
	}

	var next []string
	for _, e := range g.Edges {
		if e.From != fromNode {
			continue
		}
		next = append(next, e.To)
	}
	return next
}

// NodeRegistry holds every known NodeDescriptor, independent of any
// compiled graph.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]NodeDescriptor
}

// NewNodeRegistry returns an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]NodeDescriptor)}
}

// Register adds or updates a node descriptor. Re-registering an
// existing name with a different RequiredPrivilege is rejected — a
// privilege change must go through Unregister then Register, which
// forces a conscious Rebuild.
func (r *NodeRegistry) Register(d NodeDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: node name cannot be empty")
	}
	if d.Implementation == nil {
		return fmt.Errorf("registry: node %q has no implementation", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[d.Name]; ok && existing.RequiredPrivilege != d.RequiredPrivilege {
		return &PrivilegeConflictError{Name: d.Name, Existing: existing.RequiredPrivilege, New: d.RequiredPrivilege}
	}
	r.nodes[d.Name] = d
	return nil
}

// SetEnabled flips a node's Enabled flag without otherwise altering its
// descriptor.
func (r *NodeRegistry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("registry: node %q not found", name)
	}
	d.Enabled = enabled
	r.nodes[name] = d
	return nil
}

// Unregister removes a node descriptor. inUse reports, for each node
// name, whether the current CompiledGraph still references it; callers
// pass DynamicGraphManager.InUse.
func (r *NodeRegistry) Unregister(name string, inUse func(string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; !ok {
		return fmt.Errorf("registry: node %q not found", name)
	}
	if inUse != nil && inUse(name) {
		return &InUseError{Name: name}
	}
	delete(r.nodes, name)
	return nil
}

func (r *NodeRegistry) snapshot() map[string]NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]NodeDescriptor, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

// DynamicGraphManager compiles GraphSpecs against a NodeRegistry and
// publishes the result behind an atomic pointer, so a starting turn can load
// the graph version it runs on without taking a lock, and a concurrent
// Rebuild never mutates a graph an in-flight turn is routing against.
type DynamicGraphManager struct {
	registry *NodeRegistry
	current  atomic.Pointer[CompiledGraph]
	version  atomic.Uint64
}

// NewDynamicGraphManager wires a manager to registry. Current returns
// nil until the first successful Rebuild.
func NewDynamicGraphManager(registry *NodeRegistry) *DynamicGraphManager {
	return &DynamicGraphManager{registry: registry}
}

// Rebuild validates spec against the registry's current nodes (start
// node exists, edges reference known nodes) and, on success, publishes a
// new CompiledGraph with an incremented Version.
func (m *DynamicGraphManager) Rebuild(spec GraphSpec) (*CompiledGraph, error) {
	nodes := m.registry.snapshot()

	if spec.StartNode == "" {
		return nil, fmt.Errorf("registry: graph spec has no start node")
	}
	if _, ok := nodes[spec.StartNode]; !ok {
		return nil, fmt.Errorf("registry: start node %q is not registered", spec.StartNode)
	}
	for _, e := range spec.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, fmt.Errorf("registry: edge references unregistered node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, fmt.Errorf("registry: edge references unregistered node %q", e.To)
		}
	}
	for name := range spec.Conditional {
		if _, ok := nodes[name]; !ok {
			return nil, fmt.Errorf("registry: conditional references unregistered node %q", name)
		}
	}

	version := m.version.Add(1)
	cg := &CompiledGraph{
		Version:     version,
		StartNode:   spec.StartNode,
		Nodes:       nodes,
		Edges:       append([]graph.Edge(nil), spec.Edges...),
		Conditional: spec.Conditional,
	}
	m.current.Store(cg)
	return cg, nil
}

// Current returns the most recently published CompiledGraph, or nil if
// Rebuild has never succeeded.
func (m *DynamicGraphManager) Current() *CompiledGraph {
	return m.current.Load()
}

// InUse reports whether name is referenced by the currently published
// CompiledGraph (as the start node, an edge endpoint, or a conditional
// key) — the predicate NodeRegistry.Unregister expects.
func (m *DynamicGraphManager) InUse(name string) bool {
	cg := m.current.Load()
	if cg == nil {
		return false
	}
	if cg.StartNode == name {
		return true
	}
	if _, ok := cg.Conditional[name]; ok {
		return true
	}
	for _, e := range cg.Edges {
		if e.From == name || e.To == name {
			return true
		}
	}
	return false
}
