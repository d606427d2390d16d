// Package nodes provides the scaffold node kinds every compiled graph
// needs (intent classification, routing, human gating, response
// assembly, finalization) plus AgentNode, a capability-resolving
// wrapper delegated work is dispatched through.
package nodes

import (
	"time"

	"github.com/flowmesh/agentgraph/graph"
	"github.com/flowmesh/agentgraph/graph/capability"
)

func now() time.Time { return time.Now() }

// Classifier assigns an Intent and confidence to a user message. A
// real implementation is usually an AgentNode backed by an LLMClient;
// IntentNode just wires the classification result into GraphState.
type Classifier interface {
	Classify(state graph.GraphState, caps graph.CapabilitySet, nodeCtx *graph.NodeContext) (graph.Intent, float64, error)
}

// IntentNode runs a Classifier and, if its confidence falls below
// floor, forces intent to smalltalk (spec.md section 4.6).
type IntentNode struct {
	Classify              Classifier
	IntentConfidenceFloor float64
}

// Invoke implements graph.Node.
func (n *IntentNode) Invoke(state graph.GraphState, caps graph.CapabilitySet, nodeCtx *graph.NodeContext) (graph.NodeOutcome, error) {
	intent, confidence, err := n.Classify.Classify(state, caps, nodeCtx)
	if err != nil {
		return graph.NodeOutcome{State: state}, &graph.FatalNodeError{Node: "intent", Kind: graph.FatalUnhandled, Err: err}
	}
	if confidence < n.IntentConfidenceFloor {
		intent = graph.IntentSmalltalk
	}

	next, err := graph.Set(state, graph.FieldIntent, intent, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	next, err = graph.Set(next, graph.FieldIntentConfidence, confidence, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, nil
}

// Router maps an Intent to the next node's name, or "" for a router
// that has no opinion (falls through to RouterNode's default).
type Router func(state graph.GraphState) string

// RouterNode consults Route to pick routing_decision; if Route returns
// "", Default is used, and if Default is also empty the turn fails with
// RoutingDeadEnd.
type RouterNode struct {
	Route   Router
	Default string
}

// Invoke implements graph.Node.
func (n *RouterNode) Invoke(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
	decision := n.Route(state)
	if decision == "" {
		decision = n.Default
	}
	if decision == "" {
		return graph.NodeOutcome{State: state}, &graph.RoutingDeadEnd{Node: "router"}
	}
	next, err := graph.Set(state, graph.FieldRoutingDecision, decision, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, nil
}

// HumanGateNode pauses the turn: it sets human_gate_reason, status =
// awaiting_human, and a resume_token, then returns HumanGatePending so
// the engine stops advancing and persists the paused state.
type HumanGateNode struct {
	Reason        string
	GenerateToken func(state graph.GraphState) string
}

// Invoke implements graph.Node.
func (n *HumanGateNode) Invoke(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
	next, err := graph.Set(state, graph.FieldHumanGateReason, n.Reason, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	token := ""
	if n.GenerateToken != nil {
		token = n.GenerateToken(next)
	}
	next, err = graph.Set(next, graph.FieldResumeToken, token, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	next, err = graph.Set(next, graph.FieldStatus, graph.StatusAwaitingHuman, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, graph.HumanGatePending
}

// Assembler produces the human-facing text, raw action string, and any
// numeric metrics (data.metrics in the ResponseEnvelope) for a turn
// from its accumulated agent_results.
type Assembler interface {
	Assemble(state graph.GraphState, caps graph.CapabilitySet, nodeCtx *graph.NodeContext) (text, action string, metrics map[string]interface{}, err error)
}

// AssembleNode runs an Assembler and stashes its output under
// response_metadata so FinalizeNode/envelope.Build can read it back
// without widening the GraphState schema for transient fields.
type AssembleNode struct {
	Assemble Assembler
}

// Invoke implements graph.Node.
func (n *AssembleNode) Invoke(state graph.GraphState, caps graph.CapabilitySet, nodeCtx *graph.NodeContext) (graph.NodeOutcome, error) {
	text, act, metrics, err := n.Assemble.Assemble(state, caps, nodeCtx)
	if err != nil {
		return graph.NodeOutcome{State: state}, &graph.FatalNodeError{Node: "assemble", Kind: graph.FatalUnhandled, Err: err}
	}
	next, err := graph.MergeMapping(state, graph.FieldResponseMetadata, map[string]interface{}{
		"text":    text,
		"action":  act,
		"metrics": metrics,
	}, []string{"text", "action", "metrics"}, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, nil
}

// FinalizeNode marks a turn complete or failed depending on whether it
// arrived here with a pending fatal error recorded in status.
type FinalizeNode struct {
	// Name is the node name this descriptor is registered under; it is
	// appended to completed_nodes since finalize is never advanced away
	// from. Defaults to "finalize".
	Name string
}

// Invoke implements graph.Node.
func (n *FinalizeNode) Invoke(state graph.GraphState, _ graph.CapabilitySet, _ *graph.NodeContext) (graph.NodeOutcome, error) {
	status := graph.StatusCompleted
	if state.Status == graph.StatusFailed {
		status = graph.StatusFailed
	}
	next, err := graph.Set(state, graph.FieldStatus, status, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	// The runtime's Advance only appends the node being left, so finalize
	// (the terminal node nothing is ever advanced away from) must append
	// itself to satisfy "completed_nodes ends with finalize".
	next, err = graph.Append(next, graph.FieldCompletedNodes, n.name(), now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, nil
}

func (n *FinalizeNode) name() string {
	if n.Name != "" {
		return n.Name
	}
	return "finalize"
}

// AgentWork is the application logic an AgentNode delegates to, given
// resolved capabilities.
type AgentWork func(state graph.GraphState, caps capability.LLMClient, tools capability.ToolInvoker, nodeCtx *graph.NodeContext) (result map[string]interface{}, err error)

// AgentNode resolves capability.LLMClient/ToolInvoker out of its
// CapabilitySet, runs Work, and merges the result into agent_results
// under ResultKey.
type AgentNode struct {
	ResultKey string
	Work      AgentWork
}

// Invoke implements graph.Node.
func (n *AgentNode) Invoke(state graph.GraphState, caps graph.CapabilitySet, nodeCtx *graph.NodeContext) (graph.NodeOutcome, error) {
	llm, _ := caps[capability.KeyLLMClient].(capability.LLMClient)
	tools, _ := caps[capability.KeyToolInvoker].(capability.ToolInvoker)

	result, err := n.Work(state, llm, tools, nodeCtx)
	if err != nil {
		return graph.NodeOutcome{State: state}, &graph.TransientError{Node: n.ResultKey, Err: err}
	}

	next, err := graph.MergeMapping(state, graph.FieldAgentResults, map[string]interface{}{
		n.ResultKey: result,
	}, []string{n.ResultKey}, now())
	if err != nil {
		return graph.NodeOutcome{State: state}, err
	}
	return graph.NodeOutcome{State: next}, nil
}
