// Package envelope assembles the final ResponseEnvelope a turn returns
// to its caller, per spec.md section 4.7. The shape is deliberately
// language-neutral and numeric-first: downstream callers read
// data.metrics/meta fields instead of parsing the response text.
package envelope

import (
	"errors"
	"time"

	"github.com/flowmesh/agentgraph/graph"
)

// Status is the closed set of turn outcomes a ResponseEnvelope carries.
// This is distinct from action.Action (the per-event UX label on the
// final agent_end/node_transition event): Status describes how the
// turn itself ended, not what the assembled response is about.
type Status string

const (
	StatusOK             Status = "ok"
	StatusFailed         Status = "failed"
	StatusAwaitingHuman  Status = "awaiting_human"
)

// Data holds everything an assembled response needs to render: the
// human-facing message, any numeric metrics a node computed, the plan
// that produced it, and the raw per-agent results.
type Data struct {
	Message      string            `json:"message"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Plan         []graph.PlanStep  `json:"plan,omitempty"`
	AgentResults *graph.OrderedMap `json:"agent_results,omitempty"`
}

// Error carries the failure classification spec.md section 7 requires
// on every failed turn's envelope.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

// HumanGate carries the pending-gate details a caller needs to resume
// a paused turn.
type HumanGate struct {
	Reason      string `json:"reason"`
	ResumeToken string `json:"resume_token"`
	Node        string `json:"node,omitempty"`
}

// Meta holds bookkeeping about the turn that produced Data: the nodes
// it traversed, how long it took, which compiled graph version it
// pinned to, and (when applicable) why it failed or where it paused.
type Meta struct {
	CompletedNodes []string   `json:"completed_nodes"`
	DurationMS     int64      `json:"duration_ms"`
	GraphVersion   int        `json:"graph_version"`
	Error          *Error     `json:"error,omitempty"`
	HumanGate      *HumanGate `json:"human_gate,omitempty"`
}

// ResponseEnvelope is the shape a completed, paused, or failed turn
// returns, matching spec.md section 4.7 exactly.
type ResponseEnvelope struct {
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`
	Status    Status `json:"status"`
	Data      Data   `json:"data"`
	Meta      Meta   `json:"meta"`
}

func durationMS(state graph.GraphState, completedAt time.Time) int64 {
	if state.TurnStartedAt.IsZero() {
		return 0
	}
	return completedAt.Sub(state.TurnStartedAt).Milliseconds()
}

func baseEnvelope(state graph.GraphState, text string, metrics map[string]interface{}, completedAt time.Time) ResponseEnvelope {
	return ResponseEnvelope{
		SessionID: state.SessionID,
		TraceID:   state.TraceID,
		Data: Data{
			Message:      text,
			Metrics:      metrics,
			Plan:         append([]graph.PlanStep(nil), state.Plan...),
			AgentResults: state.AgentResults,
		},
		Meta: Meta{
			CompletedNodes: append([]string(nil), state.CompletedNodes...),
			DurationMS:     durationMS(state, completedAt),
			GraphVersion:   state.GraphVersion,
		},
	}
}

// Build assembles a successful (status=ok) ResponseEnvelope from a
// terminal GraphState and the text/metrics an AssembleNode produced.
func Build(state graph.GraphState, text string, metrics map[string]interface{}, completedAt time.Time) ResponseEnvelope {
	env := baseEnvelope(state, text, metrics, completedAt)
	env.Status = StatusOK
	return env
}

// BuildAwaitingHuman assembles a paused (status=awaiting_human)
// ResponseEnvelope, populating meta.human_gate with the resume token a
// caller needs to continue the turn (scenario 3 of spec.md section 8).
func BuildAwaitingHuman(state graph.GraphState, completedAt time.Time) ResponseEnvelope {
	env := baseEnvelope(state, "", nil, completedAt)
	env.Status = StatusAwaitingHuman
	env.Meta.HumanGate = &HumanGate{
		Reason:      state.HumanGateReason,
		ResumeToken: state.ResumeToken,
		Node:        state.CurrentNode,
	}
	return env
}

// BuildFailed assembles a failed (status=failed) ResponseEnvelope with
// meta.error populated from err, per spec.md section 7's requirement
// that every failed turn produce a structured envelope rather than a
// bare Go error.
func BuildFailed(state graph.GraphState, err error, completedAt time.Time) ResponseEnvelope {
	env := baseEnvelope(state, "", nil, completedAt)
	env.Status = StatusFailed
	env.Meta.Error = &Error{
		Kind:    errorKind(err),
		Message: err.Error(),
		Node:    errorNode(err),
	}
	return env
}

// errorKind classifies err into the closed set of error kinds
// spec.md section 7 defines for meta.error.kind.
func errorKind(err error) string {
	var fatal *graph.FatalNodeError
	if errors.As(err, &fatal) {
		return string(fatal.Kind)
	}
	var ambiguity *graph.RoutingAmbiguity
	if errors.As(err, &ambiguity) {
		return "routing_ambiguity"
	}
	var deadEnd *graph.RoutingDeadEnd
	if errors.As(err, &deadEnd) {
		return "routing_dead_end"
	}
	if errors.Is(err, graph.ErrMaxStepsExceeded) {
		return "max_steps_exceeded"
	}
	var sessionNotFound *graph.SessionNotFoundError
	if errors.As(err, &sessionNotFound) {
		return "session_not_found"
	}
	var resumeInvalid *graph.ResumeTokenInvalidError
	if errors.As(err, &resumeInvalid) {
		return "resume_token_invalid"
	}
	return "unhandled"
}

// errorNode extracts the node name implicated by err, when the error
// type carries one.
func errorNode(err error) string {
	var fatal *graph.FatalNodeError
	if errors.As(err, &fatal) {
		return fatal.Node
	}
	var ambiguity *graph.RoutingAmbiguity
	if errors.As(err, &ambiguity) {
		return ambiguity.Node
	}
	var deadEnd *graph.RoutingDeadEnd
	if errors.As(err, &deadEnd) {
		return deadEnd.Node
	}
	return ""
}
