// Package graph provides the execution engine that drives a turn through
// a directed graph of cooperating nodes.
package graph

import "time"

// Intent is the closed set of conversation intents an IntentNode may assign.
type Intent string

const (
	IntentGreeting  Intent = "greeting"
	IntentSummary   Intent = "summary"
	IntentBranch    Intent = "branch"
	IntentAnomaly   Intent = "anomaly"
	IntentDocument  Intent = "document"
	IntentDatabase  Intent = "database"
	IntentNews      Intent = "news"
	IntentSmalltalk Intent = "smalltalk"
	IntentUnknown   Intent = "unknown"
)

// Status is the closed set of turn-lifecycle states carried on GraphState.
type Status string

const (
	StatusInitialized    Status = "initialized"
	StatusProcessing     Status = "processing"
	StatusAwaitingHuman  Status = "awaiting_human"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusPaused         Status = "paused"
)

// TaskStatus is the closed set of states a queued PendingTask can be in.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// PlanStep is one step of a Reasoning-produced plan.
type PlanStep struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	TargetAgent    string `json:"target_agent"`
	ExpectedOutput string `json:"expected_output"`
}

// Task is one unit of work a router or plan handed to an agent.
type Task struct {
	ID      string      `json:"id"`
	Agent   string      `json:"agent"`
	Payload interface{} `json:"payload"`
	Status  TaskStatus  `json:"status"`
}

// Hashes holds the anti-repetition fingerprints carried on GraphState.
type Hashes struct {
	QueryHash       string `json:"query_hash,omitempty"`
	LastSummaryHash string `json:"last_summary_hash,omitempty"`
}

// GraphState is the immutable-by-convention execution context carried
// through the graph. Every mutation must go through the functions in
// mutator.go — nodes and runtime code never modify a GraphState field
// in place; doing so is a correctness bug, not a style preference, since
// checkpointing and anti-repetition hashing both assume snapshots never
// change underneath them.
type GraphState struct {
	SessionID   string `json:"session_id"`
	TraceID     string `json:"trace_id"`
	UserMessage string `json:"user_message"`

	Intent           Intent  `json:"intent"`
	IntentConfidence float64 `json:"intent_confidence"`

	Plan            []PlanStep `json:"plan"`
	RoutingDecision string     `json:"routing_decision"`
	PendingTasks    []Task     `json:"pending_tasks"`

	AgentResults     *OrderedMap `json:"agent_results"`
	ResponseMetadata *OrderedMap `json:"response_metadata"`

	CompletedNodes []string `json:"completed_nodes"`
	CurrentNode    string   `json:"current_node,omitempty"`
	PreviousNode   string   `json:"previous_node,omitempty"`

	Status Status `json:"status"`
	Step   int    `json:"step"`

	Hashes Hashes `json:"hashes"`

	HumanGateReason string `json:"human_gate_reason,omitempty"`
	ResumeToken     string `json:"resume_token,omitempty"`

	// GraphVersion pins the turn to the compiled graph it started on
	// (registry.DynamicGraphManager.Rebuild never affects an in-flight
	// turn — see graph/registry).
	GraphVersion int `json:"graph_version"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	TurnStartedAt time.Time `json:"turn_started_at"`
}

// NewGraphState returns the zero-value turn state for a brand-new session.
func NewGraphState(sessionID string, now time.Time) GraphState {
	return GraphState{
		SessionID:        sessionID,
		Status:           StatusInitialized,
		AgentResults:     NewOrderedMap(),
		ResponseMetadata: NewOrderedMap(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// clone returns a deep-enough copy of s: every field a mutator can modify
// gets a fresh backing array/map so the returned GraphState shares no
// mutable storage with s.
func (s GraphState) clone() GraphState {
	next := s
	next.Plan = append([]PlanStep(nil), s.Plan...)
	next.PendingTasks = append([]Task(nil), s.PendingTasks...)
	next.CompletedNodes = append([]string(nil), s.CompletedNodes...)
	next.AgentResults = s.AgentResults.Clone()
	next.ResponseMetadata = s.ResponseMetadata.Clone()
	return next
}
