package graph

import "time"

// mutableField names the GraphState fields StateMutator is allowed to
// touch. Anything else is an InvalidFieldError — the schema exists so a
// node's typo never silently lands in the wrong place.
type mutableField string

const (
	FieldIntent           mutableField = "intent"
	FieldIntentConfidence mutableField = "intent_confidence"
	FieldRoutingDecision  mutableField = "routing_decision"
	FieldStatus           mutableField = "status"
	FieldHumanGateReason  mutableField = "human_gate_reason"
	FieldResumeToken      mutableField = "resume_token"
	FieldUserMessage      mutableField = "user_message"

	FieldAgentResults     mutableField = "agent_results"
	FieldResponseMetadata mutableField = "response_metadata"
	FieldHashes           mutableField = "hashes"

	FieldCompletedNodes mutableField = "completed_nodes"
	FieldPlan           mutableField = "plan"
	FieldPendingTasks   mutableField = "pending_tasks"
)

// Set returns a new snapshot with one scalar field replaced. UpdatedAt is
// always refreshed. now is passed in explicitly (rather than time.Now())
// so the runtime controls the clock used for a given turn.
func Set(state GraphState, field mutableField, value interface{}, now time.Time) (GraphState, error) {
	next := state.clone()
	switch field {
	case FieldIntent:
		v, ok := value.(Intent)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want graph.Intent"}
		}
		next.Intent = v
	case FieldIntentConfidence:
		v, ok := value.(float64)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want float64"}
		}
		next.IntentConfidence = v
	case FieldRoutingDecision:
		v, ok := value.(string)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want string"}
		}
		next.RoutingDecision = v
	case FieldStatus:
		v, ok := value.(Status)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want graph.Status"}
		}
		if v == StatusAwaitingHuman && next.HumanGateReason == "" {
			return state, &InvalidFieldError{Field: string(field), Reason: "awaiting_human requires human_gate_reason to be set first"}
		}
		next.Status = v
	case FieldHumanGateReason:
		v, ok := value.(string)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want string"}
		}
		next.HumanGateReason = v
	case FieldResumeToken:
		v, ok := value.(string)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want string"}
		}
		next.ResumeToken = v
	case FieldUserMessage:
		v, ok := value.(string)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want string"}
		}
		next.UserMessage = v
	case FieldHashes:
		v, ok := value.(Hashes)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want graph.Hashes"}
		}
		next.Hashes = v
	default:
		return state, &InvalidFieldError{Field: string(field), Reason: "not a settable field"}
	}
	next.UpdatedAt = now
	return next, nil
}

// MergeMapping key-by-key overwrites into a mapping field. New keys are
// appended preserving insertion order; existing keys are replaced in place.
func MergeMapping(state GraphState, field mutableField, kv map[string]interface{}, order []string, now time.Time) (GraphState, error) {
	next := state.clone()
	var target *OrderedMap
	switch field {
	case FieldAgentResults:
		target = next.AgentResults
	case FieldResponseMetadata:
		target = next.ResponseMetadata
	default:
		return state, &InvalidFieldError{Field: string(field), Reason: "not a mapping field"}
	}
	if order == nil {
		for k, v := range kv {
			target.Set(k, v)
		}
	} else {
		for _, k := range order {
			v, ok := kv[k]
			if !ok {
				continue
			}
			target.Set(k, v)
		}
	}
	next.UpdatedAt = now
	return next, nil
}

// Append appends value to a sequence field.
func Append(state GraphState, field mutableField, value interface{}, now time.Time) (GraphState, error) {
	next := state.clone()
	switch field {
	case FieldCompletedNodes:
		v, ok := value.(string)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want string"}
		}
		next.CompletedNodes = append(next.CompletedNodes, v)
	case FieldPlan:
		v, ok := value.(PlanStep)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want graph.PlanStep"}
		}
		next.Plan = append(next.Plan, v)
	case FieldPendingTasks:
		v, ok := value.(Task)
		if !ok {
			return state, &TypeMismatchError{Field: string(field), Reason: "want graph.Task"}
		}
		next.PendingTasks = append(next.PendingTasks, v)
	default:
		return state, &InvalidFieldError{Field: string(field), Reason: "not an appendable field"}
	}
	next.UpdatedAt = now
	return next, nil
}

// Advance moves the turn pointer to toNode: previous_node becomes the
// current node, current_node becomes toNode, step increments, and the
// node being left is appended to completed_nodes (unless this is the
// very first advance of the turn, where CurrentNode is still empty).
func Advance(state GraphState, toNode string, now time.Time) GraphState {
	next := state.clone()
	if next.CurrentNode != "" {
		next.CompletedNodes = append(next.CompletedNodes, next.CurrentNode)
	}
	next.PreviousNode = next.CurrentNode
	next.CurrentNode = toNode
	next.Step++
	next.UpdatedAt = now
	return next
}
