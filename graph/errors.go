package graph

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that a turn reached the maximum allowed
// step count without reaching a terminal node. This prevents infinite
// loops and runaway executions.
var ErrMaxStepsExceeded = errors.New("turn exceeded maximum step limit")

// ErrBackpressure indicates the session scheduler's queue is saturated.
var ErrBackpressure = errors.New("session scheduler backpressure exceeded threshold")

// HumanGatePending is a sentinel, not a real error: a gate node returns
// it from Invoke when it pauses the turn. The orchestrator's turn loop
// checks errors.Is(err, HumanGatePending) and ends the turn with an
// awaiting_human envelope rather than treating it as a failure.
var HumanGatePending = errors.New("turn paused awaiting human decision")

// TransientError marks a node failure the runtime should retry per the
// node's RetryPolicy (network blip, lock contention, rate limit).
type TransientError struct {
	Node string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("node %q: transient error: %v", e.Node, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalNodeErrorKind is the closed set of reasons a turn can abort.
type FatalNodeErrorKind string

const (
	FatalUnhandled       FatalNodeErrorKind = "unhandled"
	FatalTimeout         FatalNodeErrorKind = "timeout"
	FatalCancelled       FatalNodeErrorKind = "cancelled"
	FatalInvalidOutput   FatalNodeErrorKind = "invalid_output"
	FatalPrivilegeDenied FatalNodeErrorKind = "privilege_denied"
)

// FatalNodeError aborts the turn; the runtime routes to Finalize with
// status = failed and populates envelope.meta.error from it.
type FatalNodeError struct {
	Node string
	Kind FatalNodeErrorKind
	Err  error
}

func (e *FatalNodeError) Error() string {
	return fmt.Sprintf("node %q: fatal error (%s): %v", e.Node, e.Kind, e.Err)
}

func (e *FatalNodeError) Unwrap() error { return e.Err }

// RoutingAmbiguity is a programming error: a router node returned more
// than one candidate next-node, or an edge set without a conditional
// has more than one match without a defined tie-break.
type RoutingAmbiguity struct {
	Node       string
	Candidates []string
}

func (e *RoutingAmbiguity) Error() string {
	return fmt.Sprintf("node %q: ambiguous routing among %v", e.Node, e.Candidates)
}

// RoutingDeadEnd is a programming error: the current node has no
// conditional and no outgoing edge, and is not a terminal node.
type RoutingDeadEnd struct {
	Node string
}

func (e *RoutingDeadEnd) Error() string {
	return fmt.Sprintf("node %q: no outgoing edge and not terminal", e.Node)
}

// InvalidFieldError signals a StateMutator call against a field the
// schema does not declare.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// TypeMismatchError signals a StateMutator call whose value does not
// match the field's declared shape.
type TypeMismatchError struct {
	Field  string
	Reason string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on field %q: %s", e.Field, e.Reason)
}

// SessionNotFoundError is surfaced to the orchestrator's caller; it
// never causes a snapshot mutation.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

// ResumeTokenInvalidError is surfaced to the caller of Resume when the
// supplied token does not match the session's current pending gate.
type ResumeTokenInvalidError struct {
	SessionID string
}

func (e *ResumeTokenInvalidError) Error() string {
	return fmt.Sprintf("resume token invalid for session %q", e.SessionID)
}
