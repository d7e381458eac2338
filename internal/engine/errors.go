// Package engine drives workflows through their state machine: planning,
// approval gating, step execution, and terminal bookkeeping. One engine task
// owns each workflow; external callers get snapshots.
package engine

import (
	"errors"
	"fmt"
)

// ErrWorkflowNotFound is returned when no workflow with the given id is known.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowTerminal is returned when an operation needs a live workflow but
// the workflow has already reached a terminal state.
var ErrWorkflowTerminal = errors.New("workflow is already terminal")

// ErrTooManyWorkflows is returned when admission would exceed the configured
// in-flight cap. Callers should retry later rather than queue.
var ErrTooManyWorkflows = errors.New("maximum concurrent workflows reached")

// ErrEngineClosed is returned when submitting to a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Kind classifies a workflow failure. Kinds are stable strings carried on
// terminal events and metrics labels.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindPlanning        Kind = "planning"
	KindApprovalDenied  Kind = "approval_denied"
	KindApprovalTimeout Kind = "approval_timeout"
	KindStepRepairable  Kind = "step_execution_repairable"
	KindStepFatal       Kind = "step_execution_fatal"
	KindNoCapacity      Kind = "no_capacity"
	KindWorkerTransport Kind = "worker_transport"
	KindCancellation    Kind = "cancellation"
)

// Error is a classified engine failure. Suggestion is set for repairable
// kinds so downstream surfaces can show an actionable hint.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Err        error
}

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error, preserving it for errors.Is/As.
func WrapErr(kind Kind, err error, context string) *Error {
	msg := context
	if err != nil {
		if msg == "" {
			msg = err.Error()
		} else {
			msg = fmt.Sprintf("%s: %s", context, err.Error())
		}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithSuggestion attaches an actionable hint and returns the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SuggestionOf extracts the suggestion from a classified error, if any.
func SuggestionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Suggestion
	}
	return ""
}
