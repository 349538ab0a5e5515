// Package agenterrors provides the classified error type the consumer
// framework uses to decide between retry and dead-letter. AgentError
// preserves error chains and supports errors.Is/As, so role adapters can wrap
// provider failures without losing the classification.
package agenterrors

import (
	"errors"
	"fmt"
)

// Kind classifies an agent failure into a small, stable set of categories.
type Kind string

const (
	// KindToolFailure indicates a tool invocation failed. Usually transient.
	KindToolFailure Kind = "tool_failure"
	// KindBudgetExceeded indicates an execution budget ran out. Retrying
	// the same work cannot succeed.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindGateBlocked indicates a policy gate refused the operation.
	KindGateBlocked Kind = "gate_blocked"
	// KindApprovalDenied indicates a human or policy denied an approval.
	KindApprovalDenied Kind = "approval_denied"
	// KindVerificationFailed indicates produced work failed verification.
	KindVerificationFailed Kind = "verification_failed"
	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
)

// AgentError is a structured agent failure. The zero Retryable default
// depends on the kind: transient categories (tool failures, timeouts) retry,
// terminal categories (budget, gates, approvals, verification) dead-letter.
type AgentError struct {
	// Kind is the failure category.
	Kind Kind
	// Origin identifies the agent that produced the failure ("router",
	// "planner", "executor", ...).
	Origin string
	// Message is the human-readable summary of the failure.
	Message string
	// Retryable reports whether retrying the same message may succeed.
	Retryable bool
	// Cause links to the underlying error, enabling errors.Is/As chains.
	Cause error
}

// New constructs an AgentError of the given kind with the kind's default
// retryability.
func New(kind Kind, origin, message string) *AgentError {
	if message == "" {
		message = string(kind)
	}
	return &AgentError{
		Kind:      kind,
		Origin:    origin,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

// Wrap constructs an AgentError of the given kind around an underlying
// error.
func Wrap(kind Kind, origin string, err error) *AgentError {
	ae := New(kind, origin, "")
	if err != nil {
		ae.Message = err.Error()
		ae.Cause = err
	}
	return ae
}

// Errorf formats according to a format specifier and returns the string as
// an AgentError of the given kind.
func Errorf(kind Kind, origin, format string, args ...any) *AgentError {
	return New(kind, origin, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *AgentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether the error allows another delivery attempt.
// Unclassified errors default to retryable so transient faults are never
// silently terminal.
func IsRetryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return true
}

// KindOf returns the failure category of the error, or empty when the error
// carries no classification.
func KindOf(err error) Kind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindToolFailure, KindTimeout:
		return true
	default:
		return false
	}
}
