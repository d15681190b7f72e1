package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failure categories a run can surface
// (spec §7). Kinds drive propagation policy: Configuration and
// Plan-integrity errors fail a run before any step executes (exit code 2);
// the rest fail the owning step or the run depending on the caller.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "configuration"
	KindPlanIntegrity     ErrorKind = "plan_integrity"
	KindRuntimeInvocation ErrorKind = "runtime_invocation"
	KindRuntimeRuntime    ErrorKind = "runtime_runtime"
	KindTimeout           ErrorKind = "timeout"
	KindBudget            ErrorKind = "budget"
	KindGuardrailDenied   ErrorKind = "guardrail_denied"
	KindHumanGate         ErrorKind = "human_gate"
	KindGit               ErrorKind = "git"
)

// RunError is a structured error tagged with a taxonomy kind. It preserves
// the causal chain so callers can errors.Is/errors.As through to the
// original failure, matching the runtime's own ToolError chaining pattern.
type RunError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewRunError constructs a RunError with no wrapped cause.
func NewRunError(kind ErrorKind, message string) *RunError {
	return &RunError{Kind: kind, Message: message}
}

// WrapRunError constructs a RunError wrapping an existing error.
func WrapRunError(kind ErrorKind, message string, cause error) *RunError {
	return &RunError{Kind: kind, Message: message, Cause: cause}
}

// RunErrorf formats a RunError message.
func RunErrorf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *RunError) Unwrap() error { return e.Cause }

// KindOf extracts the ErrorKind from err if it (or a wrapped ancestor) is a
// *RunError, returning ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
