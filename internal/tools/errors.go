// Package tools implements the tool registry and per-agent tool dispatch
// (§4.4): a catalog of tool definitions, schema-validated registration, and
// a parallel executor that enforces per-tool timeouts, optional sandboxing,
// and retry with backoff.
//
// Grounded on the teacher's internal/agent/tool_registry.go and
// internal/agent/executor.go.
package tools

import (
	"errors"
	"fmt"
)

// ErrorType is the tool error taxonomy from §4.4: Validation, Execution,
// Timeout, NotFound, Sandbox.
type ErrorType string

const (
	ErrValidation ErrorType = "validation"
	ErrExecution  ErrorType = "execution"
	ErrTimeout    ErrorType = "timeout"
	ErrNotFound   ErrorType = "not_found"
	ErrSandbox    ErrorType = "sandbox"
)

// Retryable reports whether an error of this type is worth retrying. A
// registry miss or a bad-arguments error will not succeed on replay;
// execution, timeout, and sandbox failures might.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrExecution, ErrTimeout, ErrSandbox:
		return true
	default:
		return false
	}
}

// Error is the typed error every tool dispatch path converges on before
// being stringified into a prompt-loop tool-role message (§4.4: "all are
// converted to string error text when returned to the prompt loop").
type Error struct {
	Type     ErrorType
	ToolName string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("tools: %s: %s: %s", e.ToolName, e.Type, e.Message)
	}
	return fmt.Sprintf("tools: %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable implements retry.Classifiable so the executor's retry loop can
// reuse internal/retry's default policy.
func (e *Error) Retryable() bool { return e.Type.Retryable() }

// NewError constructs an *Error of the given type.
func NewError(t ErrorType, toolName, message string, cause error) *Error {
	return &Error{Type: t, ToolName: toolName, Message: message, Cause: cause}
}

// IsType reports whether err (or something it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Type == t
	}
	return false
}
