// Package errors provides the boundary error type used across CollabKit.
//
// ContextualError records which component and operation failed, the wire code
// reported to clients, an HTTP status, and optional structured details. It
// unwraps to its cause so sentinel comparisons with errors.Is keep working.
//
// Usage:
//
//	err := errors.New("coordinator", "HandleInbound", types.ErrSessionNotFound)
//	err = err.WithCode("session_not_found").WithStatusCode(404)
package errors

import (
	stderrors "errors"
	"fmt"
)

// ContextualError is a structured error carrying component and operation context.
type ContextualError struct {
	// Component identifies the package that produced the error (e.g. "bus", "delegation").
	Component string

	// Operation describes what was being done when the error occurred.
	Operation string

	// Code is the stable machine-readable code sent in error events.
	Code string

	// StatusCode is an optional HTTP status code.
	StatusCode int

	// Details holds optional structured metadata about the error.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a ContextualError with the given component, operation, and cause.
func New(component, operation string, cause error) *ContextualError {
	return &ContextualError{
		Component: component,
		Operation: operation,
		Cause:     cause,
	}
}

// Error returns a human-readable representation of the error.
func (e *ContextualError) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Operation)

	if e.StatusCode != 0 {
		base += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}

	return base
}

// Unwrap returns the underlying cause, enabling use with errors.Is and errors.As.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// WithCode sets the wire code and returns the same error.
func (e *ContextualError) WithCode(code string) *ContextualError {
	e.Code = code
	return e
}

// WithStatusCode sets the status code and returns the same error.
func (e *ContextualError) WithStatusCode(code int) *ContextualError {
	e.StatusCode = code
	return e
}

// WithDetails sets the details map and returns the same error.
func (e *ContextualError) WithDetails(details map[string]any) *ContextualError {
	e.Details = details
	return e
}

// As returns the first ContextualError in err's chain.
func As(err error) (*ContextualError, bool) {
	var ce *ContextualError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
