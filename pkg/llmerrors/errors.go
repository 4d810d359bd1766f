// Package llmerrors provides structured error classification for agent
// invocations against language-model providers.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the failure categories the pipeline reacts to.
type ErrorType int8

const (
	// ErrorTypeUnavailable represents transport failures: timeouts,
	// connection resets, 5xx responses, rate limiting. The adapter never
	// retries these; they surface to the stage immediately.
	ErrorTypeUnavailable ErrorType = iota

	// ErrorTypeSchemaMismatch represents a structurally malformed agent
	// output that could not be coerced to the expected schema. The adapter
	// retries exactly once with a corrective hint before surfacing it.
	ErrorTypeSchemaMismatch

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth

	// ErrorTypeBadPrompt represents malformed request errors (too long,
	// violates provider policy).
	ErrorTypeBadPrompt

	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeUnavailable:
		return "agent_unavailable"
	case ErrorTypeSchemaMismatch:
		return "schema_mismatch"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error represents a classified agent invocation error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	RawOutput  string    // Raw model output retained on schema mismatches
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("agent error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("agent error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not
// classified. Context expiry counts as unavailability: a per-call timeout
// behaves exactly like a transport failure.
func TypeOf(err error) ErrorType {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeUnavailable
	}
	return ErrorTypeUnknown
}

// IsUnavailable reports whether the error indicates the agent capability
// could not be reached (including per-call timeout expiry).
func IsUnavailable(err error) bool {
	return TypeOf(err) == ErrorTypeUnavailable
}

// IsSchemaMismatch reports whether the error is a schema mismatch after the
// adapter's corrective retry.
func IsSchemaMismatch(err error) bool {
	return Is(err, ErrorTypeSchemaMismatch)
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified error with an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewSchemaMismatch creates a schema mismatch error retaining the raw model
// output so callers can fall back to it or report it.
func NewSchemaMismatch(rawOutput string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeSchemaMismatch,
		Err:       cause,
		RawOutput: rawOutput,
		Message:   "output did not conform to the expected schema",
	}
}
