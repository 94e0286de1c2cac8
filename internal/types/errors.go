package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Neon framework errors.
type ErrorCode string

// Validation error codes
const (
	VALIDATION_FAILED ErrorCode = "VALIDATION_FAILED"
	INVALID_THRESHOLD ErrorCode = "INVALID_THRESHOLD"
	INVALID_STATE     ErrorCode = "INVALID_STATE"
)

// Store error codes
const (
	STORE_OPEN_FAILED      ErrorCode = "STORE_OPEN_FAILED"
	STORE_QUERY_FAILED     ErrorCode = "STORE_QUERY_FAILED"
	STORE_PERSIST_FAILED   ErrorCode = "STORE_PERSIST_FAILED"
	STORE_SNAPSHOT_CORRUPT ErrorCode = "STORE_SNAPSHOT_CORRUPT"
	STORE_NOT_FOUND        ErrorCode = "STORE_NOT_FOUND"
)

// Runtime error codes
const (
	RUNTIME_SCHEDULE_FAILED    ErrorCode = "RUNTIME_SCHEDULE_FAILED"
	RUNTIME_MACHINE_NOT_FOUND  ErrorCode = "RUNTIME_MACHINE_NOT_FOUND"
	ACTIVITY_TIMEOUT           ErrorCode = "ACTIVITY_TIMEOUT"
	ACTIVITY_RETRIES_EXHAUSTED ErrorCode = "ACTIVITY_RETRIES_EXHAUSTED"
)

// Agent run error codes
const (
	AGENT_MAX_ITERATIONS ErrorCode = "AGENT_MAX_ITERATIONS"
	AGENT_MODEL_FAILED   ErrorCode = "AGENT_MODEL_FAILED"
	AGENT_TOOL_FAILED    ErrorCode = "AGENT_TOOL_FAILED"
)

// Scoring error codes
const (
	SCORER_NOT_FOUND ErrorCode = "SCORER_NOT_FOUND"
	SCORER_FAILED    ErrorCode = "SCORER_FAILED"
)

// Error represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
func (e *Error) Is(target error) bool {
	var neonErr *Error
	if errors.As(target, &neonErr) {
		return e.Code == neonErr.Code
	}
	return false
}

// NewError creates a new non-retryable Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewRetryableError creates a new retryable Error with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., network timeouts).
func NewRetryableError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable Error that wraps an existing error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a new retryable Error that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err carries a retryable hint anywhere in its chain.
func IsRetryable(err error) bool {
	var neonErr *Error
	if errors.As(err, &neonErr) {
		return neonErr.Retryable
	}
	return false
}

// NewValidationError creates a fail-fast validation error.
func NewValidationError(message string) *Error {
	return NewError(VALIDATION_FAILED, message)
}
