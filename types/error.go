package types

import "fmt"

// ErrorCode represents a unified error code across the coordinator.
type ErrorCode string

// Lifecycle error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
	ErrNoAvailableAgent  ErrorCode = "NO_AVAILABLE_AGENT"
)

// Messaging error codes
const (
	ErrMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	ErrQueueClosed      ErrorCode = "QUEUE_CLOSED"
	ErrTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrPublishTimeout   ErrorCode = "PUBLISH_TIMEOUT"
)

// Generic error codes
const (
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an underlying error with a code and message.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if se, ok := err.(*Error); ok && se.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
