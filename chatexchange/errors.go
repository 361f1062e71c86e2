package chatexchange

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// ErrorTransport is an I/O failure talking to the chat site or socket.
	ErrorTransport
	// ErrorProtocol means the server answered with neither success nor a
	// throttle message, or kept throttling past the retry budget.
	ErrorProtocol
	// ErrorUnsplittable means a message cannot be chunked without cutting
	// through a markdown link.
	ErrorUnsplittable
	ErrorSerialization
	ErrorNotFound
	ErrorAlreadyJoined
	ErrorClosed
	ErrorInvalidConfig
	ErrorLogin
	ErrorUpload
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorTransport:
		return "transport_error"
	case ErrorProtocol:
		return "protocol_error"
	case ErrorUnsplittable:
		return "unsplittable_message"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorNotFound:
		return "not_found"
	case ErrorAlreadyJoined:
		return "already_joined"
	case ErrorClosed:
		return "closed"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorLogin:
		return "login_failed"
	case ErrorUpload:
		return "upload_failed"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ChatError is the operation error returned by every outbound call.
type ChatError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *ChatError) Unwrap() error {
	return e.Wrapped
}

// Is matches another *ChatError with the same code.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new ChatError with the given code and message.
func NewError(code ErrorCode, message string) *ChatError {
	return &ChatError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a ChatError.
func WrapError(code ErrorCode, message string, err error) *ChatError {
	return &ChatError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// IsChatError reports whether err is a *ChatError with the given code.
func IsChatError(err error, code ErrorCode) bool {
	var ce *ChatError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}
