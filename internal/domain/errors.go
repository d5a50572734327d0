// Package domain provides canonical error types shared by the upstream
// caller, the pipeline and the wire protocol.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a permission/authorization failure.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the upstream is overloaded or timing out.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal or upstream server error.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeConflict indicates the operation collides with one already running.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeModelOutput indicates the model produced output we could not use.
	ErrorTypeModelOutput ErrorType = "model_output"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded      ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey          ErrorCode = "invalid_api_key"
	ErrorCodeModelNotFound          ErrorCode = "model_not_found"
	ErrorCodeOutputTruncated        ErrorCode = "output_truncated"
	ErrorCodeOperationRunning       ErrorCode = "operation_already_running"
	ErrorCodeInvalidModelOutput     ErrorCode = "invalid_model_output"
	ErrorCodeMaxRetriesReached      ErrorCode = "max_retries_reached"
	ErrorCodeUnknown                ErrorCode = "unknown"
	ErrorCodeInvalidEnvelope        ErrorCode = "invalid_envelope"
	ErrorCodeUnsupportedMessageType ErrorCode = "unsupported_message_type"
)

// APIError is the canonical error produced by the server side and
// translated onto FAILED envelopes.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, if the error came from one
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// WireCode returns the code reported to clients: the specific code when
// set, otherwise the error type.
func (e *APIError) WireCode() string {
	if e.Code != "" {
		return string(e.Code)
	}
	return string(e.Type)
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// FromHTTPStatus maps an upstream HTTP status to a canonical error.
func FromHTTPStatus(status int, message string) *APIError {
	var e *APIError
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e = ErrInvalidRequest(message)
	case status == http.StatusUnauthorized:
		e = ErrAuthentication(message).WithCode(ErrorCodeInvalidAPIKey)
	case status == http.StatusForbidden:
		e = ErrPermission(message)
	case status == http.StatusNotFound:
		e = NewAPIError(ErrorTypeNotFound, message).WithCode(ErrorCodeModelNotFound)
	case status == http.StatusTooManyRequests:
		e = ErrRateLimit(message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status == http.StatusServiceUnavailable:
		e = ErrOverloaded(message)
	case status >= 500:
		e = ErrServer(message)
	default:
		e = ErrInvalidRequest(message)
	}
	return e.WithStatusCode(status)
}

// AsAPIError extracts an APIError from err, wrapping unknown errors as
// server errors.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrUnknown()
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrPermission creates a permission error.
func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrMaxRetries is returned when every allowed upstream attempt was retryable.
func ErrMaxRetries(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).
		WithCode(ErrorCodeMaxRetriesReached)
}

// ErrOperationRunning is returned when a generation id is already admitted.
func ErrOperationRunning() *APIError {
	return NewAPIError(ErrorTypeConflict, "operation already running").
		WithCode(ErrorCodeOperationRunning)
}

// ErrInvalidModelOutput creates an error for unparseable or invalid model output.
func ErrInvalidModelOutput(message string) *APIError {
	return NewAPIError(ErrorTypeModelOutput, message).
		WithCode(ErrorCodeInvalidModelOutput)
}

// ErrOutputTruncated creates an output truncated error (max_tokens reached during generation).
func ErrOutputTruncated(message string) *APIError {
	return NewAPIError(ErrorTypeModelOutput, message).
		WithCode(ErrorCodeOutputTruncated)
}

// ErrUnknown is reported for failures whose details only belong in the logs.
func ErrUnknown() *APIError {
	return NewAPIError(ErrorTypeServer, "unknown, see logs").
		WithCode(ErrorCodeUnknown)
}
