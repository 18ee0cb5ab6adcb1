// Package domain provides the canonical error taxonomy and wire types
// shared by the edge proxy and the private gateway.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType categorizes a request failure.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or empty request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAdmissionDenied indicates the client exceeded its rate limit.
	// Denial is a normal outcome, not a fault.
	ErrorTypeAdmissionDenied ErrorType = "admission_denied"

	// ErrorTypeAuthentication indicates a missing, stale, or forged
	// request signature.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeTransportUnavailable indicates the private transport
	// (tunnel) refused or dropped the connection.
	ErrorTypeTransportUnavailable ErrorType = "transport_unavailable"

	// ErrorTypeEngineTimeout indicates a single engine attempt exceeded
	// its connect or read timeout.
	ErrorTypeEngineTimeout ErrorType = "engine_timeout"

	// ErrorTypeEngineError indicates an engine returned a failure or a
	// malformed success.
	ErrorTypeEngineError ErrorType = "engine_error"

	// ErrorTypeAllEnginesFailed indicates the entire engine order was
	// exhausted without a well-formed success.
	ErrorTypeAllEnginesFailed ErrorType = "all_engines_failed"

	// ErrorTypeServer indicates an unexpected internal error.
	ErrorTypeServer ErrorType = "server"
)

// APIError is a canonical error that handlers translate into the
// user-facing JSON error shape. Internal detail never reaches clients.
type APIError struct {
	Type ErrorType `json:"type"`

	// Message is safe to show to clients.
	Message string `json:"message"`

	// StatusCode overrides the default HTTP status mapping when non-zero.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the HTTP status for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAdmissionDenied:
		return http.StatusTooManyRequests
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeTransportUnavailable, ErrorTypeAllEnginesFailed:
		return http.StatusServiceUnavailable
	case ErrorTypeEngineTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAdmissionDenied creates a rate-limit denial.
func ErrAdmissionDenied(message string) *APIError {
	return NewAPIError(ErrorTypeAdmissionDenied, message)
}

// ErrAuthentication creates an authentication failure.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrTransportUnavailable creates a tunnel-down error.
func ErrTransportUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeTransportUnavailable, message)
}

// ErrAllEnginesFailed creates the terminal cascade-exhausted error. The
// message is the generic apology; the attempt trail stays in logs.
func ErrAllEnginesFailed() *APIError {
	return NewAPIError(ErrorTypeAllEnginesFailed,
		"all inference engines are currently unavailable, please try again shortly")
}

// ErrServer creates an internal server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
