// Package protocol provides error codes and types for the MAPI protocol
package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents standardized error codes across transport layers
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnectionRefused       ErrorCode = 1001
	ErrorCodeTimeout                 ErrorCode = 1002
	ErrorCodeAuthFailed              ErrorCode = 1003
	ErrorCodeProtocolVersionMismatch ErrorCode = 1004
	ErrorCodeConnectionLost          ErrorCode = 1005
	ErrorCodeClosed                  ErrorCode = 1006

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError ErrorCode = 2001

	// Query errors (3000-3099)
	ErrorCodeQueryError ErrorCode = 3001
)

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		return fmt.Sprintf("[%d] %s (details: %s)", e.Code, e.Message, string(detailsJSON))
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     message,
		Details:     details,
		IsRetryable: isRetryable(code),
	}
}

// isRetryable determines if an error code represents a retryable error
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeTimeout, ErrorCodeConnectionRefused:
		return true
	default:
		return false
	}
}

// ConnectionError creates a connection-related transport error
func ConnectionError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionRefused, message, details)
}

// TimeoutError creates a timeout transport error
func TimeoutError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeTimeout, message, details)
}

// AuthError creates an authentication transport error
func AuthError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeAuthFailed, message, details)
}

// ProtocolVersionMismatchError creates a protocol version mismatch error
func ProtocolVersionMismatchError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeProtocolVersionMismatch, message, details)
}

// ConnectionLostError wraps an I/O failure on an established connection
func ConnectionLostError(message string, cause error) *TransportError {
	err := NewTransportError(ErrorCodeConnectionLost, message, nil)
	err.Cause = cause
	return err
}

// ClosedError is returned when a closed transport is used
func ClosedError() *TransportError {
	return NewTransportError(ErrorCodeClosed, "transport is closed", nil)
}

// MalformedError indicates a server response that does not follow the protocol
type MalformedError struct {
	Message string
	Data    string
}

func (e *MalformedError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("malformed response: %s: %q", e.Message, truncate(e.Data, 80))
	}
	return fmt.Sprintf("malformed response: %s", e.Message)
}

// ServerError is an error reported by the server with a "!" line
type ServerError struct {
	SQLState string
	Message  string
}

func (e *ServerError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s: %s", e.SQLState, e.Message)
	}
	return e.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
