package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

// ConnectionError represents a transport failure. The connection that
// produced it cannot be used again and must be recreated.
type ConnectionError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Retryable  bool                   `json:"retryable"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode setting.
// When debugMode=false: returns simple "CODE: message" format.
// When debugMode=true: returns JSON with details, stack trace and timestamp.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, e.Cause)
	}
	data := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	data["retryable"] = e.Retryable
	return indentJSON(data)
}

// Unwrap returns the underlying cause error for errors.Is and errors.As compatibility.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a malformed or unexpected server response. It is
// fatal to the result set it occurred in.
type ProtocolError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

func (e *ProtocolError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *ProtocolError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, e.Cause)
	}
	return indentJSON(debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp))
}

// Unwrap returns the underlying cause error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// StateError represents an operation attempted in the wrong state, such as
// a query on a disconnected client or a read on a failed result set.
type StateError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

func (e *StateError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, e.Cause)
	}
	return indentJSON(debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, time.Time{}))
}

// Unwrap returns the error that put the object into its state, if any.
func (e *StateError) Unwrap() error {
	return e.Cause
}

// ErrInvalidState creates a StateError for operations attempted in wrong state.
func ErrInvalidState(operation string, required, actual ConnectionState) error {
	return &StateError{
		Code:    "INVALID_STATE",
		Type:    "STATE_ERROR",
		Message: fmt.Sprintf("%s requires %s state, currently %s", operation, required, actual),
		Details: map[string]interface{}{
			"operation":     operation,
			"requiredState": required.String(),
			"currentState":  actual.String(),
		},
		StackTrace: captureStackTrace(),
	}
}

// errResultFailed is returned by reads on a result set whose last
// supplemental fetch failed.
func errResultFailed(operation string, cause error) error {
	return &StateError{
		Code:    "RESULT_FAILED",
		Type:    "STATE_ERROR",
		Message: fmt.Sprintf("%s on a result set that failed earlier", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause:      cause,
		StackTrace: captureStackTrace(),
	}
}

// ContractViolation is a programming error by the caller: an out-of-range
// scroll, a read on a closed cursor, an invalid setting. It is raised
// immediately and leaves the object unchanged.
type ContractViolation struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

func (e *ContractViolation) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *ContractViolation) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, nil)
	}
	return indentJSON(debugPayload(e.Code, e.Type, e.Message, e.Details, nil, e.StackTrace, time.Time{}))
}

func newContractViolation(code, message string, details map[string]interface{}) *ContractViolation {
	return &ContractViolation{
		Code:       code,
		Type:       "CONTRACT_VIOLATION",
		Message:    message,
		Details:    details,
		StackTrace: captureStackTrace(),
	}
}

// ErrCursorClosed is returned when a closed cursor is used.
func ErrCursorClosed(operation string) *ContractViolation {
	return newContractViolation("E_CURSOR_CLOSED", operation+" on a closed cursor", map[string]interface{}{
		"operation": operation,
	})
}

// ErrNoResultSet is returned when rows are read before any query produced a result set.
func ErrNoResultSet(operation string) *ContractViolation {
	return newContractViolation("E_NO_RESULT", operation+" without a result set", map[string]interface{}{
		"operation": operation,
	})
}

// ErrScrollOutOfRange is returned when a scroll would leave [0, rowCount].
func ErrScrollOutOfRange(target, rowCount int) *ContractViolation {
	return newContractViolation("E_SCROLL_RANGE",
		fmt.Sprintf("scroll target %d outside result set of %d rows", target, rowCount),
		map[string]interface{}{
			"target":   target,
			"rowCount": rowCount,
		})
}

// ErrInvalidSetting is returned by setters given an out-of-range value.
func ErrInvalidSetting(name string, value int, cause error) *ContractViolation {
	cv := newContractViolation("E_INVALID_SETTING", fmt.Sprintf("invalid %s %d", name, value), map[string]interface{}{
		"setting": name,
		"value":   value,
	})
	if cause != nil {
		cv.Message = cause.Error()
	}
	return cv
}

// QueryError represents an error reported by the server while executing a statement.
type QueryError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	SQLState   string                 `json:"sqlstate,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *QueryError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, nil)
	}
	data := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	if e.SQLState != "" {
		data["sqlstate"] = e.SQLState
	}
	if e.Query != "" {
		data["query"] = e.Query
	}
	return indentJSON(data)
}

// Unwrap returns the underlying cause error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// TransactionError represents transaction-related errors.
type TransactionError struct {
	Code          string                 `json:"code"`
	Type          string                 `json:"type"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	State         string                 `json:"state,omitempty"`
	Cause         error                  `json:"cause,omitempty"`
	StackTrace    []string               `json:"stack_trace,omitempty"`
	Timestamp     time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *TransactionError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (TX: %s, caused by: %s)", e.Code, e.Message, e.TransactionID, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s (TX: %s)", e.Code, e.Message, e.TransactionID)
	}

	data := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	if e.TransactionID != "" {
		data["transaction_id"] = e.TransactionID
	}
	if e.State != "" {
		data["state"] = e.State
	}
	return indentJSON(data)
}

// Unwrap returns the underlying cause error.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// ErrTransactionAlreadyActive creates an error when trying to begin a transaction while one is already active.
func ErrTransactionAlreadyActive(id string) *TransactionError {
	return &TransactionError{
		Code:          "E_TX_ALREADY_ACTIVE",
		Type:          "TRANSACTION_ERROR",
		Message:       "transaction already in progress",
		TransactionID: id,
		State:         "active",
		StackTrace:    captureStackTrace(),
		Timestamp:     time.Now(),
	}
}

// ErrTransactionAlreadyCommitted creates an error for double-commit attempts.
func ErrTransactionAlreadyCommitted(id string) *TransactionError {
	return &TransactionError{
		Code:          "E_TX_ALREADY_COMMITTED",
		Type:          "TRANSACTION_ERROR",
		Message:       "transaction has already been committed",
		TransactionID: id,
		State:         "committed",
		StackTrace:    captureStackTrace(),
		Timestamp:     time.Now(),
	}
}

// ErrTransactionAlreadyRolledBack creates an error for operations on rolled-back transactions.
func ErrTransactionAlreadyRolledBack(id string) *TransactionError {
	return &TransactionError{
		Code:          "E_TX_ALREADY_ROLLEDBACK",
		Type:          "TRANSACTION_ERROR",
		Message:       "transaction has already been rolled back",
		TransactionID: id,
		State:         "rolledback",
		StackTrace:    captureStackTrace(),
		Timestamp:     time.Now(),
	}
}

// wrapError maps errors from the session layer onto the client's error kinds.
// Server-reported errors become QueryErrors, malformed responses
// ProtocolErrors, and everything else, including context expiry, a
// ConnectionError.
func wrapError(err error, query string) error {
	if err == nil {
		return nil
	}

	var (
		se  *protocol.ServerError
		me  *protocol.MalformedError
		te  *protocol.TransportError
		cv  *ContractViolation
		ste *StateError
	)
	switch {
	case errors.As(err, &cv), errors.As(err, &ste):
		return err
	case errors.As(err, &se):
		return &QueryError{
			Code:       "E_QUERY",
			Type:       "QUERY_ERROR",
			Message:    se.Message,
			SQLState:   se.SQLState,
			Query:      query,
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	case errors.As(err, &me):
		return &ProtocolError{
			Code:       "E_PROTOCOL",
			Type:       "PROTOCOL_ERROR",
			Message:    me.Message,
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	case errors.As(err, &te):
		return &ConnectionError{
			Code:       transportCode(te.Code),
			Type:       "CONNECTION_ERROR",
			Message:    te.Message,
			Details:    te.Details,
			Retryable:  te.IsRetryable,
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ConnectionError{
			Code:       "TIMEOUT",
			Type:       "CONNECTION_ERROR",
			Message:    "operation interrupted",
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	default:
		return &ConnectionError{
			Code:       "CONNECTION_LOST",
			Type:       "CONNECTION_ERROR",
			Message:    "transport failure",
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	}
}

func transportCode(code protocol.ErrorCode) string {
	switch code {
	case protocol.ErrorCodeConnectionRefused:
		return "CONNECTION_FAILED"
	case protocol.ErrorCodeTimeout:
		return "TIMEOUT"
	case protocol.ErrorCodeAuthFailed:
		return "AUTH_FAILED"
	case protocol.ErrorCodeProtocolVersionMismatch:
		return "VERSION_MISMATCH"
	case protocol.ErrorCodeClosed:
		return "CONNECTION_CLOSED"
	default:
		return "CONNECTION_LOST"
	}
}

// IsConnectionError reports whether err means the connection is unusable.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Helper functions

func shortFormat(code, message string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", code, message, cause.Error())
	}
	return fmt.Sprintf("%s: %s", code, message)
}

func debugPayload(code, typ, message string, details map[string]interface{}, cause error, stack []string, ts time.Time) map[string]interface{} {
	data := map[string]interface{}{
		"code":    code,
		"type":    typ,
		"message": message,
	}
	if len(details) > 0 {
		data["details"] = details
	}
	if cause != nil {
		data["cause"] = map[string]interface{}{"message": cause.Error()}
	}
	if len(stack) > 0 {
		data["stack_trace"] = stack
	}
	if !ts.IsZero() {
		data["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	return data
}

func indentJSON(data map[string]interface{}) string {
	b, _ := json.MarshalIndent(data, "", "  ")
	return string(b)
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}

	return frames
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	var formatter debugFormatter
	if errors.As(err, &formatter) {
		return formatter.FormatError(debugMode)
	}

	return err.Error()
}
