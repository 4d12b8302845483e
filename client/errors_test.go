package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/mapidb-go/protocol"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	cv := ErrScrollOutOfRange(5, 3)

	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "server error",
			err:  &protocol.ServerError{SQLState: "42S02", Message: "no such table 'x'"},
			check: func(t *testing.T, got error) {
				var qe *QueryError
				require.ErrorAs(t, got, &qe)
				assert.Equal(t, "42S02", qe.SQLState)
				assert.Equal(t, "SELECT * FROM x", qe.Query)
				assert.Equal(t, "E_QUERY: no such table 'x'", qe.Error())
			},
		},
		{
			name: "malformed response",
			err:  &protocol.MalformedError{Message: "bad header"},
			check: func(t *testing.T, got error) {
				var pe *ProtocolError
				require.ErrorAs(t, got, &pe)
				assert.Equal(t, "E_PROTOCOL", pe.Code)
				assert.False(t, IsConnectionError(got))
			},
		},
		{
			name: "auth failure",
			err:  protocol.AuthError("invalid credentials", nil),
			check: func(t *testing.T, got error) {
				var ce *ConnectionError
				require.ErrorAs(t, got, &ce)
				assert.Equal(t, "AUTH_FAILED", ce.Code)
				assert.False(t, ce.Retryable)
			},
		},
		{
			name: "refused",
			err:  protocol.ConnectionError("refused", nil),
			check: func(t *testing.T, got error) {
				var ce *ConnectionError
				require.ErrorAs(t, got, &ce)
				assert.Equal(t, "CONNECTION_FAILED", ce.Code)
				assert.True(t, ce.Retryable)
			},
		},
		{
			name: "deadline",
			err:  fmt.Errorf("receive: %w", context.DeadlineExceeded),
			check: func(t *testing.T, got error) {
				var ce *ConnectionError
				require.ErrorAs(t, got, &ce)
				assert.Equal(t, "TIMEOUT", ce.Code)
				assert.ErrorIs(t, got, context.DeadlineExceeded)
			},
		},
		{
			name: "unknown",
			err:  errors.New("broken pipe"),
			check: func(t *testing.T, got error) {
				assert.True(t, IsConnectionError(got))
				assert.Contains(t, got.Error(), "broken pipe")
			},
		},
		{
			name: "already wrapped",
			err:  cv,
			check: func(t *testing.T, got error) {
				assert.Same(t, cv, got)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, wrapError(tt.err, "SELECT * FROM x"))
		})
	}

	assert.NoError(t, wrapError(nil, ""))
}

func TestFormatErrorDebugMode(t *testing.T) {
	t.Parallel()

	err := &ConnectionError{
		Code:      "CONNECTION_LOST",
		Type:      "CONNECTION_ERROR",
		Message:   "transport failure",
		Details:   map[string]interface{}{"address": "localhost:50000"},
		Retryable: false,
		Cause:     errors.New("connection reset by peer"),
	}

	assert.Equal(t, "CONNECTION_LOST: transport failure (caused by: connection reset by peer)", FormatError(err, false))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(FormatError(err, true)), &parsed))
	assert.Equal(t, "CONNECTION_LOST", parsed["code"])
	assert.Equal(t, false, parsed["retryable"])
	assert.Equal(t, "connection reset by peer", parsed["cause"].(map[string]interface{})["message"])
	assert.Equal(t, "localhost:50000", parsed["details"].(map[string]interface{})["address"])

	wrapped := fmt.Errorf("fetch: %w", err)
	assert.Equal(t, FormatError(err, false), FormatError(wrapped, false))
	assert.Equal(t, "plain", FormatError(errors.New("plain"), true))
	assert.Empty(t, FormatError(nil, true))
}

func TestContractViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *ContractViolation
		code string
		msg  string
	}{
		{err: ErrCursorClosed("FetchOne"), code: "E_CURSOR_CLOSED", msg: "FetchOne on a closed cursor"},
		{err: ErrNoResultSet("Scroll"), code: "E_NO_RESULT", msg: "Scroll without a result set"},
		{err: ErrScrollOutOfRange(12, 10), code: "E_SCROLL_RANGE", msg: "scroll target 12 outside result set of 10 rows"},
		{err: ErrInvalidSetting("replysize", 0, nil), code: "E_INVALID_SETTING", msg: "invalid replysize 0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.msg, tt.err.Message)
		assert.Equal(t, "CONTRACT_VIOLATION", tt.err.Type)
		assert.NotEmpty(t, tt.err.StackTrace)
		assert.False(t, IsConnectionError(tt.err))
	}

	withCause := ErrInvalidSetting("maxprefetch", -4, errors.New("max prefetch must be -1 or non-negative, got -4"))
	assert.Equal(t, "E_INVALID_SETTING: max prefetch must be -1 or non-negative, got -4", withCause.Error())
}

func TestStateErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := wrapError(errors.New("reset"), "")
	err := errResultFailed("FetchMany", cause)

	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "RESULT_FAILED", se.Code)
	assert.True(t, IsConnectionError(err), "the cause stays reachable")
	assert.Contains(t, err.Error(), "FetchMany on a result set that failed earlier")

	invalid := ErrInvalidState("Cursor", CONNECTED, DISCONNECTED)
	assert.Equal(t, "INVALID_STATE: Cursor requires CONNECTED state, currently DISCONNECTED", invalid.Error())
}

func TestTransactionErrorFormat(t *testing.T) {
	t.Parallel()

	err := ErrTransactionAlreadyCommitted("tx-1")
	assert.Equal(t, "E_TX_ALREADY_COMMITTED: transaction has already been committed (TX: tx-1)", err.Error())

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(err.FormatError(true)), &parsed))
	assert.Equal(t, "tx-1", parsed["transaction_id"])
	assert.Equal(t, "committed", parsed["state"])
}
