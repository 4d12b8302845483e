// Package transport defines the transport layer abstraction for MAPI sessions
package transport

import (
	"context"
	"time"
)

// Transport carries whole protocol messages between client and server.
// Implementations handle block framing; callers see one message per
// Send and one per Receive.
//
// A Transport is used by a single session at a time and is not safe for
// concurrent Send/Receive pairs.
type Transport interface {
	// Send transmits one message to the server
	Send(ctx context.Context, msg []byte) error

	// Receive reads the next complete message from the server
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport connection
	Close() error

	// IsHealthy returns whether the transport can still be used
	IsHealthy() bool

	// GetMetrics returns transport performance metrics
	GetMetrics() TransportMetrics
}

// TransportMetrics contains performance and health metrics
type TransportMetrics struct {
	// TotalRequests is the total number of messages sent
	TotalRequests int64

	// TotalResponses is the total number of messages received
	TotalResponses int64

	// TotalErrors is the total number of errors encountered
	TotalErrors int64

	// AverageLatency is the average time spent in Send and Receive
	AverageLatency time.Duration

	// LastError is the most recent error encountered
	LastError error

	// LastErrorTime is when the last error occurred
	LastErrorTime time.Time

	// BytesSent is the total payload bytes sent
	BytesSent int64

	// BytesReceived is the total payload bytes received
	BytesReceived int64
}

// Factory creates new transport instances
type Factory func(ctx context.Context) (Transport, error)
