// Package mock provides an in-memory transport for tests
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/mapidb-go/protocol"
	"github.com/dan-strohschein/mapidb-go/transport"
)

// Handler computes the reply to one sent message. It is called at Send time
// and its reply is queued for the next Receive.
type Handler func(msg []byte) ([]byte, error)

// MockTransport implements transport.Transport for testing.
//
// Replies come from a Handler if one is set, otherwise from the queue filled
// by WithResponses.
type MockTransport struct {
	// Behavior configuration
	sendErr    error
	receiveErr error
	failAfter  int
	handler    Handler
	queue      [][]byte
	pendingErr error
	healthy    bool

	// Call tracking
	sendCalls    atomic.Int32
	receiveCalls atomic.Int32
	closeCalls   atomic.Int32

	metrics     mockMetrics
	mu          sync.RWMutex
	closed      bool
	recvDelay   time.Duration
	sendHistory [][]byte
}

type mockMetrics struct {
	totalRequests  atomic.Int64
	totalResponses atomic.Int64
	totalErrors    atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		healthy:   true,
		failAfter: -1,
	}
}

// WithHandler configures a function that answers every sent message
func (m *MockTransport) WithHandler(h Handler) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithResponses appends canned replies, returned by Receive in order
func (m *MockTransport) WithResponses(replies ...[]byte) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, replies...)
	return m
}

// WithSendError configures the transport to return an error on Send
func (m *MockTransport) WithSendError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	return m
}

// WithReceiveError configures the transport to return an error on Receive
func (m *MockTransport) WithReceiveError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErr = err
	return m
}

// FailAfter lets n messages through, then fails every Send with a lost
// connection error. A negative n disables the failure.
func (m *MockTransport) FailAfter(n int) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithHealthy configures the health status
func (m *MockTransport) WithHealthy(healthy bool) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// WithReceiveDelay adds a delay to Receive operations
func (m *MockTransport) WithReceiveDelay(delay time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvDelay = delay
	return m
}

// Send implements transport.Transport
func (m *MockTransport) Send(ctx context.Context, msg []byte) error {
	m.sendCalls.Add(1)
	m.metrics.totalRequests.Add(1)

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return protocol.ClosedError()
	}
	if m.sendErr != nil {
		m.metrics.totalErrors.Add(1)
		return m.sendErr
	}
	if m.failAfter >= 0 && len(m.sendHistory) >= m.failAfter {
		m.metrics.totalErrors.Add(1)
		return protocol.ConnectionLostError("connection reset by peer", nil)
	}

	sent := make([]byte, len(msg))
	copy(sent, msg)
	m.sendHistory = append(m.sendHistory, sent)
	m.metrics.bytesSent.Add(int64(len(msg)))

	if m.handler != nil {
		reply, err := m.handler(sent)
		if err != nil {
			m.pendingErr = err
			return nil
		}
		m.queue = append(m.queue, reply)
	}
	return nil
}

// Receive implements transport.Transport
func (m *MockTransport) Receive(ctx context.Context) ([]byte, error) {
	m.receiveCalls.Add(1)

	m.mu.RLock()
	delay := m.recvDelay
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, protocol.ClosedError()
	}
	if m.receiveErr != nil {
		m.metrics.totalErrors.Add(1)
		return nil, m.receiveErr
	}
	if m.pendingErr != nil {
		err := m.pendingErr
		m.pendingErr = nil
		m.metrics.totalErrors.Add(1)
		return nil, err
	}
	if len(m.queue) == 0 {
		m.metrics.totalErrors.Add(1)
		return nil, protocol.TimeoutError("no data available", nil)
	}

	reply := m.queue[0]
	m.queue = m.queue[1:]
	m.metrics.totalResponses.Add(1)
	m.metrics.bytesReceived.Add(int64(len(reply)))
	return reply, nil
}

// Close implements transport.Transport
func (m *MockTransport) Close() error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsHealthy implements transport.Transport
func (m *MockTransport) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy && !m.closed
}

// GetMetrics implements transport.Transport
func (m *MockTransport) GetMetrics() transport.TransportMetrics {
	return transport.TransportMetrics{
		TotalRequests:  m.metrics.totalRequests.Load(),
		TotalResponses: m.metrics.totalResponses.Load(),
		TotalErrors:    m.metrics.totalErrors.Load(),
		BytesSent:      m.metrics.bytesSent.Load(),
		BytesReceived:  m.metrics.bytesReceived.Load(),
	}
}

// GetSendCallCount returns the number of times Send was called
func (m *MockTransport) GetSendCallCount() int {
	return int(m.sendCalls.Load())
}

// GetReceiveCallCount returns the number of times Receive was called
func (m *MockTransport) GetReceiveCallCount() int {
	return int(m.receiveCalls.Load())
}

// GetCloseCallCount returns the number of times Close was called
func (m *MockTransport) GetCloseCallCount() int {
	return int(m.closeCalls.Load())
}

// GetSendHistory returns all messages sent through this transport
func (m *MockTransport) GetSendHistory() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([][]byte, len(m.sendHistory))
	copy(history, m.sendHistory)
	return history
}

// SentStrings returns the send history as strings
func (m *MockTransport) SentStrings() []string {
	history := m.GetSendHistory()
	out := make([]string, len(history))
	for i, h := range history {
		out[i] = string(h)
	}
	return out
}

// Reset clears the send history, queued replies and call counts
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendErr = nil
	m.receiveErr = nil
	m.pendingErr = nil
	m.failAfter = -1
	m.queue = nil
	m.healthy = true
	m.closed = false
	m.recvDelay = 0

	m.sendCalls.Store(0)
	m.receiveCalls.Store(0)
	m.closeCalls.Store(0)

	m.metrics.totalRequests.Store(0)
	m.metrics.totalResponses.Store(0)
	m.metrics.totalErrors.Store(0)
	m.metrics.bytesSent.Store(0)
	m.metrics.bytesReceived.Store(0)

	m.sendHistory = nil
}

// IsClosed returns whether the transport has been closed
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var _ transport.Transport = (*MockTransport)(nil)
