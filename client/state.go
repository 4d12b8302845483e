package client

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	// DISCONNECTED indicates no session.
	DISCONNECTED ConnectionState = iota
	// CONNECTING indicates dial and login in progress.
	CONNECTING
	// CONNECTED indicates an authenticated session.
	CONNECTED
	// DISCONNECTING indicates a graceful close in progress.
	DISCONNECTING
)

// String returns the string representation of the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	case DISCONNECTING:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// StateTransition represents a change in connection state.
//
// Metadata keys used by the client:
//   - reason: string - "user_initiated" | "error" | "connection_lost"
//   - attempt: int - login attempt number (1-indexed)
//   - remoteAddr: string - server address
type StateTransition struct {
	From      ConnectionState
	To        ConnectionState
	Timestamp time.Time

	// Error is set for failed connection attempts and lost connections.
	Error error

	// Duration is how long the previous state was held.
	Duration time.Duration

	Metadata map[string]interface{}
}

// StateChangeHandler is called when the connection state changes.
type StateChangeHandler func(transition StateTransition)

// legalTransitions lists the states reachable from each state. A connected
// client drops straight to DISCONNECTED when its transport fails.
var legalTransitions = map[ConnectionState][]ConnectionState{
	DISCONNECTED:  {CONNECTING},
	CONNECTING:    {CONNECTED, DISCONNECTED},
	CONNECTED:     {DISCONNECTING, DISCONNECTED},
	DISCONNECTING: {DISCONNECTED},
}

// StateManager manages connection state transitions and event handlers.
type StateManager struct {
	mu             sync.RWMutex
	current        ConnectionState
	lastTransition time.Time
	last           StateTransition
	handlers       []StateChangeHandler
}

// NewStateManager creates a new state manager in DISCONNECTED state.
func NewStateManager() *StateManager {
	now := time.Now()
	return &StateManager{
		current:        DISCONNECTED,
		lastTransition: now,
		last:           StateTransition{From: DISCONNECTED, To: DISCONNECTED, Timestamp: now},
	}
}

// TransitionTo moves to newState and notifies the registered handlers.
// It returns an error if the transition is not allowed.
func (sm *StateManager) TransitionTo(newState ConnectionState, err error, metadata map[string]interface{}) error {
	sm.mu.Lock()
	if !isLegalTransition(sm.current, newState) {
		from := sm.current
		sm.mu.Unlock()
		return fmt.Errorf("illegal state transition: %s → %s", from, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:      sm.current,
		To:        newState,
		Timestamp: now,
		Error:     err,
		Duration:  now.Sub(sm.lastTransition),
		Metadata:  metadata,
	}
	sm.current = newState
	sm.lastTransition = now
	sm.last = transition

	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.Unlock()

	// handlers run unlocked so they may query the manager
	for _, handler := range handlers {
		handler(transition)
	}
	return nil
}

func isLegalTransition(from, to ConnectionState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OnStateChange registers a handler to be called on state transitions.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// GetState returns the current connection state.
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// GetLastTransition returns the most recent state transition.
func (sm *StateManager) GetLastTransition() StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.last
}
