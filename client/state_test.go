package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DISCONNECTED", DISCONNECTED.String())
	assert.Equal(t, "CONNECTING", CONNECTING.String())
	assert.Equal(t, "CONNECTED", CONNECTED.String())
	assert.Equal(t, "DISCONNECTING", DISCONNECTING.String())
	assert.Equal(t, "UNKNOWN", ConnectionState(42).String())
}

// driveTo walks a fresh manager to s along legal transitions.
func driveTo(t *testing.T, sm *StateManager, s ConnectionState) {
	t.Helper()

	path := map[ConnectionState][]ConnectionState{
		DISCONNECTED:  nil,
		CONNECTING:    {CONNECTING},
		CONNECTED:     {CONNECTING, CONNECTED},
		DISCONNECTING: {CONNECTING, CONNECTED, DISCONNECTING},
	}
	for _, step := range path[s] {
		require.NoError(t, sm.TransitionTo(step, nil, nil))
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from ConnectionState
		to   ConnectionState
		ok   bool
	}{
		{DISCONNECTED, CONNECTING, true},
		{CONNECTING, CONNECTED, true},
		{CONNECTING, DISCONNECTED, true},
		{CONNECTED, DISCONNECTING, true},
		{CONNECTED, DISCONNECTED, true},
		{DISCONNECTING, DISCONNECTED, true},
		{DISCONNECTED, CONNECTED, false},
		{DISCONNECTED, DISCONNECTING, false},
		{CONNECTING, DISCONNECTING, false},
		{CONNECTED, CONNECTING, false},
		{DISCONNECTING, CONNECTING, false},
		{DISCONNECTING, CONNECTED, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			t.Parallel()

			sm := NewStateManager()
			driveTo(t, sm, tt.from)

			err := sm.TransitionTo(tt.to, nil, nil)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, sm.GetState())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.from, sm.GetState())
		})
	}
}

func TestStateHandlers(t *testing.T) {
	t.Parallel()

	sm := NewStateManager()
	var seen []StateTransition
	calls := 0
	sm.OnStateChange(func(tr StateTransition) { seen = append(seen, tr) })
	sm.OnStateChange(func(StateTransition) {
		calls++
		// handlers may read the state without deadlocking
		_ = sm.GetState()
	})

	time.Sleep(5 * time.Millisecond)
	lost := errors.New("reset by peer")
	require.NoError(t, sm.TransitionTo(CONNECTING, nil, map[string]interface{}{"reason": "test"}))
	require.NoError(t, sm.TransitionTo(CONNECTED, nil, nil))
	require.NoError(t, sm.TransitionTo(DISCONNECTED, lost, map[string]interface{}{"reason": "connection_lost"}))

	require.Len(t, seen, 3)
	assert.Equal(t, 3, calls)
	assert.Equal(t, DISCONNECTED, seen[0].From)
	assert.Equal(t, CONNECTING, seen[0].To)
	assert.Equal(t, "test", seen[0].Metadata["reason"])
	assert.GreaterOrEqual(t, seen[0].Duration, 5*time.Millisecond)
	assert.ErrorIs(t, seen[2].Error, lost)

	last := sm.GetLastTransition()
	assert.Equal(t, CONNECTED, last.From)
	assert.Equal(t, DISCONNECTED, last.To)
}
