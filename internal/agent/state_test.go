package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := NewStateMachine()
	require.Equal(t, StateDisconnected, m.State())

	require.True(t, m.Transition(EventConnectRequested))
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.IsActive())

	require.True(t, m.Transition(EventConnectionOpened))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsActive())

	require.True(t, m.Transition(EventAuthCompleted))
	assert.Equal(t, StateAuthenticated, m.State())
	assert.False(t, m.IsReady())

	require.True(t, m.Transition(EventClientIDAssigned))
	assert.Equal(t, StateReady, m.State())
	assert.True(t, m.IsReady())

	require.True(t, m.Transition(EventConnectionClosed))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from  State
		event Event
	}{
		{StateDisconnected, EventConnectionOpened},
		{StateDisconnected, EventAuthCompleted},
		{StateDisconnected, EventClientIDAssigned},
		{StateConnecting, EventAuthCompleted},
		{StateConnecting, EventClientIDAssigned},
		{StateConnecting, EventConnectRequested},
		{StateConnected, EventClientIDAssigned},
		{StateConnected, EventConnectRequested},
		{StateAuthenticated, EventAuthCompleted},
		{StateReady, EventConnectRequested},
		{StateReady, EventAuthCompleted},
	}

	for _, tc := range cases {
		m := NewStateMachine()
		m.ForceState(tc.from, "test setup")

		var notified bool
		m.AddListener(func(State, Event) { notified = true })

		assert.False(t, m.Transition(tc.event),
			"%s + %s should be rejected", tc.from, tc.event)
		assert.Equal(t, tc.from, m.State(), "rejected transition must not mutate state")
		assert.False(t, notified, "rejected transition must not notify")
	}
}

func TestStateMachineTerminalEventsConverge(t *testing.T) {
	states := []State{StateDisconnected, StateConnecting, StateConnected, StateAuthenticated, StateReady}
	events := []Event{EventConnectionClosed, EventConnectionError, EventDisconnectRequested}

	for _, from := range states {
		for _, event := range events {
			m := NewStateMachine()
			m.ForceState(from, "test setup")
			require.True(t, m.Transition(event), "%s + %s", from, event)
			assert.Equal(t, StateDisconnected, m.State())
		}
	}
}

func TestStateMachineIdempotentDisconnectNotifies(t *testing.T) {
	var calls int
	m := NewStateMachine(func(state State, event Event) {
		calls++
		assert.Equal(t, StateDisconnected, state)
	})

	// Terminal events in the disconnected state are valid no-op
	// transitions and still notify.
	require.True(t, m.Transition(EventConnectionClosed))
	require.True(t, m.Transition(EventConnectionError))
	assert.Equal(t, 2, calls)
}

func TestStateMachineListenerOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mk := func(name string) Listener {
		return func(State, Event) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
		}
	}

	m := NewStateMachine(mk("first"), mk("second"))
	m.AddListener(mk("third"))

	require.True(t, m.Transition(EventConnectRequested))
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestStateMachineListenerPanicIsolated(t *testing.T) {
	var after bool
	m := NewStateMachine(
		func(State, Event) { panic("bad listener") },
		func(State, Event) { after = true },
	)

	require.True(t, m.Transition(EventConnectRequested))
	assert.True(t, after, "listeners after a panicking one must still run")
	assert.Equal(t, StateConnecting, m.State())
}

func TestStateMachineForceStateNotifies(t *testing.T) {
	var calls int
	m := NewStateMachine(func(State, Event) { calls++ })

	m.ForceState(StateReady, "test")
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 1, calls)

	// Forcing the current state still notifies.
	m.ForceState(StateReady, "test again")
	assert.Equal(t, 2, calls)
}

func TestStateMachineReset(t *testing.T) {
	var calls int
	m := NewStateMachine(func(State, Event) { calls++ })

	m.Reset()
	assert.Equal(t, 0, calls, "reset from disconnected is a no-op")

	m.ForceState(StateReady, "test")
	m.Reset()
	assert.Equal(t, StateDisconnected, m.State())
}
