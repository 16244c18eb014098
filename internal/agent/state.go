// Package agent implements the tunnelgrid agent: a reconnecting control
// connection to the coordinator with its state machine, heartbeat prober,
// and authentication handshake.
package agent

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of the agent's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReady
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Event drives state transitions.
type Event int

const (
	EventConnectRequested Event = iota
	EventConnectionOpened
	EventAuthCompleted
	EventClientIDAssigned
	EventConnectionClosed
	EventConnectionError
	EventDisconnectRequested
)

// String returns the event name for logs.
func (e Event) String() string {
	switch e {
	case EventConnectRequested:
		return "connect_requested"
	case EventConnectionOpened:
		return "connection_opened"
	case EventAuthCompleted:
		return "auth_completed"
	case EventClientIDAssigned:
		return "client_id_assigned"
	case EventConnectionClosed:
		return "connection_closed"
	case EventConnectionError:
		return "connection_error"
	case EventDisconnectRequested:
		return "disconnect_requested"
	default:
		return "unknown"
	}
}

// transitions is the full state transition table. Forward progress requires
// the single expected predecessor state; any terminal event from any state
// converges on disconnected. Absent entries are invalid.
var transitions = map[State]map[Event]State{
	StateDisconnected: {
		EventConnectRequested:    StateConnecting,
		EventConnectionClosed:    StateDisconnected, // idempotent
		EventConnectionError:     StateDisconnected,
		EventDisconnectRequested: StateDisconnected,
	},
	StateConnecting: {
		EventConnectionOpened:    StateConnected,
		EventConnectionClosed:    StateDisconnected,
		EventConnectionError:     StateDisconnected,
		EventDisconnectRequested: StateDisconnected,
	},
	StateConnected: {
		EventAuthCompleted:       StateAuthenticated,
		EventConnectionClosed:    StateDisconnected,
		EventConnectionError:     StateDisconnected,
		EventDisconnectRequested: StateDisconnected,
	},
	StateAuthenticated: {
		EventClientIDAssigned:    StateReady,
		EventConnectionClosed:    StateDisconnected,
		EventConnectionError:     StateDisconnected,
		EventDisconnectRequested: StateDisconnected,
	},
	StateReady: {
		EventConnectionClosed:    StateDisconnected,
		EventConnectionError:     StateDisconnected,
		EventDisconnectRequested: StateDisconnected,
	},
}

// Listener observes state changes. Listeners are notified on every valid
// transition, including idempotent ones where the state did not change.
type Listener func(newState State, event Event)

// StateMachine tracks one connection's lifecycle through validated
// transitions. State is never assigned directly outside ForceState.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	listeners []Listener
}

// NewStateMachine creates a state machine in the disconnected state with the
// given observer sinks.
func NewStateMachine(listeners ...Listener) *StateMachine {
	return &StateMachine{state: StateDisconnected, listeners: listeners}
}

// AddListener registers an additional observer.
func (m *StateMachine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether the connection is open (connected, authenticated,
// or ready).
func (m *StateMachine) IsActive() bool {
	s := m.State()
	return s == StateConnected || s == StateAuthenticated || s == StateReady
}

// IsReady reports whether the connection is fully ready.
func (m *StateMachine) IsReady() bool {
	return m.State() == StateReady
}

// Transition applies an event. Invalid transitions are logged and rejected
// without mutating state. Valid transitions notify every listener, even when
// the resulting state equals the current one, so observers can refresh their
// state description.
func (m *StateMachine) Transition(event Event) bool {
	m.mu.Lock()
	next, ok := transitions[m.state][event]
	if !ok {
		current := m.state
		m.mu.Unlock()
		log.Warn().
			Str("state", current.String()).
			Str("event", event.String()).
			Msg("invalid state transition rejected")
		return false
	}

	prev := m.state
	m.state = next
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("event", event.String()).
		Msg("state transition")

	m.notify(listeners, next, event)
	return true
}

// ForceState bypasses the transition table. It is reserved for error
// recovery and reset, and always notifies listeners with a synthetic
// connection-error event tag.
func (m *StateMachine) ForceState(state State, reason string) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Debug().
		Str("from", prev.String()).
		Str("to", state.String()).
		Str("reason", reason).
		Msg("state forced")

	m.notify(listeners, state, EventConnectionError)
}

// Reset forces the machine back to disconnected unless it is already there.
func (m *StateMachine) Reset() {
	if m.State() != StateDisconnected {
		m.ForceState(StateDisconnected, "reset")
	}
}

// notify delivers a state change to each listener. A panicking listener is
// recovered and logged so one faulty observer cannot corrupt the machine.
func (m *StateMachine) notify(listeners []Listener, state State, event Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("state", state.String()).
						Msg("state listener panicked")
				}
			}()
			l(state, event)
		}()
	}
}
