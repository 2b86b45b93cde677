package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/storechat/internal/bus"
)

// State is the transport state of a realtime connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	retries int
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Retries returns the reconnect attempts made since the last Connected.
func (m *Machine) Retries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retries
}

// NoteRetry counts one reconnect attempt.
func (m *Machine) NoteRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Connected || to == Disconnected {
		m.retries = 0
	}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.ConnStateChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Reconnected reports whether this change completes a reconnect.
func (c StatusChange) Reconnected() bool {
	return c.From == Reconnecting && c.To == Connected
}
