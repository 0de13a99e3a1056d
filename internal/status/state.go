package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
)

// State is the connection state of one push channel.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions. Connecting may fall
// back to Reconnecting when the first dial fails on the transport.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions and publishes
// every change as "<namespace>.state_changed".
type Machine struct {
	mu        sync.RWMutex
	current   State
	since     time.Time
	namespace string
	bus       *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus, namespace string) *Machine {
	return &Machine{
		current:   Disconnected,
		since:     time.Now(),
		namespace: namespace,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Ensure moves to the given state unless already there.
func (m *Machine) Ensure(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return nil
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      m.namespace + ".state_changed",
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// TransportError reports a dropped or failed push channel connection. It is
// published with degraded notifications and never returned to callers.
type TransportError struct {
	Channel string
	Attempt int
	RetryIn time.Duration
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error (attempt %d, retry in %s): %v", e.Channel, e.Attempt, e.RetryIn, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
