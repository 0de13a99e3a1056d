package status

import (
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil, "messaging")
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"happy path", []State{Connecting, Connected}},
		{"drop and recover", []State{Connecting, Connected, Reconnecting, Connected}},
		{"give up", []State{Connecting, Connected, Reconnecting, Disconnected}},
		{"first dial fails", []State{Connecting, Reconnecting, Connected}},
		{"explicit disconnect", []State{Connecting, Connected, Disconnected, Connecting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil, "messaging")
			for _, s := range tt.path {
				if err := m.Transition(s); err != nil {
					t.Fatalf("Transition(%s) error = %v", s, err)
				}
			}
			if got := m.Current(); got != tt.path[len(tt.path)-1] {
				t.Errorf("Current() = %s, want %s", got, tt.path[len(tt.path)-1])
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from []State
		to   State
	}{
		{"disconnected to connected", nil, Connected},
		{"disconnected to reconnecting", nil, Reconnecting},
		{"connected to connecting", []State{Connecting, Connected}, Connecting},
		{"reconnecting to connecting", []State{Connecting, Reconnecting}, Connecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil, "messaging")
			for _, s := range tt.from {
				if err := m.Transition(s); err != nil {
					t.Fatal(err)
				}
			}
			before := m.Current()
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s) from %s succeeded, want error", tt.to, before)
			}
			if m.Current() != before {
				t.Errorf("state changed to %s on invalid transition", m.Current())
			}
		})
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	m := NewMachine(nil, "messaging")
	if err := m.Ensure(Disconnected); err != nil {
		t.Errorf("Ensure(current) error = %v", err)
	}
	if err := m.Ensure(Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(Connecting); err != nil {
		t.Errorf("second Ensure(connecting) error = %v", err)
	}
}

func TestTransitionPublishesNamespacedEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("lottery.", 10)
	defer unsub()

	m := NewMachine(b, "lottery")
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "lottery.state_changed" {
			t.Errorf("kind = %q, want lottery.state_changed", evt.Kind)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v, want disconnected -> connecting", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state change event")
	}
}
