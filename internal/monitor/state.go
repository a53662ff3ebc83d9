package monitor

import (
	"fmt"
	"sync"

	"github.com/frametrace/frametrace/internal/logger"
)

// State is the monitoring lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// InvalidTransitionError reports an operation attempted from a state it
// is not permitted in. The machine state is unchanged.
type InvalidTransitionError struct {
	Op   string
	From State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %s", e.Op, e.From)
}

// Transition is one completed edge, delivered to observers.
type Transition struct {
	From State
	To   State
}

const transitionBuffer = 16

// Machine serializes all lifecycle transitions under one lock. Only the
// five named operations move it; anything else is rejected with an
// InvalidTransitionError. Completed edges are published as discrete
// events so observers never have to poll.
type Machine struct {
	mu     sync.Mutex
	state  State
	events chan Transition
}

// NewMachine returns a machine in IDLE.
func NewMachine() *Machine {
	return &Machine{
		state:  StateIdle,
		events: make(chan Transition, transitionBuffer),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the channel of completed transitions. Events are
// dropped, not blocked on, when no one is draining.
func (m *Machine) Events() <-chan Transition {
	return m.events
}

// RequestStart moves IDLE to STARTING.
func (m *Machine) RequestStart() error {
	return m.transition("request start", StateStarting, StateIdle)
}

// MarkRunning moves STARTING to RUNNING.
func (m *Machine) MarkRunning() error {
	return m.transition("mark running", StateRunning, StateStarting)
}

// MarkFailed moves STARTING or RUNNING to FAILED.
func (m *Machine) MarkFailed() error {
	return m.transition("mark failed", StateFailed, StateStarting, StateRunning)
}

// RequestStop moves RUNNING or FAILED to STOPPING.
func (m *Machine) RequestStop() error {
	return m.transition("request stop", StateStopping, StateRunning, StateFailed)
}

// MarkIdle moves STOPPING back to IDLE.
func (m *Machine) MarkIdle() error {
	return m.transition("mark idle", StateIdle, StateStopping)
}

func (m *Machine) transition(op string, to State, froms ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, f := range froms {
		if m.state == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidTransitionError{Op: op, From: m.state}
	}

	from := m.state
	m.state = to
	logger.WithComponent("monitor").Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Lifecycle transition")

	select {
	case m.events <- Transition{From: from, To: to}:
	default:
	}
	return nil
}
