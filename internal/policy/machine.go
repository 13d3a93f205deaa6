package policy

import (
	"errors"
	"fmt"
)

// State is a step in the lifecycle of one decision cycle.
type State string

// States.
const (
	StateIdle              State = "idle"
	StateIssueDetected     State = "issue_detected"
	StateRestartPending    State = "restart_pending"
	StateEscalationPending State = "escalation_pending"
	StateResolved          State = "resolved"
)

// Event moves the machine between states.
type Event string

// Events.
const (
	EventIssueFound    Event = "issue_found"
	EventNoIssue       Event = "no_issue"
	EventRemediate     Event = "remediate"
	EventEscalate      Event = "escalate"
	EventSkip          Event = "skip"
	EventPathCompleted Event = "path_completed"
	EventPathFailed    Event = "path_failed"
)

// ErrInvalidTransition is returned for an event not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventIssueFound: StateIssueDetected,
		EventNoIssue:    StateIdle,
	},
	StateIssueDetected: {
		EventRemediate: StateRestartPending,
		EventEscalate:  StateEscalationPending,
		EventSkip:      StateIdle,
	},
	StateRestartPending: {
		EventPathCompleted: StateResolved,
		EventPathFailed:    StateResolved,
	},
	StateEscalationPending: {
		EventPathCompleted: StateResolved,
		EventPathFailed:    StateResolved,
	},
}

// Machine tracks the state of a single cycle. It is not safe for concurrent use;
// each cycle owns its own machine.
type Machine struct {
	state   State
	history []State
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []State{StateIdle}}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// History returns the visited states in order.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies ev and returns the new state.
func (m *Machine) Fire(ev Event) (State, error) {
	next, ok := transitions[m.state][ev]
	if !ok {
		return m.state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, m.state)
	}
	m.state = next
	m.history = append(m.history, next)
	return next, nil
}

// EventFor maps a decision to the machine event that follows IssueDetected.
func EventFor(a Action) Event {
	switch a {
	case ActionRemediate:
		return EventRemediate
	case ActionEscalate:
		return EventEscalate
	}
	return EventSkip
}
