package session

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of an agent session.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStreaming    State = "streaming"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
	StateTimedOut     State = "timed_out"
)

// TerminalStates lists every final state. Nothing leaves them.
var TerminalStates = []State{StateCompleted, StateFailed, StateCancelled, StateTimedOut}

var transitions = map[State][]State{
	StatePending:      {StateProvisioning, StateFailed, StateCancelled, StateTimedOut},
	StateProvisioning: {StateRunning, StateFailed, StateCancelled, StateTimedOut},
	StateRunning:      {StateStreaming, StateFailed, StateCancelled, StateTimedOut},
	StateStreaming:    {StateCompleted, StateFailed, StateCancelled, StateTimedOut},
}

func (s State) String() string {
	return string(s)
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether next is directly reachable from s.
func CanTransition(from, next State) bool {
	for _, candidate := range transitions[from] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ValidPath reports whether states, in order, form a walk through the
// lifecycle starting at pending with no skipped or revisited state.
func ValidPath(states []State) error {
	if len(states) == 0 {
		return nil
	}
	if states[0] != StatePending {
		return fmt.Errorf("path starts at %q, want %q", states[0], StatePending)
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, states[i-1], states[i])
		}
	}
	return nil
}

func ParseState(raw string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown session state %q", raw)
	}
	return state, nil
}
