// Package session orchestrates one voice conversation end to end.
package session

import "fmt"

// State is a phase of the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateSending
	StateAwaitingBackend
	StateApplyingResult
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSending:
		return "sending"
	case StateAwaitingBackend:
		return "awaiting_backend"
	case StateApplyingResult:
		return "applying_result"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InvalidTransitionError reports a transition outside the lifecycle graph.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

var validTransitions = map[State][]State{
	StateIdle:            {StateConnecting},
	StateConnecting:      {StateListening},
	StateListening:       {StateSending},
	StateSending:         {StateAwaitingBackend},
	StateAwaitingBackend: {StateApplyingResult, StateListening},
	StateApplyingResult:  {StateListening},
	StateClosing:         {StateClosed},
}

// transition moves from one state to the next, validating against the
// lifecycle graph. Closing is reachable from every state except Closed.
func transition(from, to State) (State, error) {
	if to == StateClosing {
		if from == StateClosed || from == StateClosing {
			return from, InvalidTransitionError{From: from, To: to}
		}
		return to, nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, InvalidTransitionError{From: from, To: to}
}
