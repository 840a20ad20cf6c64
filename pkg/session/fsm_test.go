package session

import (
	"errors"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	steps := []State{
		StateConnecting,
		StateListening,
		StateSending,
		StateAwaitingBackend,
		StateApplyingResult,
		StateListening,
	}
	state := StateIdle
	for _, next := range steps {
		got, err := transition(state, next)
		if err != nil {
			t.Fatalf("transition(%s, %s): %v", state, next, err)
		}
		state = got
	}
}

func TestClosingReachableFromAnyOpenState(t *testing.T) {
	open := []State{
		StateIdle, StateConnecting, StateListening,
		StateSending, StateAwaitingBackend, StateApplyingResult,
	}
	for _, from := range open {
		if _, err := transition(from, StateClosing); err != nil {
			t.Errorf("transition(%s, closing): %v", from, err)
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	if _, err := transition(StateClosed, StateClosing); err == nil {
		t.Fatal("expected error reopening a closed session")
	}
	if _, err := transition(StateClosed, StateListening); err == nil {
		t.Fatal("expected error leaving closed state")
	}
}

func TestInvalidTransitionReported(t *testing.T) {
	_, err := transition(StateIdle, StateSending)
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
	var ite InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error type = %T", err)
	}
	if ite.From != StateIdle || ite.To != StateSending {
		t.Fatalf("error = %+v", ite)
	}
}

func TestAwaitingBackendCanReturnToListening(t *testing.T) {
	if _, err := transition(StateAwaitingBackend, StateListening); err != nil {
		t.Fatalf("transition: %v", err)
	}
}
