package engine

import (
	"errors"
	"testing"
)

func TestHandshakeTransitions(t *testing.T) {
	h := NewHandshake()
	if got := h.State(); got != StateUninitialized {
		t.Fatalf("fresh handshake in state %v", got)
	}

	started, err := h.Begin()
	if err != nil || !started {
		t.Fatalf("begin: started=%v err=%v", started, err)
	}
	if got := h.State(); got != StateInitializing {
		t.Fatalf("expected initializing, got %v", got)
	}

	if _, err := h.Begin(); !errors.Is(err, ErrInitializing) {
		t.Fatalf("expected ErrInitializing, got %v", err)
	}

	h.Succeed()
	if !h.Ready() {
		t.Fatalf("not ready after success")
	}
	started, err = h.Begin()
	if err != nil || started {
		t.Fatalf("begin after ready: started=%v err=%v", started, err)
	}
}

func TestHandshakeFailureIsRetryable(t *testing.T) {
	h := NewHandshake()
	if _, err := h.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.Fail()
	if got := h.State(); got != StateFailed {
		t.Fatalf("expected failed, got %v", got)
	}

	started, err := h.Begin()
	if err != nil || !started {
		t.Fatalf("begin after failure: started=%v err=%v", started, err)
	}
	h.Succeed()
	if !h.Ready() {
		t.Fatalf("not ready after retry")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateFailed:        "failed",
		State(42):          "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
