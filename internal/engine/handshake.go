package engine

import (
	"errors"
	"sync"
)

// State of the bootstrap handshake with the speech peer.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrInitializing rejects an initialization attempt while another one is
// still running.
var ErrInitializing = errors.New("initialization already in progress")

// Handshake tracks the one-time bootstrap of the speech peer. Ready is
// terminal; a failure returns to a retryable state.
type Handshake struct {
	mu    sync.Mutex
	state State
}

func NewHandshake() *Handshake {
	return &Handshake{state: StateUninitialized}
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) Ready() bool {
	return h.State() == StateReady
}

// Begin claims the in-flight initialization. It reports false without error
// when the handshake already completed, so repeat requests are no-ops.
// Callers that get true must settle the claim with Succeed or Fail.
func (h *Handshake) Begin() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateReady:
		return false, nil
	case StateInitializing:
		return false, ErrInitializing
	}
	h.state = StateInitializing
	return true, nil
}

func (h *Handshake) Succeed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateReady
}

func (h *Handshake) Fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateFailed
}
