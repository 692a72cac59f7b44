package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned for calls issued on or interrupted by a closed peer.
var ErrClosed = errors.New("channel closed")

// TimeoutError reports a call whose reply did not arrive before the deadline.
// The pending entry is gone by the time this is returned; a reply arriving
// later is discarded.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.Operation, e.After)
}

// RemoteError carries a failure reply from the peer. Message is exactly the
// text the remote handler produced.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return e.Message
}
