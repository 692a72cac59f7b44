package rpc

import (
	"errors"
	"sync"

	"github.com/yamachu/voicevox/internal/protocol"
)

// Transport moves envelopes between exactly two peers. Delivery is
// at-most-once and order-preserving per sender; the deliver callback must
// not be retained after Close returns.
type Transport interface {
	Send(env protocol.Envelope) error
	Start(deliver func(protocol.Envelope)) error
	Close() error
}

// Pipe is an in-process transport pair used by single-binary deployments'
// tests and the scenario tests. Both ends share one shutdown signal.
type Pipe struct {
	send chan<- protocol.Envelope
	recv <-chan protocol.Envelope
	done chan struct{}
	stop *sync.Once
}

// NewPipe returns two connected transports; what one sends the other
// delivers, in order.
func NewPipe() (*Pipe, *Pipe) {
	ab := make(chan protocol.Envelope, 64)
	ba := make(chan protocol.Envelope, 64)
	done := make(chan struct{})
	stop := &sync.Once{}
	a := &Pipe{send: ab, recv: ba, done: done, stop: stop}
	b := &Pipe{send: ba, recv: ab, done: done, stop: stop}
	return a, b
}

func (p *Pipe) Start(deliver func(protocol.Envelope)) error {
	go func() {
		for {
			select {
			case env := <-p.recv:
				deliver(env)
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

func (p *Pipe) Send(env protocol.Envelope) error {
	select {
	case p.send <- env:
		return nil
	case <-p.done:
		return errors.New("transport closed")
	}
}

func (p *Pipe) Close() error {
	p.stop.Do(func() { close(p.done) })
	return nil
}
