package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yamachu/voicevox/internal/protocol"
)

// Handler services one inbound operation. It runs on its own goroutine so
// slow handlers never stall envelope delivery; the context expires when the
// caller's deadline would have passed or the peer shuts down.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Peer is one end of a correlated request/reply channel. Every outbound
// call gets a fresh correlation id and a pending entry; the entry is
// claimed exactly once, by the reply or by the deadline, whichever acts
// first. Inbound calls are serviced concurrently, so a peer keeps
// answering while its own calls are in flight.
type Peer struct {
	name      string
	transport Transport
	timeout   time.Duration
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]chan protocol.Envelope
	handlers map[string]Handler
	closed   bool

	meter        metric.Meter
	callCounter  metric.Int64Counter
	timeoutCount metric.Int64Counter
}

func NewPeer(parent context.Context, name string, transport Transport, callTimeout time.Duration, log *slog.Logger) *Peer {
	ctx, cancel := context.WithCancel(parent)
	p := &Peer{
		name:      name,
		transport: transport,
		timeout:   callTimeout,
		log:       log.With(slog.String("component", "channel"), slog.String("peer", name)),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]chan protocol.Envelope),
		handlers:  make(map[string]Handler),
		meter:     otel.Meter("github.com/yamachu/voicevox/rpc"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

// Handle registers the handler for an operation, replacing any previous one.
func (p *Peer) Handle(operation string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[operation] = handler
}

// Start begins delivering envelopes. Handlers registered after Start are
// picked up by subsequent calls.
func (p *Peer) Start() error {
	return p.transport.Start(p.receive)
}

// Call sends one operation to the peer and waits for its reply, the
// configured timeout, or ctx, whichever comes first. There are no retries;
// a timed-out call may still have executed remotely.
func (p *Peer) Call(ctx context.Context, operation string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", operation, err)
	}

	id := uuid.NewString()
	ch := make(chan protocol.Envelope, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	env := protocol.Envelope{ID: id, Kind: protocol.KindCall, Operation: operation, Payload: data}
	if err := p.transport.Send(env); err != nil {
		p.take(id)
		return nil, fmt.Errorf("send %s: %w", operation, err)
	}
	if p.callCounter != nil {
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return p.unpack(operation, reply)
	case <-timer.C:
		if _, ok := p.take(id); !ok {
			// The reply claimed the entry in the same instant; honor it.
			return p.unpack(operation, <-ch)
		}
		if p.timeoutCount != nil {
			p.timeoutCount.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		}
		return nil, &TimeoutError{Operation: operation, After: p.timeout}
	case <-ctx.Done():
		if _, ok := p.take(id); !ok {
			return p.unpack(operation, <-ch)
		}
		return nil, fmt.Errorf("call %s: %w", operation, ctx.Err())
	case <-p.ctx.Done():
		p.take(id)
		return nil, ErrClosed
	}
}

// Close stops delivery, rejects every pending call, and waits for running
// handlers to finish.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	if err := p.transport.Close(); err != nil {
		p.log.Warn("failed to close transport", slog.String("error", err.Error()))
	}
	p.wg.Wait()
}

func (p *Peer) unpack(operation string, reply protocol.Envelope) (json.RawMessage, error) {
	if reply.Error != "" || !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "remote call failed"
		}
		return nil, &RemoteError{Operation: operation, Message: msg}
	}
	return reply.Payload, nil
}

// take claims the pending entry for id. Exactly one of the reply path and
// the deadline path succeeds.
func (p *Peer) take(id string) (chan protocol.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return ch, ok
}

func (p *Peer) receive(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindReply:
		p.deliverReply(env)
	case protocol.KindCall:
		p.dispatchCall(env)
	default:
		p.log.Warn("dropping envelope with unknown kind", slog.String("kind", env.Kind))
	}
}

func (p *Peer) deliverReply(env protocol.Envelope) {
	ch, ok := p.take(env.ID)
	if !ok {
		// Late or duplicate; the caller already gave up.
		p.log.Debug("discarding reply with no pending call", slog.String("id", env.ID))
		return
	}
	ch <- env
}

func (p *Peer) dispatchCall(env protocol.Envelope) {
	p.mu.Lock()
	handler, ok := p.handlers[env.Operation]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if !ok {
		p.replyError(env, fmt.Sprintf("unknown operation: %s", env.Operation))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()

		result, err := handler(ctx, env.Payload)
		if err != nil {
			p.replyError(env, err.Error())
			return
		}
		payload, err := json.Marshal(result)
		if err != nil {
			p.replyError(env, fmt.Sprintf("encode %s result: %v", env.Operation, err))
			return
		}
		reply := protocol.Envelope{
			ID:        env.ID,
			Kind:      protocol.KindReply,
			Operation: env.Operation,
			Payload:   payload,
			Success:   true,
		}
		if err := p.transport.Send(reply); err != nil {
			p.log.Warn("failed to send reply",
				slog.String("operation", env.Operation),
				slog.String("error", err.Error()))
		}
	}()
}

func (p *Peer) replyError(env protocol.Envelope, message string) {
	reply := protocol.Envelope{
		ID:        env.ID,
		Kind:      protocol.KindReply,
		Operation: env.Operation,
		Error:     message,
	}
	if err := p.transport.Send(reply); err != nil {
		p.log.Warn("failed to send failure reply",
			slog.String("operation", env.Operation),
			slog.String("error", err.Error()))
	}
}

func (p *Peer) initMetrics() error {
	calls, err := p.meter.Int64Counter("voicevox.channel.calls",
		metric.WithDescription("Outbound calls issued"))
	if err != nil {
		return err
	}
	timeouts, err := p.meter.Int64Counter("voicevox.channel.timeouts",
		metric.WithDescription("Calls abandoned at the deadline"))
	if err != nil {
		return err
	}
	pendingGauge, err := p.meter.Int64ObservableGauge("voicevox.channel.pending",
		metric.WithDescription("Calls awaiting a reply"))
	if err != nil {
		return err
	}
	p.callCounter = calls
	p.timeoutCount = timeouts
	_, err = p.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		p.mu.Lock()
		n := int64(len(p.pending))
		p.mu.Unlock()
		obs.ObserveInt64(pendingGauge, n, metric.WithAttributes(attribute.String("peer", p.name)))
		return nil
	}, pendingGauge)
	return err
}
