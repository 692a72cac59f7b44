package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
)

// Service owns the speech side of the channel: it answers the engine's
// high-level operations with a frontend it bootstraps on demand, and routes
// the frontend's tensor forwards back over the same channel.
type Service struct {
	peer    *rpc.Peer
	factory Factory
	log     *slog.Logger

	mu           sync.Mutex
	initializing bool
	frontend     Frontend
}

func NewService(peer *rpc.Peer, factory Factory, log *slog.Logger) *Service {
	return &Service{
		peer:    peer,
		factory: factory,
		log:     log.With(slog.String("component", "speech")),
	}
}

// Start registers the operation handlers. The peer delivers envelopes only
// after its own Start, so registration here cannot miss calls.
func (s *Service) Start() error {
	s.peer.Handle(protocol.OpInitialize, s.handleInitialize)
	s.peer.Handle(protocol.OpAudioQuery, s.handleAudioQuery)
	s.peer.Handle(protocol.OpAccentPhrases, s.handleAccentPhrases)
	s.peer.Handle(protocol.OpMoraTiming, s.handleMoraTiming)
	s.peer.Handle(protocol.OpSynthesis, s.handleSynthesis)
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	frontend := s.frontend
	s.frontend = nil
	s.mu.Unlock()
	if frontend != nil {
		if err := frontend.Close(context.Background()); err != nil {
			s.log.Warn("failed to close frontend", slogError(err))
		}
	}
}

func (s *Service) Healthy() bool {
	return s.peer != nil
}

// handleInitialize bootstraps the frontend exactly once. A second call
// while the bootstrap runs is rejected rather than queued; a call after a
// successful bootstrap is a no-op. Failure clears the guard so the engine
// can retry.
func (s *Service) handleInitialize(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.InitializeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode initialize request: %w", err)
	}

	s.mu.Lock()
	if s.frontend != nil {
		s.mu.Unlock()
		return nil, nil
	}
	if s.initializing {
		s.mu.Unlock()
		return nil, errors.New("initialization already in progress")
	}
	s.initializing = true
	s.mu.Unlock()

	frontend, err := s.factory(ctx, req.Dictionary, s.callbacks())

	s.mu.Lock()
	s.initializing = false
	if err == nil {
		s.frontend = frontend
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("frontend bootstrap failed", slogError(err))
		return nil, fmt.Errorf("bootstrap frontend: %w", err)
	}
	s.log.Info("frontend initialized", slog.String("dictionary", req.Dictionary))
	return nil, nil
}

func (s *Service) handleAudioQuery(ctx context.Context, payload json.RawMessage) (any, error) {
	frontend, err := s.ready()
	if err != nil {
		return nil, err
	}
	var req protocol.AudioQueryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode audio query request: %w", err)
	}
	return frontend.AudioQuery(ctx, req.Text, req.Speaker)
}

func (s *Service) handleAccentPhrases(ctx context.Context, payload json.RawMessage) (any, error) {
	frontend, err := s.ready()
	if err != nil {
		return nil, err
	}
	var req protocol.AccentPhrasesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode accent phrases request: %w", err)
	}
	phrases, err := frontend.AccentPhrases(ctx, req.Text, req.Speaker)
	if err != nil {
		return nil, err
	}
	return protocol.AccentPhrasesReply{AccentPhrases: phrases}, nil
}

func (s *Service) handleMoraTiming(ctx context.Context, payload json.RawMessage) (any, error) {
	frontend, err := s.ready()
	if err != nil {
		return nil, err
	}
	var req protocol.MoraTimingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode mora timing request: %w", err)
	}
	phrases, err := frontend.MoraTiming(ctx, req.AccentPhrases, req.Speaker)
	if err != nil {
		return nil, err
	}
	return protocol.AccentPhrasesReply{AccentPhrases: phrases}, nil
}

func (s *Service) handleSynthesis(ctx context.Context, payload json.RawMessage) (any, error) {
	frontend, err := s.ready()
	if err != nil {
		return nil, err
	}
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode synthesis request: %w", err)
	}
	rate, samples, err := frontend.Synthesize(ctx, &req.Query, req.Speaker)
	if err != nil {
		return nil, err
	}
	return protocol.SynthesisReply{SampleRate: rate, Samples: samples}, nil
}

func (s *Service) ready() (Frontend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frontend == nil {
		return nil, errors.New("speech frontend not initialized")
	}
	return s.frontend, nil
}

// callbacks routes the frontend's tensor forwards to the engine as nested
// calls on the same channel the current operation arrived on.
func (s *Service) callbacks() Callbacks {
	return Callbacks{
		Duration:   s.forward(protocol.OpInferDuration),
		Intonation: s.forward(protocol.OpInferIntonation),
		Decode:     s.forward(protocol.OpInferDecode),
	}
}

func (s *Service) forward(operation string) func(context.Context, protocol.TensorRequest) (protocol.TensorReply, error) {
	return func(ctx context.Context, req protocol.TensorRequest) (protocol.TensorReply, error) {
		raw, err := s.peer.Call(ctx, operation, req)
		if err != nil {
			return protocol.TensorReply{}, err
		}
		var reply protocol.TensorReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return protocol.TensorReply{}, fmt.Errorf("decode %s reply: %w", operation, err)
		}
		return reply, nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
