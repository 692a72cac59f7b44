package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yamachu/voicevox/internal/inference"
	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
	"github.com/yamachu/voicevox/internal/voicelib"
)

// Service answers the speech frontend's tensor forwards from the session
// cache. It runs on the engine peer, so forwards issued while the engine's
// own call is in flight are serviced without blocking it.
type Service struct {
	peer    *rpc.Peer
	cache   *inference.Cache
	catalog *voicelib.Catalog
	log     *slog.Logger
}

func NewService(peer *rpc.Peer, cache *inference.Cache, catalog *voicelib.Catalog, log *slog.Logger) *Service {
	return &Service{
		peer:    peer,
		cache:   cache,
		catalog: catalog,
		log:     log.With(slog.String("component", "engine")),
	}
}

func (s *Service) Start() error {
	s.peer.Handle(protocol.OpInferDuration, s.forward(inference.ModelDuration))
	s.peer.Handle(protocol.OpInferIntonation, s.forward(inference.ModelIntonation))
	s.peer.Handle(protocol.OpInferDecode, s.handleDecode)
	return nil
}

func (s *Service) Close() {}

func (s *Service) Healthy() bool {
	return s.cache != nil
}

// forward runs one pass on the speaker's model of the given kind.
func (s *Service) forward(kind string) rpc.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req protocol.TensorRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode tensor request: %w", err)
		}
		session, err := s.cache.ForSpeaker(ctx, req.Speaker, kind)
		if err != nil {
			return nil, err
		}
		outputs, err := session.Run(ctx, req.Inputs)
		if err != nil {
			return nil, fmt.Errorf("%s forward: %w", kind, err)
		}
		return protocol.TensorReply{Outputs: outputs}, nil
	}
}

// handleDecode chains the spectrogram and vocoder models. The frontend
// sees them as a single decode pass.
func (s *Service) handleDecode(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.TensorRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode tensor request: %w", err)
	}
	spectrogram, err := s.cache.ForSpeaker(ctx, req.Speaker, inference.ModelSpectrogram)
	if err != nil {
		return nil, err
	}
	features, err := spectrogram.Run(ctx, req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("spectrogram forward: %w", err)
	}
	vocoder, err := s.cache.ForSpeaker(ctx, req.Speaker, inference.ModelVocoder)
	if err != nil {
		return nil, err
	}
	outputs, err := vocoder.Run(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("vocoder forward: %w", err)
	}
	return protocol.TensorReply{Outputs: outputs}, nil
}

// WarmSpeaker loads the speaker's full model set ahead of use.
func (s *Service) WarmSpeaker(ctx context.Context, speaker int) error {
	if !s.catalog.HasStyle(speaker) {
		return fmt.Errorf("unknown speaker %d", speaker)
	}
	return s.cache.WarmSpeaker(ctx, speaker)
}

func (s *Service) SpeakerReady(speaker int) bool {
	return s.catalog.HasStyle(speaker) && s.cache.SpeakerReady(speaker)
}

// Prewarm loads the configured speakers at startup so first requests do
// not pay the load.
func (s *Service) Prewarm(ctx context.Context, speakers []int) error {
	for _, id := range speakers {
		if err := s.WarmSpeaker(ctx, id); err != nil {
			return fmt.Errorf("warm speaker %d: %w", id, err)
		}
		s.log.Info("speaker prewarmed", slog.Int("speaker", id))
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
