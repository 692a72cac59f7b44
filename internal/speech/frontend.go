package speech

import (
	"context"

	"github.com/yamachu/voicevox/internal/protocol"
)

// Callbacks are the tensor-forward slots handed to a frontend when it is
// bootstrapped. The frontend invokes them mid-operation whenever it needs a
// model forward pass; they are expected to be safe for concurrent use.
type Callbacks struct {
	Duration   func(ctx context.Context, req protocol.TensorRequest) (protocol.TensorReply, error)
	Intonation func(ctx context.Context, req protocol.TensorRequest) (protocol.TensorReply, error)
	Decode     func(ctx context.Context, req protocol.TensorRequest) (protocol.TensorReply, error)
}

// Frontend is a bootstrapped linguistic runtime bound to one dictionary.
type Frontend interface {
	AudioQuery(ctx context.Context, text string, speaker int) (*protocol.AudioQuery, error)
	AccentPhrases(ctx context.Context, text string, speaker int) ([]protocol.AccentPhrase, error)
	MoraTiming(ctx context.Context, phrases []protocol.AccentPhrase, speaker int) ([]protocol.AccentPhrase, error)
	Synthesize(ctx context.Context, query *protocol.AudioQuery, speaker int) (int, []float32, error)
	Close(ctx context.Context) error
}

// Factory bootstraps a frontend. It runs at most once per service lifetime;
// the dictionary location comes from the engine's voice catalog.
type Factory func(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error)
