package inference

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yamachu/voicevox/internal/protocol"
)

// MockRuntime fabricates deterministic sessions without touching model
// files. It is the default mode for development and tests.
type MockRuntime struct{}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{}
}

func (m *MockRuntime) NewSession(ctx context.Context, location string, prefs Preferences) (Session, error) {
	if location == "" {
		return nil, errors.New("model location empty")
	}
	return &mockSession{kind: guessKind(location)}, nil
}

// guessKind recovers the model family from the file name, which is how
// library layouts name their models.
func guessKind(location string) string {
	base := strings.ToLower(filepath.Base(location))
	switch {
	case strings.Contains(base, ModelDuration):
		return ModelDuration
	case strings.Contains(base, ModelIntonation):
		return ModelIntonation
	case strings.Contains(base, ModelSpectrogram):
		return ModelSpectrogram
	case strings.Contains(base, ModelVocoder):
		return ModelVocoder
	default:
		return ""
	}
}

type mockSession struct {
	kind   string
	mu     sync.Mutex
	closed bool
}

const mockHopLength = 256

func (s *mockSession) Run(ctx context.Context, inputs map[string]protocol.Tensor) (map[string]protocol.Tensor, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("session closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch s.kind {
	case ModelDuration:
		in := firstInput(inputs, "phonemes")
		out := make([]float32, len(in.Data))
		for i, v := range in.Data {
			out[i] = float32(0.05 + 0.01*math.Mod(float64(v), 7))
		}
		return map[string]protocol.Tensor{
			"durations": {Shape: in.Shape, Data: out},
		}, nil
	case ModelIntonation:
		in := firstInput(inputs, "vowels")
		out := make([]float32, len(in.Data))
		for i, v := range in.Data {
			out[i] = float32(5.2 + 0.08*math.Mod(float64(v), 12))
		}
		return map[string]protocol.Tensor{
			"pitches": {Shape: in.Shape, Data: out},
		}, nil
	case ModelSpectrogram:
		f0 := firstInput(inputs, "f0")
		frames := len(f0.Data)
		const bins = 16
		out := make([]float32, frames*bins)
		for i := 0; i < frames; i++ {
			for j := 0; j < bins; j++ {
				out[i*bins+j] = f0.Data[i] * (1 + float32(j)/bins)
			}
		}
		return map[string]protocol.Tensor{
			"spec": {Shape: []int{frames, bins}, Data: out},
		}, nil
	case ModelVocoder:
		spec := firstInput(inputs, "spec")
		frames := 0
		bins := 1
		if len(spec.Shape) == 2 {
			frames = spec.Shape[0]
			bins = spec.Shape[1]
		} else {
			frames = len(spec.Data)
		}
		wave := make([]float32, frames*mockHopLength)
		phase := 0.0
		for i := 0; i < frames; i++ {
			freq := 220.0
			if i*bins < len(spec.Data) {
				freq += float64(spec.Data[i*bins])
			}
			step := 2 * math.Pi * freq / 24000.0
			for j := 0; j < mockHopLength; j++ {
				wave[i*mockHopLength+j] = float32(0.1 * math.Sin(phase))
				phase += step
			}
		}
		return map[string]protocol.Tensor{
			"wave": {Shape: []int{len(wave)}, Data: wave},
		}, nil
	default:
		outputs := make(map[string]protocol.Tensor, len(inputs))
		for name, tensor := range inputs {
			outputs[name] = tensor
		}
		return outputs, nil
	}
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func firstInput(inputs map[string]protocol.Tensor, preferred string) protocol.Tensor {
	if t, ok := inputs[preferred]; ok {
		return t
	}
	for _, t := range inputs {
		return t
	}
	return protocol.Tensor{}
}
