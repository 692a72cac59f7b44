package inference

import (
	"context"
	"fmt"

	"github.com/yamachu/voicevox/internal/protocol"
)

// Model kinds a voice library ships. Duration and intonation feed the
// timing and pitch passes; spectrogram and vocoder together produce the
// waveform.
const (
	ModelDuration    = "duration"
	ModelIntonation  = "intonation"
	ModelSpectrogram = "spectrogram"
	ModelVocoder     = "vocoder"
)

// Preferences selects the execution backend for new sessions.
type Preferences struct {
	Device  string
	Threads int
}

// Fingerprint identifies one loadable model.
type Fingerprint struct {
	Kind     string
	Location string
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s@%s", f.Kind, f.Location)
}

// Session is one loaded model ready for forward passes. Implementations
// must tolerate concurrent Run calls or serialize them internally.
type Session interface {
	Run(ctx context.Context, inputs map[string]protocol.Tensor) (map[string]protocol.Tensor, error)
	Close() error
}

// Runtime loads model files into sessions.
type Runtime interface {
	NewSession(ctx context.Context, location string, prefs Preferences) (Session, error)
}

// Policy maps a speaker to the models that must be resident before the
// speaker can synthesize. The default policy is speaker-independent; a
// library with per-speaker models swaps in its own.
type Policy func(speaker int) []Fingerprint
