package wav

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ieeeFloat is the RIFF format tag for 32-bit float samples.
const ieeeFloat = 3

// Encode renders samples as a complete RIFF/WAVE byte stream: a 44-byte
// header followed by the raw little-endian float32 data. Interleaved
// multi-channel data is written as given.
func Encode(samples []float32, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if channels <= 0 {
		return nil, errors.New("channel count must be positive")
	}

	buf := &seekBuffer{}
	enc := wav.NewEncoder(buf, sampleRate, 32, channels, ieeeFloat)
	for _, sample := range samples {
		if err := enc.WriteFrame(sample); err != nil {
			return nil, fmt.Errorf("write wav frame: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return buf.data, nil
}

// Duplicate interleaves a mono signal into the given channel count.
func Duplicate(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, 0, len(samples)*channels)
	for _, s := range samples {
		for c := 0; c < channels; c++ {
			out = append(out, s)
		}
	}
	return out
}

// Probe reads the container header and returns the audio format plus the
// RIFF format tag.
func Probe(data []byte) (*audio.Format, uint16, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, 0, fmt.Errorf("read wav info: %w", err)
	}
	return dec.Format(), dec.WavAudioFormat, nil
}

// seekBuffer is the in-memory WriteSeeker the encoder patches chunk sizes
// into.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("seek before start of buffer")
	}
	b.pos = int(next)
	return next, nil
}
