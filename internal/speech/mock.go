package speech

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/yamachu/voicevox/internal/protocol"
)

const (
	nativeSampleRate = 24000
	// Samples per spectrogram frame; decode output length is frames times this.
	frameHop  = 256
	frameRate = float64(nativeSampleRate) / frameHop
)

// Phoneme inventory of the reference frontend. Real libraries derive this
// from a pronunciation dictionary; here everything comes from the input
// runes so development setups work without voice data.
var phonemeIDs = map[string]float32{
	"pau": 0,
	"a":   1, "i": 2, "u": 3, "e": 4, "o": 5,
	"k": 6, "s": 7, "t": 8, "n": 9,
}

var (
	vowelCycle     = []string{"a", "i", "u", "e", "o"}
	consonantCycle = []string{"", "k", "s", "t", "n"}
)

type mockFrontend struct {
	dictionary string
	cb         Callbacks
}

// NewMockFrontend bootstraps the deterministic reference frontend. It maps
// every input rune to a fixed mora, so identical text always produces
// identical queries, while still exercising the tensor-forward path the way
// a real runtime would.
func NewMockFrontend(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error) {
	if cb.Duration == nil || cb.Intonation == nil || cb.Decode == nil {
		return nil, errors.New("frontend requires all three tensor callbacks")
	}
	return &mockFrontend{dictionary: dictionary, cb: cb}, nil
}

func (m *mockFrontend) AudioQuery(ctx context.Context, text string, speaker int) (*protocol.AudioQuery, error) {
	phrases, err := m.AccentPhrases(ctx, text, speaker)
	if err != nil {
		return nil, err
	}
	return &protocol.AudioQuery{
		AccentPhrases:      phrases,
		SpeedScale:         1,
		PitchScale:         0,
		IntonationScale:    1,
		VolumeScale:        1,
		PrePhonemeLength:   0.1,
		PostPhonemeLength:  0.1,
		OutputSamplingRate: nativeSampleRate,
		OutputStereo:       false,
		Kana:               kanaOf(phrases),
	}, nil
}

func (m *mockFrontend) AccentPhrases(ctx context.Context, text string, speaker int) ([]protocol.AccentPhrase, error) {
	phrases := parsePhrases(text)
	if len(phrases) == 0 {
		return []protocol.AccentPhrase{}, nil
	}
	return m.MoraTiming(ctx, phrases, speaker)
}

// MoraTiming fills phoneme lengths and mora pitches on a copy of phrases,
// one duration pass and one intonation pass. Pause moras keep pitch zero.
func (m *mockFrontend) MoraTiming(ctx context.Context, phrases []protocol.AccentPhrase, speaker int) ([]protocol.AccentPhrase, error) {
	out := clonePhrases(phrases)

	slots := flattenPhonemes(out)
	ids := make([]float32, len(slots))
	for i, slot := range slots {
		ids[i] = slot.id()
	}
	reply, err := m.cb.Duration(ctx, protocol.TensorRequest{
		Speaker: speaker,
		Inputs: map[string]protocol.Tensor{
			"phonemes": {Shape: []int{1, len(ids)}, Data: ids},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("duration forward: %w", err)
	}
	durations, err := namedOutput(reply, "durations", len(slots))
	if err != nil {
		return nil, err
	}
	for i, slot := range slots {
		v := float64(durations[i])
		if slot.consonant {
			slot.mora.ConsonantLength = &v
		} else {
			slot.mora.VowelLength = v
		}
	}

	moras := flattenMoras(out)
	vowels := make([]float32, len(moras))
	accents := make([]float32, len(moras))
	for i, ref := range moras {
		vowels[i] = phonemeID(ref.mora.Vowel)
		accents[i] = float32(ref.accent)
	}
	reply, err = m.cb.Intonation(ctx, protocol.TensorRequest{
		Speaker: speaker,
		Inputs: map[string]protocol.Tensor{
			"vowels":  {Shape: []int{1, len(vowels)}, Data: vowels},
			"accents": {Shape: []int{1, len(accents)}, Data: accents},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intonation forward: %w", err)
	}
	pitches, err := namedOutput(reply, "pitches", len(moras))
	if err != nil {
		return nil, err
	}
	for i, ref := range moras {
		if ref.pause {
			ref.mora.Pitch = 0
			continue
		}
		ref.mora.Pitch = float64(pitches[i])
	}
	return out, nil
}

// Synthesize renders a query to mono samples at the native rate, then
// resamples to the query's output rate. The pipeline makes two nested
// forward passes: a duration pass whose output apportions each mora's edited
// length across its phonemes, and a decode pass over the frame-expanded
// features. Query pitches travel in log hertz and are converted to linear
// hertz for the vocoder.
func (m *mockFrontend) Synthesize(ctx context.Context, query *protocol.AudioQuery, speaker int) (int, []float32, error) {
	if query == nil {
		return 0, nil, errors.New("audio query is nil")
	}
	speed := query.SpeedScale
	if speed <= 0 {
		return 0, nil, errors.New("speed scale must be positive")
	}

	slots := flattenPhonemes(query.AccentPhrases)
	ids := make([]float32, len(slots))
	for i, slot := range slots {
		ids[i] = slot.id()
	}
	reply, err := m.cb.Duration(ctx, protocol.TensorRequest{
		Speaker: speaker,
		Inputs: map[string]protocol.Tensor{
			"phonemes": {Shape: []int{1, len(ids)}, Data: ids},
		},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("duration forward: %w", err)
	}
	weights, err := namedOutput(reply, "durations", len(slots))
	if err != nil {
		return 0, nil, err
	}

	moras := flattenMoras(query.AccentPhrases)
	pitch := adjustedPitches(moras, query.PitchScale, query.IntonationScale)

	var timed []timedPhoneme
	timed = append(timed, timedPhoneme{id: phonemeIDs["pau"], seconds: query.PrePhonemeLength / speed})
	slot := 0
	for i, ref := range moras {
		total := ref.mora.VowelLength
		var consWeight, vowelWeight float64
		if ref.mora.Consonant != nil {
			if ref.mora.ConsonantLength != nil {
				total += *ref.mora.ConsonantLength
			}
			consWeight = float64(weights[slot])
			vowelWeight = float64(weights[slot+1])
		} else {
			vowelWeight = float64(weights[slot])
		}
		// Lengths the client zeroed out fall back to the model's estimate.
		if total <= 0 {
			total = consWeight + vowelWeight
		}
		total /= speed

		if ref.mora.Consonant != nil {
			split := 0.5
			if consWeight+vowelWeight > 0 {
				split = consWeight / (consWeight + vowelWeight)
			}
			timed = append(timed,
				timedPhoneme{id: phonemeID(*ref.mora.Consonant), seconds: total * split, hertz: pitch[i]},
				timedPhoneme{id: phonemeID(ref.mora.Vowel), seconds: total * (1 - split), hertz: pitch[i]},
			)
			slot += 2
		} else {
			timed = append(timed, timedPhoneme{id: phonemeID(ref.mora.Vowel), seconds: total, hertz: pitch[i]})
			slot++
		}
	}
	timed = append(timed, timedPhoneme{id: phonemeIDs["pau"], seconds: query.PostPhonemeLength / speed})

	var framePh, frameF0 []float32
	for _, ph := range timed {
		frames := int(math.Round(ph.seconds * frameRate))
		if frames == 0 && ph.seconds > 0 {
			frames = 1
		}
		for f := 0; f < frames; f++ {
			framePh = append(framePh, ph.id)
			frameF0 = append(frameF0, float32(ph.hertz))
		}
	}

	reply, err = m.cb.Decode(ctx, protocol.TensorRequest{
		Speaker: speaker,
		Inputs: map[string]protocol.Tensor{
			"phonemes": {Shape: []int{1, len(framePh)}, Data: framePh},
			"f0":       {Shape: []int{1, len(frameF0)}, Data: frameF0},
		},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("decode forward: %w", err)
	}
	wave, err := namedOutput(reply, "wave", -1)
	if err != nil {
		return 0, nil, err
	}

	if query.VolumeScale != 1 {
		scaled := make([]float32, len(wave))
		for i, s := range wave {
			scaled[i] = s * float32(query.VolumeScale)
		}
		wave = scaled
	}

	rate := query.OutputSamplingRate
	if rate <= 0 {
		rate = nativeSampleRate
	}
	return rate, resample(wave, nativeSampleRate, rate), nil
}

func (m *mockFrontend) Close(ctx context.Context) error {
	return nil
}

type timedPhoneme struct {
	id      float32
	seconds float64
	hertz   float64
}

type phonemeSlot struct {
	mora      *protocol.Mora
	consonant bool
}

func (s phonemeSlot) id() float32 {
	if s.consonant {
		return phonemeID(*s.mora.Consonant)
	}
	return phonemeID(s.mora.Vowel)
}

type moraRef struct {
	mora   *protocol.Mora
	accent int
	pause  bool
}

// flattenPhonemes lists every phoneme in utterance order, consonant before
// vowel within a mora, phrase pause moras last.
func flattenPhonemes(phrases []protocol.AccentPhrase) []phonemeSlot {
	var slots []phonemeSlot
	for i := range phrases {
		for j := range phrases[i].Moras {
			mora := &phrases[i].Moras[j]
			if mora.Consonant != nil {
				slots = append(slots, phonemeSlot{mora: mora, consonant: true})
			}
			slots = append(slots, phonemeSlot{mora: mora})
		}
		if phrases[i].PauseMora != nil {
			slots = append(slots, phonemeSlot{mora: phrases[i].PauseMora})
		}
	}
	return slots
}

func flattenMoras(phrases []protocol.AccentPhrase) []moraRef {
	var refs []moraRef
	for i := range phrases {
		for j := range phrases[i].Moras {
			refs = append(refs, moraRef{mora: &phrases[i].Moras[j], accent: phrases[i].Accent})
		}
		if phrases[i].PauseMora != nil {
			refs = append(refs, moraRef{mora: phrases[i].PauseMora, pause: true})
		}
	}
	return refs
}

// adjustedPitches converts each voiced mora's log pitch to linear hertz
// after applying the query's pitch and intonation scales. Intonation
// stretches pitches around the voiced mean; pitch scale shifts by octaves.
// Unvoiced moras stay at zero.
func adjustedPitches(moras []moraRef, pitchScale, intonationScale float64) []float64 {
	out := make([]float64, len(moras))
	var sum float64
	var voiced int
	for _, ref := range moras {
		if !ref.pause && ref.mora.Pitch > 0 {
			sum += ref.mora.Pitch
			voiced++
		}
	}
	if voiced == 0 {
		return out
	}
	mean := sum / float64(voiced)
	for i, ref := range moras {
		if ref.pause || ref.mora.Pitch <= 0 {
			continue
		}
		p := (ref.mora.Pitch-mean)*intonationScale + mean + pitchScale*math.Ln2
		out[i] = math.Exp(p)
	}
	return out
}

func parsePhrases(text string) []protocol.AccentPhrase {
	var phrases []protocol.AccentPhrase
	var current []rune

	flush := func(sep rune) {
		if len(current) == 0 {
			return
		}
		moras := make([]protocol.Mora, 0, len(current))
		sum := 0
		for _, r := range current {
			sum += int(r)
			mora := protocol.Mora{
				Text:  string(r),
				Vowel: vowelCycle[(int(r)/len(consonantCycle))%len(vowelCycle)],
			}
			if cons := consonantCycle[int(r)%len(consonantCycle)]; cons != "" {
				c := cons
				mora.Consonant = &c
			}
			moras = append(moras, mora)
		}
		phrase := protocol.AccentPhrase{
			Moras:           moras,
			Accent:          sum%len(moras) + 1,
			IsInterrogative: sep == '?' || sep == '？',
		}
		if isPause(sep) {
			phrase.PauseMora = &protocol.Mora{Text: "、", Vowel: "pau"}
		}
		phrases = append(phrases, phrase)
		current = nil
	}

	for _, r := range text {
		if isBreak(r) {
			flush(r)
			continue
		}
		current = append(current, r)
	}
	flush(0)
	return phrases
}

func isBreak(r rune) bool {
	return isPause(r) || r == '?' || r == '？' || r == '!' || r == '！' ||
		r == ' ' || r == '　' || r == '\n' || r == '\t'
}

func isPause(r rune) bool {
	switch r {
	case '、', '。', '，', '．', ',', '.':
		return true
	}
	return false
}

func kanaOf(phrases []protocol.AccentPhrase) string {
	var b strings.Builder
	for i, phrase := range phrases {
		if i > 0 {
			b.WriteString("、")
		}
		for _, mora := range phrase.Moras {
			b.WriteString(mora.Text)
		}
		if phrase.IsInterrogative {
			b.WriteString("？")
		}
	}
	return b.String()
}

func clonePhrases(phrases []protocol.AccentPhrase) []protocol.AccentPhrase {
	out := make([]protocol.AccentPhrase, len(phrases))
	copy(out, phrases)
	for i := range out {
		moras := make([]protocol.Mora, len(out[i].Moras))
		copy(moras, out[i].Moras)
		for j := range moras {
			if moras[j].Consonant != nil {
				c := *moras[j].Consonant
				moras[j].Consonant = &c
			}
			if moras[j].ConsonantLength != nil {
				v := *moras[j].ConsonantLength
				moras[j].ConsonantLength = &v
			}
		}
		out[i].Moras = moras
		if out[i].PauseMora != nil {
			p := *out[i].PauseMora
			out[i].PauseMora = &p
		}
	}
	return out
}

func phonemeID(ph string) float32 {
	if id, ok := phonemeIDs[ph]; ok {
		return id
	}
	return 0
}

func namedOutput(reply protocol.TensorReply, name string, want int) ([]float32, error) {
	tensor, ok := reply.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("forward reply missing %q output", name)
	}
	if want >= 0 && len(tensor.Data) != want {
		return nil, fmt.Errorf("%s output has %d values, want %d", name, len(tensor.Data), want)
	}
	return tensor.Data, nil
}

func resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(to) / float64(from))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
