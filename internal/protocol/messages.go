package protocol

// Mora is a single timed syllable unit with its pitch.
type Mora struct {
	Text            string   `json:"text"`
	Consonant       *string  `json:"consonant"`
	ConsonantLength *float64 `json:"consonant_length"`
	Vowel           string   `json:"vowel"`
	VowelLength     float64  `json:"vowel_length"`
	Pitch           float64  `json:"pitch"`
}

// AccentPhrase groups moras under one accent nucleus.
type AccentPhrase struct {
	Moras           []Mora `json:"moras"`
	Accent          int    `json:"accent"`
	PauseMora       *Mora  `json:"pause_mora"`
	IsInterrogative bool   `json:"is_interrogative"`
}

// AudioQuery is the full synthesis recipe produced from text and edited by
// clients before the synthesis call.
type AudioQuery struct {
	AccentPhrases      []AccentPhrase `json:"accent_phrases"`
	SpeedScale         float64        `json:"speedScale"`
	PitchScale         float64        `json:"pitchScale"`
	IntonationScale    float64        `json:"intonationScale"`
	VolumeScale        float64        `json:"volumeScale"`
	PrePhonemeLength   float64        `json:"prePhonemeLength"`
	PostPhonemeLength  float64        `json:"postPhonemeLength"`
	OutputSamplingRate int            `json:"outputSamplingRate"`
	OutputStereo       bool           `json:"outputStereo"`
	Kana               string         `json:"kana"`
}

// Speaker describes one installed voice with its selectable styles.
type Speaker struct {
	Name        string         `json:"name"`
	SpeakerUUID string         `json:"speaker_uuid"`
	Styles      []SpeakerStyle `json:"styles"`
	Version     string         `json:"version"`
}

type SpeakerStyle struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// InitializeRequest bootstraps the speech frontend. The dictionary location
// comes from the engine's voice catalog so the speech peer carries no
// catalog of its own.
type InitializeRequest struct {
	Dictionary string `json:"dictionary"`
}

type AudioQueryRequest struct {
	Text    string `json:"text"`
	Speaker int    `json:"speaker"`
}

type AccentPhrasesRequest struct {
	Text    string `json:"text"`
	Speaker int    `json:"speaker"`
}

type AccentPhrasesReply struct {
	AccentPhrases []AccentPhrase `json:"accent_phrases"`
}

type MoraTimingRequest struct {
	AccentPhrases []AccentPhrase `json:"accent_phrases"`
	Speaker       int            `json:"speaker"`
}

type SynthesisRequest struct {
	Query   AudioQuery `json:"query"`
	Speaker int        `json:"speaker"`
}

// SynthesisReply carries raw samples; the engine wraps them in a container
// at the HTTP edge.
type SynthesisReply struct {
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
}

// Tensor is one named input or output of a model forward pass.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TensorRequest asks the engine to run one forward pass on a cached model
// session for the given speaker.
type TensorRequest struct {
	Speaker int               `json:"speaker"`
	Inputs  map[string]Tensor `json:"inputs"`
}

type TensorReply struct {
	Outputs map[string]Tensor `json:"outputs"`
}
