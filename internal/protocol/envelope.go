package protocol

import "encoding/json"

// Envelope is the single wire unit exchanged between the engine and speech
// peers. Calls carry an operation and payload; replies echo the correlation
// id and carry either a payload or an error message.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"` // call, reply
	Operation string          `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	KindCall  = "call"
	KindReply = "reply"
)

// Operations served by the speech peer.
const (
	OpInitialize    = "speech.initialize"
	OpAudioQuery    = "speech.audio_query"
	OpAccentPhrases = "speech.accent_phrases"
	OpMoraTiming    = "speech.mora_timing"
	OpSynthesis     = "speech.synthesis"
)

// Operations served by the engine peer on behalf of the speech frontend.
const (
	OpInferDuration   = "infer.duration"
	OpInferIntonation = "infer.intonation"
	OpInferDecode     = "infer.decode"
)

const (
	SubjectEngineInbox  = "channel.engine.inbox"
	SubjectSpeechInbox  = "channel.speech.inbox"
	SubjectNodeAnnounce = "node.announce"
	SubjectNodeBeat     = "node.heartbeat"
)
