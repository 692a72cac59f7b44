package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
)

// ErrNotInitialized fails delegated calls fast while the handshake has not
// completed. Nothing is sent to the speech peer in that state.
var ErrNotInitialized = errors.New("speech channel not initialized")

// Proxy delegates the linguistic operations to the speech peer and owns the
// handshake gating them. Calls are at-most-once: a failure or timeout is
// returned as-is, never retried.
type Proxy struct {
	peer       *rpc.Peer
	handshake  *Handshake
	dictionary string
	log        *slog.Logger
}

func NewProxy(peer *rpc.Peer, dictionary string, log *slog.Logger) *Proxy {
	return &Proxy{
		peer:       peer,
		handshake:  NewHandshake(),
		dictionary: dictionary,
		log:        log.With(slog.String("component", "proxy")),
	}
}

// Initialize drives the handshake. The first call bootstraps the speech
// frontend with the catalog's dictionary; repeats after success return
// immediately, and a call while a bootstrap runs is rejected.
func (p *Proxy) Initialize(ctx context.Context) error {
	started, err := p.handshake.Begin()
	if err != nil {
		return err
	}
	if !started {
		return nil
	}
	_, err = p.peer.Call(ctx, protocol.OpInitialize, protocol.InitializeRequest{Dictionary: p.dictionary})
	if err != nil {
		p.handshake.Fail()
		p.log.Warn("speech initialization failed", slogError(err))
		return fmt.Errorf("initialize speech frontend: %w", err)
	}
	p.handshake.Succeed()
	p.log.Info("speech channel ready", slog.String("dictionary", p.dictionary))
	return nil
}

func (p *Proxy) State() State {
	return p.handshake.State()
}

func (p *Proxy) Ready() bool {
	return p.handshake.Ready()
}

func (p *Proxy) AudioQuery(ctx context.Context, text string, speaker int) (*protocol.AudioQuery, error) {
	if !p.handshake.Ready() {
		return nil, ErrNotInitialized
	}
	raw, err := p.peer.Call(ctx, protocol.OpAudioQuery, protocol.AudioQueryRequest{Text: text, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	var query protocol.AudioQuery
	if err := json.Unmarshal(raw, &query); err != nil {
		return nil, fmt.Errorf("decode audio query: %w", err)
	}
	return &query, nil
}

func (p *Proxy) AccentPhrases(ctx context.Context, text string, speaker int) ([]protocol.AccentPhrase, error) {
	if !p.handshake.Ready() {
		return nil, ErrNotInitialized
	}
	raw, err := p.peer.Call(ctx, protocol.OpAccentPhrases, protocol.AccentPhrasesRequest{Text: text, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	var reply protocol.AccentPhrasesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode accent phrases: %w", err)
	}
	return reply.AccentPhrases, nil
}

func (p *Proxy) MoraTiming(ctx context.Context, phrases []protocol.AccentPhrase, speaker int) ([]protocol.AccentPhrase, error) {
	if !p.handshake.Ready() {
		return nil, ErrNotInitialized
	}
	raw, err := p.peer.Call(ctx, protocol.OpMoraTiming, protocol.MoraTimingRequest{AccentPhrases: phrases, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	var reply protocol.AccentPhrasesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode mora timing: %w", err)
	}
	return reply.AccentPhrases, nil
}

func (p *Proxy) Synthesize(ctx context.Context, query protocol.AudioQuery, speaker int) (*protocol.SynthesisReply, error) {
	if !p.handshake.Ready() {
		return nil, ErrNotInitialized
	}
	raw, err := p.peer.Call(ctx, protocol.OpSynthesis, protocol.SynthesisRequest{Query: query, Speaker: speaker})
	if err != nil {
		return nil, err
	}
	var reply protocol.SynthesisReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode synthesis reply: %w", err)
	}
	return &reply, nil
}
