package speech

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
)

// newServicePair wires a speech service to a stand-in engine over a pipe.
// The engine end serves the tensor forwards with recorder math.
func newServicePair(t *testing.T, factory Factory) (*rpc.Peer, *tensorRecorder) {
	t.Helper()

	rec := &tensorRecorder{}
	at, bt := rpc.NewPipe()
	engine := rpc.NewPeer(context.Background(), "engine", at, 2*time.Second, newLogger())
	speechPeer := rpc.NewPeer(context.Background(), "speech", bt, 2*time.Second, newLogger())

	cb := rec.callbacks()
	serve := func(call func(context.Context, protocol.TensorRequest) (protocol.TensorReply, error)) rpc.Handler {
		return func(ctx context.Context, payload json.RawMessage) (any, error) {
			var req protocol.TensorRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			return call(ctx, req)
		}
	}
	engine.Handle(protocol.OpInferDuration, serve(cb.Duration))
	engine.Handle(protocol.OpInferIntonation, serve(cb.Intonation))
	engine.Handle(protocol.OpInferDecode, serve(cb.Decode))

	svc := NewService(speechPeer, factory, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("start engine peer: %v", err)
	}
	if err := speechPeer.Start(); err != nil {
		t.Fatalf("start speech peer: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		speechPeer.Close()
		svc.Close()
	})
	return engine, rec
}

func TestInitializeOnceThenNoop(t *testing.T) {
	var count int32
	factory := func(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error) {
		atomic.AddInt32(&count, 1)
		if dictionary != "dict/open_jtalk" {
			t.Errorf("unexpected dictionary %q", dictionary)
		}
		return NewMockFrontend(ctx, dictionary, cb)
	}
	engine, _ := newServicePair(t, factory)

	req := protocol.InitializeRequest{Dictionary: "dict/open_jtalk"}
	if _, err := engine.Call(context.Background(), protocol.OpInitialize, req); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if _, err := engine.Call(context.Background(), protocol.OpInitialize, req); err != nil {
		t.Fatalf("repeat initialize: %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("factory ran %d times", got)
	}
}

func TestConcurrentInitializeRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	factory := func(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error) {
		close(entered)
		<-release
		return NewMockFrontend(ctx, dictionary, cb)
	}
	engine, _ := newServicePair(t, factory)

	first := make(chan error, 1)
	go func() {
		_, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{})
		first <- err
	}()
	<-entered

	_, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{})
	var remoteErr *rpc.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remoteErr.Message != "initialization already in progress" {
		t.Fatalf("unexpected message %q", remoteErr.Message)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first initialize: %v", err)
	}
}

func TestInitializeFailureAllowsRetry(t *testing.T) {
	var attempts int32
	factory := func(ctx context.Context, dictionary string, cb Callbacks) (Frontend, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("dictionary corrupt")
		}
		return NewMockFrontend(ctx, dictionary, cb)
	}
	engine, _ := newServicePair(t, factory)

	_, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{})
	var remoteErr *rpc.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(remoteErr.Message, "dictionary corrupt") {
		t.Fatalf("unexpected message %q", remoteErr.Message)
	}

	if _, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{}); err != nil {
		t.Fatalf("retry initialize: %v", err)
	}
}

func TestOperationsRequireInitialize(t *testing.T) {
	engine, _ := newServicePair(t, NewMockFrontend)

	_, err := engine.Call(context.Background(), protocol.OpAudioQuery,
		protocol.AudioQueryRequest{Text: "てすと", Speaker: 1})
	var remoteErr *rpc.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remoteErr.Message != "speech frontend not initialized" {
		t.Fatalf("unexpected message %q", remoteErr.Message)
	}
}

func TestSynthesisRoundTrip(t *testing.T) {
	engine, rec := newServicePair(t, NewMockFrontend)

	if _, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	raw, err := engine.Call(context.Background(), protocol.OpAudioQuery,
		protocol.AudioQueryRequest{Text: "こんにちは", Speaker: 8})
	if err != nil {
		t.Fatalf("audio query: %v", err)
	}
	var query protocol.AudioQuery
	if err := json.Unmarshal(raw, &query); err != nil {
		t.Fatalf("decode audio query: %v", err)
	}
	if len(query.AccentPhrases) != 1 {
		t.Fatalf("expected one phrase, got %d", len(query.AccentPhrases))
	}

	rec.reset()
	raw, err = engine.Call(context.Background(), protocol.OpSynthesis,
		protocol.SynthesisRequest{Query: query, Speaker: 8})
	if err != nil {
		t.Fatalf("synthesis: %v", err)
	}
	var reply protocol.SynthesisReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode synthesis reply: %v", err)
	}
	if reply.SampleRate != nativeSampleRate {
		t.Fatalf("unexpected rate %d", reply.SampleRate)
	}
	// Seven mora phonemes plus two silences, 0.1s each at 9 frames apiece.
	if want := 9 * 9 * frameHop; len(reply.Samples) != want {
		t.Fatalf("expected %d samples, got %d", want, len(reply.Samples))
	}

	if got := rec.callNames(); len(got) != 2 || got[0] != "duration" || got[1] != "decode" {
		t.Fatalf("expected nested duration then decode, got %v", got)
	}
	if rec.lastSpeaker != 8 {
		t.Fatalf("speaker not forwarded, got %d", rec.lastSpeaker)
	}
}

func TestMoraTimingOverChannel(t *testing.T) {
	engine, _ := newServicePair(t, NewMockFrontend)

	if _, err := engine.Call(context.Background(), protocol.OpInitialize, protocol.InitializeRequest{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	raw, err := engine.Call(context.Background(), protocol.OpAccentPhrases,
		protocol.AccentPhrasesRequest{Text: "やまと", Speaker: 3})
	if err != nil {
		t.Fatalf("accent phrases: %v", err)
	}
	var phrases protocol.AccentPhrasesReply
	if err := json.Unmarshal(raw, &phrases); err != nil {
		t.Fatalf("decode accent phrases: %v", err)
	}

	raw, err = engine.Call(context.Background(), protocol.OpMoraTiming,
		protocol.MoraTimingRequest{AccentPhrases: phrases.AccentPhrases, Speaker: 3})
	if err != nil {
		t.Fatalf("mora timing: %v", err)
	}
	var timed protocol.AccentPhrasesReply
	if err := json.Unmarshal(raw, &timed); err != nil {
		t.Fatalf("decode mora timing: %v", err)
	}
	for _, phrase := range timed.AccentPhrases {
		for _, mora := range phrase.Moras {
			if mora.VowelLength != 0.1 || mora.Pitch != 5.5 {
				t.Fatalf("mora %q not refreshed: %+v", mora.Text, mora)
			}
		}
	}
}
