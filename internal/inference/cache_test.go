package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yamachu/voicevox/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubSession) Run(ctx context.Context, inputs map[string]protocol.Tensor) (map[string]protocol.Tensor, error) {
	return inputs, nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubRuntime struct {
	mu    sync.Mutex
	loads map[string]int
	gates map[string]chan struct{}
	fails map[string]error
	last  map[string]*stubSession
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{
		loads: make(map[string]int),
		gates: make(map[string]chan struct{}),
		fails: make(map[string]error),
		last:  make(map[string]*stubSession),
	}
}

func (r *stubRuntime) NewSession(ctx context.Context, location string, prefs Preferences) (Session, error) {
	r.mu.Lock()
	r.loads[location]++
	gate := r.gates[location]
	failure := r.fails[location]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	sess := &stubSession{}
	r.mu.Lock()
	r.last[location] = sess
	r.mu.Unlock()
	return sess, nil
}

func (r *stubRuntime) loadCount(location string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[location]
}

func sharedModelPolicy(locations ...string) Policy {
	kinds := []string{ModelDuration, ModelIntonation, ModelSpectrogram, ModelVocoder}
	return func(speaker int) []Fingerprint {
		fps := make([]Fingerprint, 0, len(locations))
		for i, loc := range locations {
			fps = append(fps, Fingerprint{Kind: kinds[i%len(kinds)], Location: loc})
		}
		return fps
	}
}

func newTestCache(t *testing.T, runtime Runtime, policy Policy, maxSessions int) *Cache {
	t.Helper()
	cache, err := NewCache(context.Background(), runtime, Preferences{Device: "cpu"}, policy, maxSessions, newLogger())
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func TestConcurrentGetLoadsOnce(t *testing.T) {
	runtime := newStubRuntime()
	gate := make(chan struct{})
	runtime.gates["duration.onnx"] = gate

	cache := newTestCache(t, runtime, sharedModelPolicy("duration.onnx"), 0)
	fp := Fingerprint{Kind: ModelDuration, Location: "duration.onnx"}

	const waiters = 8
	sessions := make(chan Session, waiters)
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			sess, err := cache.Get(context.Background(), fp)
			sessions <- sess
			errs <- err
		}()
	}

	// Give every waiter time to join the single load in flight.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	var first Session
	for i := 0; i < waiters; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		sess := <-sessions
		if first == nil {
			first = sess
		} else if sess != first {
			t.Fatal("waiters received different sessions")
		}
	}
	if n := runtime.loadCount("duration.onnx"); n != 1 {
		t.Fatalf("expected exactly one load, got %d", n)
	}
}

func TestLoadFailureAllowsRetry(t *testing.T) {
	runtime := newStubRuntime()
	runtime.fails["duration.onnx"] = errors.New("file truncated")

	cache := newTestCache(t, runtime, sharedModelPolicy("duration.onnx"), 0)
	fp := Fingerprint{Kind: ModelDuration, Location: "duration.onnx"}

	_, err := cache.Get(context.Background(), fp)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if cache.Has(fp) {
		t.Fatal("failed load must not leave a resident session")
	}

	runtime.mu.Lock()
	delete(runtime.fails, "duration.onnx")
	runtime.mu.Unlock()

	if _, err := cache.Get(context.Background(), fp); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !cache.Has(fp) {
		t.Fatal("expected resident session after retry")
	}
	if n := runtime.loadCount("duration.onnx"); n != 2 {
		t.Fatalf("expected two load attempts, got %d", n)
	}
}

func TestHasFalseWhileLoading(t *testing.T) {
	runtime := newStubRuntime()
	gate := make(chan struct{})
	runtime.gates["duration.onnx"] = gate

	cache := newTestCache(t, runtime, sharedModelPolicy("duration.onnx"), 0)
	fp := Fingerprint{Kind: ModelDuration, Location: "duration.onnx"}

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(context.Background(), fp)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if cache.Has(fp) {
		t.Fatal("load in flight must not count as resident")
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cache.Has(fp) {
		t.Fatal("expected resident session once load settles")
	}
}

func TestWarmSpeakerFailsFastAndKeepsSuccesses(t *testing.T) {
	runtime := newStubRuntime()
	runtime.fails["intonation.onnx"] = errors.New("missing weights")
	slowGate := make(chan struct{})
	runtime.gates["vocoder.onnx"] = slowGate

	policy := sharedModelPolicy("duration.onnx", "intonation.onnx", "spectrogram.onnx", "vocoder.onnx")
	cache := newTestCache(t, runtime, policy, 0)

	start := time.Now()
	err := cache.WarmSpeaker(context.Background(), 1)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("warm-up did not fail fast, took %s", elapsed)
	}
	if cache.SpeakerReady(1) {
		t.Fatal("speaker must not be ready after a failed warm-up")
	}

	// The slow sibling load settles in the background and stays cached.
	close(slowGate)
	if _, err := cache.Get(context.Background(), Fingerprint{Kind: ModelVocoder, Location: "vocoder.onnx"}); err != nil {
		t.Fatalf("vocoder load should have settled: %v", err)
	}
	if _, err := cache.Get(context.Background(), Fingerprint{Kind: ModelDuration, Location: "duration.onnx"}); err != nil {
		t.Fatalf("duration load should have settled: %v", err)
	}
	if n := runtime.loadCount("vocoder.onnx"); n != 1 {
		t.Fatalf("expected the settled vocoder load to be reused, got %d loads", n)
	}
	if n := runtime.loadCount("duration.onnx"); n != 1 {
		t.Fatalf("expected the successful duration load to be reused, got %d loads", n)
	}
}

func TestWarmSpeakerThenReady(t *testing.T) {
	runtime := newStubRuntime()
	policy := sharedModelPolicy("duration.onnx", "intonation.onnx", "spectrogram.onnx", "vocoder.onnx")
	cache := newTestCache(t, runtime, policy, 0)

	if cache.SpeakerReady(1) {
		t.Fatal("speaker ready before warm-up")
	}
	if err := cache.WarmSpeaker(context.Background(), 1); err != nil {
		t.Fatalf("warm speaker: %v", err)
	}
	if !cache.SpeakerReady(1) {
		t.Fatal("speaker not ready after warm-up")
	}

	// A second warm-up touches nothing.
	if err := cache.WarmSpeaker(context.Background(), 1); err != nil {
		t.Fatalf("second warm speaker: %v", err)
	}
	for _, loc := range []string{"duration.onnx", "intonation.onnx", "spectrogram.onnx", "vocoder.onnx"} {
		if n := runtime.loadCount(loc); n != 1 {
			t.Fatalf("expected one load for %s, got %d", loc, n)
		}
	}
}

func TestEvictionClosesOldSessions(t *testing.T) {
	runtime := newStubRuntime()
	policy := sharedModelPolicy("duration.onnx")
	cache := newTestCache(t, runtime, policy, 2)

	fps := []Fingerprint{
		{Kind: ModelDuration, Location: "a.onnx"},
		{Kind: ModelDuration, Location: "b.onnx"},
		{Kind: ModelDuration, Location: "c.onnx"},
	}
	for _, fp := range fps {
		if _, err := cache.Get(context.Background(), fp); err != nil {
			t.Fatalf("get %s: %v", fp, err)
		}
	}

	if cache.Has(fps[0]) {
		t.Fatal("oldest session should have been evicted")
	}
	if !cache.Has(fps[1]) || !cache.Has(fps[2]) {
		t.Fatal("recent sessions should stay resident")
	}
	runtime.mu.Lock()
	evictedSess := runtime.last["a.onnx"]
	runtime.mu.Unlock()
	if !evictedSess.isClosed() {
		t.Fatal("evicted session was not closed")
	}

	// The evicted model loads again on demand.
	if _, err := cache.Get(context.Background(), fps[0]); err != nil {
		t.Fatalf("reload evicted model: %v", err)
	}
	if n := runtime.loadCount("a.onnx"); n != 2 {
		t.Fatalf("expected reload, got %d loads", n)
	}
}

func TestGetAfterCloseFails(t *testing.T) {
	runtime := newStubRuntime()
	cache := newTestCache(t, runtime, sharedModelPolicy("duration.onnx"), 0)
	cache.Close()

	_, err := cache.Get(context.Background(), Fingerprint{Kind: ModelDuration, Location: "duration.onnx"})
	if !errors.Is(err, ErrCacheClosed) {
		t.Fatalf("expected ErrCacheClosed, got %v", err)
	}
}

func TestCloseClosesResidentSessions(t *testing.T) {
	runtime := newStubRuntime()
	cache := newTestCache(t, runtime, sharedModelPolicy("duration.onnx"), 0)
	fp := Fingerprint{Kind: ModelDuration, Location: "duration.onnx"}
	if _, err := cache.Get(context.Background(), fp); err != nil {
		t.Fatalf("get: %v", err)
	}

	cache.Close()

	runtime.mu.Lock()
	sess := runtime.last["duration.onnx"]
	runtime.mu.Unlock()
	if !sess.isClosed() {
		t.Fatal("resident session not closed on cache shutdown")
	}
}
