package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yamachu/voicevox/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPeerPair(t *testing.T, timeout time.Duration) (*Peer, *Peer) {
	t.Helper()
	ta, tb := NewPipe()
	a := NewPeer(context.Background(), "a", ta, timeout, newLogger())
	b := NewPeer(context.Background(), "b", tb, timeout, newLogger())
	if err := a.Start(); err != nil {
		t.Fatalf("start peer a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start peer b: %v", err)
	}
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b
}

func pendingCount(p *Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func TestCallRoundTrip(t *testing.T) {
	a, b := newPeerPair(t, time.Second)

	b.Handle("text.upper", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, err
		}
		return strings.ToUpper(text), nil
	})

	raw, err := a.Call(context.Background(), "text.upper", "konnichiwa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got != "KONNICHIWA" {
		t.Fatalf("expected uppercased reply, got %q", got)
	}
	if n := pendingCount(a); n != 0 {
		t.Fatalf("expected no pending calls, got %d", n)
	}
}

func TestUnknownOperationFails(t *testing.T) {
	a, _ := newPeerPair(t, time.Second)

	_, err := a.Call(context.Background(), "no.such.op", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(remote.Message, "unknown operation") {
		t.Fatalf("expected unknown operation message, got %q", remote.Message)
	}
}

func TestHandlerErrorForwardedVerbatim(t *testing.T) {
	a, b := newPeerPair(t, time.Second)

	b.Handle("always.fails", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("phoneme table corrupt")
	})

	_, err := a.Call(context.Background(), "always.fails", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "phoneme table corrupt" {
		t.Fatalf("expected verbatim message, got %q", remote.Message)
	}
}

func TestTimeoutRemovesPendingEntry(t *testing.T) {
	a, b := newPeerPair(t, 50*time.Millisecond)

	b.Handle("very.slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})

	_, err := a.Call(context.Background(), "very.slow", nil)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Operation != "very.slow" {
		t.Fatalf("expected operation on error, got %q", timeout.Operation)
	}
	if n := pendingCount(a); n != 0 {
		t.Fatalf("expected pending entry removed, got %d", n)
	}
}

func TestLateReplyIsDiscarded(t *testing.T) {
	a, b := newPeerPair(t, 50*time.Millisecond)

	b.Handle("very.slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return "late", nil
	})
	b.Handle("echo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return json.RawMessage(payload), nil
	})

	if _, err := a.Call(context.Background(), "very.slow", nil); err == nil {
		t.Fatal("expected timeout")
	}

	// Let the late reply arrive; it must be dropped without disturbing
	// anything, and the channel must keep working.
	time.Sleep(200 * time.Millisecond)
	if n := pendingCount(a); n != 0 {
		t.Fatalf("expected no pending calls after late reply, got %d", n)
	}
	raw, err := a.Call(context.Background(), "echo", "still alive")
	if err != nil {
		t.Fatalf("call after late reply: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got != "still alive" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestPendingEntryClaimedOnce(t *testing.T) {
	a, _ := newPeerPair(t, time.Second)

	ch := make(chan protocol.Envelope, 1)
	a.mu.Lock()
	a.pending["race-id"] = ch
	a.mu.Unlock()

	if _, ok := a.take("race-id"); !ok {
		t.Fatal("first claim should succeed")
	}
	if _, ok := a.take("race-id"); ok {
		t.Fatal("second claim should fail")
	}
}

func TestNestedCallsServicedWhileCallPending(t *testing.T) {
	a, b := newPeerPair(t, time.Second)

	a.Handle("text.reverse", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, err
		}
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
	a.Handle("text.upper", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, err
		}
		return strings.ToUpper(text), nil
	})

	// The handler issues two calls back to the requester before answering,
	// so the requester must service them while its own call is pending.
	b.Handle("text.analyze", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, err
		}
		raw, err := b.Call(ctx, "text.reverse", text)
		if err != nil {
			return nil, err
		}
		var reversed string
		if err := json.Unmarshal(raw, &reversed); err != nil {
			return nil, err
		}
		raw, err = b.Call(ctx, "text.upper", reversed)
		if err != nil {
			return nil, err
		}
		var upper string
		if err := json.Unmarshal(raw, &upper); err != nil {
			return nil, err
		}
		return upper, nil
	})

	raw, err := a.Call(context.Background(), "text.analyze", "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got != "CBA" {
		t.Fatalf("expected nested calls to run, got %q", got)
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	a, _ := newPeerPair(t, time.Second)
	a.Close()

	_, err := a.Call(context.Background(), "anything", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseRejectsPendingCall(t *testing.T) {
	a, b := newPeerPair(t, 5*time.Second)

	b.Handle("hang", func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), "hang", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected on close")
	}
}

func TestConcurrentCallsKeepCorrelation(t *testing.T) {
	a, b := newPeerPair(t, time.Second)

	b.Handle("math.double", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := a.Call(context.Background(), "math.double", n)
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			var got int
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Errorf("decode %d: %v", n, err)
				return
			}
			if got != n*2 {
				t.Errorf("call %d: expected %d, got %d", n, n*2, got)
			}
		}(i)
	}
	wg.Wait()

	if n := pendingCount(a); n != 0 {
		t.Fatalf("expected empty pending table, got %d", n)
	}
}

func TestCallerContextCancelBehavesLikeTimeout(t *testing.T) {
	a, b := newPeerPair(t, 5*time.Second)

	b.Handle("very.slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, "very.slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if n := pendingCount(a); n != 0 {
		t.Fatalf("expected pending entry removed on cancel, got %d", n)
	}
}
