package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrCacheClosed is returned for lookups issued after Close.
var ErrCacheClosed = errors.New("session cache closed")

// LoadError reports a model that could not be brought up. The cache entry
// is gone by the time waiters see this, so a later lookup retries.
type LoadError struct {
	Fingerprint Fingerprint
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Fingerprint, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type entryState int

const (
	stateLoading entryState = iota
	stateReady
)

type entry struct {
	state   entryState
	done    chan struct{}
	session Session
	err     error
}

// Cache keeps at most one session per model fingerprint. A lookup during a
// load joins the load in flight instead of starting another; a failed load
// leaves no entry behind, so the next lookup starts fresh. With a session
// limit configured, the least recently used sessions are closed as new
// ones become ready.
type Cache struct {
	runtime Runtime
	prefs   Preferences
	policy  Policy
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[Fingerprint]*entry
	order   *lru.Cache[Fingerprint, Session]
	evicted []evictedSession
	closed  bool

	meter        metric.Meter
	loadCounter  metric.Int64Counter
	loadFailures metric.Int64Counter
}

type evictedSession struct {
	fp      Fingerprint
	session Session
}

func NewCache(parent context.Context, runtime Runtime, prefs Preferences, policy Policy, maxSessions int, log *slog.Logger) (*Cache, error) {
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		runtime: runtime,
		prefs:   prefs,
		policy:  policy,
		log:     log.With(slog.String("component", "session-cache")),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[Fingerprint]*entry),
		meter:   otel.Meter("github.com/yamachu/voicevox/inference"),
	}
	if maxSessions > 0 {
		order, err := lru.NewWithEvict[Fingerprint, Session](maxSessions, func(fp Fingerprint, sess Session) {
			// Runs under c.mu inside Add; record only, close later.
			c.evicted = append(c.evicted, evictedSession{fp: fp, session: sess})
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create eviction tracker: %w", err)
		}
		c.order = order
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c, nil
}

// Get returns the ready session for fp, waiting on a load already in
// flight or starting one. ctx bounds only this caller's wait; the load
// itself continues in the background so other waiters are unaffected.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[fp]; ok {
		if c.order != nil && e.state == stateReady {
			c.order.Get(fp)
		}
		c.mu.Unlock()
		return c.await(ctx, e)
	}

	e := &entry{done: make(chan struct{})}
	c.entries[fp] = e
	c.mu.Unlock()

	if c.loadCounter != nil {
		c.loadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", fp.Kind)))
	}
	c.wg.Add(1)
	go c.load(fp, e)

	return c.await(ctx, e)
}

func (c *Cache) await(ctx context.Context, e *entry) (Session, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.session, nil
}

func (c *Cache) load(fp Fingerprint, e *entry) {
	defer c.wg.Done()

	sess, err := c.runtime.NewSession(c.ctx, fp.Location, c.prefs)

	c.mu.Lock()
	if err != nil {
		// Remove before waking waiters so a retry can start immediately.
		delete(c.entries, fp)
		e.err = &LoadError{Fingerprint: fp, Err: err}
		c.mu.Unlock()
		close(e.done)
		if c.loadFailures != nil {
			c.loadFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", fp.Kind)))
		}
		c.log.Warn("model load failed", slog.String("model", fp.String()), slogError(err))
		return
	}
	e.session = sess
	e.state = stateReady
	var toClose []evictedSession
	if c.order != nil {
		c.order.Add(fp, sess)
		for _, ev := range c.evicted {
			if cur, ok := c.entries[ev.fp]; ok && cur.state == stateReady && cur.session == ev.session {
				delete(c.entries, ev.fp)
			}
			toClose = append(toClose, ev)
		}
		c.evicted = nil
	}
	c.mu.Unlock()
	close(e.done)

	for _, ev := range toClose {
		if err := ev.session.Close(); err != nil {
			c.log.Warn("failed to close evicted session", slog.String("model", ev.fp.String()), slogError(err))
		}
	}
	c.log.Debug("model session ready", slog.String("model", fp.String()))
}

// Has reports whether fp has a ready session. Loads in flight do not count.
func (c *Cache) Has(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	return ok && e.state == stateReady
}

// WarmSpeaker loads every model the speaker needs, concurrently. It
// returns on the first failure without waiting for the rest; loads still
// in flight settle in the background and their sessions stay cached.
func (c *Cache) WarmSpeaker(ctx context.Context, speaker int) error {
	fps := c.policy(speaker)
	if len(fps) == 0 {
		return fmt.Errorf("no models registered for speaker %d", speaker)
	}
	errs := make(chan error, len(fps))
	for _, fp := range fps {
		fp := fp
		go func() {
			_, err := c.Get(ctx, fp)
			errs <- err
		}()
	}
	for range fps {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// SpeakerReady reports whether every model the speaker needs is resident.
func (c *Cache) SpeakerReady(speaker int) bool {
	fps := c.policy(speaker)
	if len(fps) == 0 {
		return false
	}
	for _, fp := range fps {
		if !c.Has(fp) {
			return false
		}
	}
	return true
}

// ForSpeaker returns the ready session of the given kind for the speaker,
// loading it if necessary.
func (c *Cache) ForSpeaker(ctx context.Context, speaker int, kind string) (Session, error) {
	for _, fp := range c.policy(speaker) {
		if fp.Kind == kind {
			return c.Get(ctx, fp)
		}
	}
	return nil, fmt.Errorf("no %s model registered for speaker %d", kind, speaker)
}

// Close rejects new lookups, waits for loads in flight to settle, and
// closes every resident session.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	remaining := make([]evictedSession, 0, len(c.entries))
	for fp, e := range c.entries {
		if e.state == stateReady {
			remaining = append(remaining, evictedSession{fp: fp, session: e.session})
		}
		delete(c.entries, fp)
	}
	c.mu.Unlock()

	for _, ev := range remaining {
		if err := ev.session.Close(); err != nil {
			c.log.Warn("failed to close session", slog.String("model", ev.fp.String()), slogError(err))
		}
	}
}

func (c *Cache) initMetrics() error {
	loads, err := c.meter.Int64Counter("voicevox.models.loads",
		metric.WithDescription("Model loads started"))
	if err != nil {
		return err
	}
	failures, err := c.meter.Int64Counter("voicevox.models.load_failures",
		metric.WithDescription("Model loads that failed"))
	if err != nil {
		return err
	}
	gauge, err := c.meter.Int64ObservableGauge("voicevox.models.sessions",
		metric.WithDescription("Resident model sessions"))
	if err != nil {
		return err
	}
	c.loadCounter = loads
	c.loadFailures = failures
	_, err = c.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		c.mu.Lock()
		var ready int64
		for _, e := range c.entries {
			if e.state == stateReady {
				ready++
			}
		}
		c.mu.Unlock()
		obs.ObserveInt64(gauge, ready)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
