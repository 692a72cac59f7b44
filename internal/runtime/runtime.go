package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/yamachu/voicevox/internal/bus"
	"github.com/yamachu/voicevox/internal/config"
	"github.com/yamachu/voicevox/internal/engine"
	"github.com/yamachu/voicevox/internal/inference"
	"github.com/yamachu/voicevox/internal/natsserver"
	"github.com/yamachu/voicevox/internal/peers"
	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
	"github.com/yamachu/voicevox/internal/speech"
	"github.com/yamachu/voicevox/internal/voicelib"
)

// Runtime owns the node's lifecycle: it constructs the bus, the channel
// peers, and the role's services in dependency order, runs until the
// context is cancelled, and tears everything down in reverse.
type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	embedded    *natsserver.EmbeddedServer
	busClient   *bus.Client
	registry    *peers.Registry
	enginePeer  *rpc.Peer
	speechPeer  *rpc.Peer
	cache       *inference.Cache
	engineSvc   *engine.Service
	speechSvc   *speech.Service
	proxy       *engine.Proxy
	apiServer   *http.Server
	opsServer   *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings the node up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.bootstrap(ctx); err != nil {
		r.teardown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("role", r.cfg.Node.Role),
		slog.String("node", r.cfg.Node.ID))

	if r.engineSvc != nil && len(r.cfg.Models.PrewarmSpeakers) > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.engineSvc.Prewarm(ctx, r.cfg.Models.PrewarmSpeakers); err != nil {
				r.logger.Warn("speaker prewarm failed", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	cancel()
	r.teardown()
	return nil
}

func (r *Runtime) bootstrap(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	callTimeout := time.Duration(r.cfg.Channel.CallTimeout) * time.Millisecond
	role := r.cfg.Node.Role
	var operations []string

	if role == "speech" || role == "all" {
		ops, err := r.startSpeech(ctx, callTimeout)
		if err != nil {
			return err
		}
		operations = append(operations, ops...)
	}
	if role == "engine" || role == "all" {
		ops, err := r.startEngine(ctx, callTimeout)
		if err != nil {
			return err
		}
		operations = append(operations, ops...)
	}

	registry, err := peers.NewRegistry(ctx, r.cfg.Node, busClient, operations, r.logger)
	if err != nil {
		return fmt.Errorf("start peer registry: %w", err)
	}
	r.registry = registry

	r.startOpsServer(metricHandler)
	return nil
}

// startSpeech wires the speech peer: the frontend factory per configured
// mode and the service answering the engine's delegated operations.
func (r *Runtime) startSpeech(ctx context.Context, callTimeout time.Duration) ([]string, error) {
	var factory speech.Factory
	switch r.cfg.Speech.Mode {
	case "wasm":
		factory = speech.NewWasmFrontend(r.cfg.Speech.Module, r.logger)
	default:
		factory = speech.NewMockFrontend
	}

	transport := rpc.NewNATSTransport(r.busClient.Conn(),
		protocol.SubjectEngineInbox, protocol.SubjectSpeechInbox, r.logger)
	peer := rpc.NewPeer(ctx, "speech", transport, callTimeout, r.logger)
	service := speech.NewService(peer, factory, r.logger)
	if err := service.Start(); err != nil {
		return nil, fmt.Errorf("start speech service: %w", err)
	}
	if err := peer.Start(); err != nil {
		return nil, fmt.Errorf("start speech channel: %w", err)
	}
	r.speechPeer = peer
	r.speechSvc = service

	return []string{
		protocol.OpInitialize,
		protocol.OpAudioQuery,
		protocol.OpAccentPhrases,
		protocol.OpMoraTiming,
		protocol.OpSynthesis,
	}, nil
}

// startEngine wires the engine peer: the voice catalog, the session cache,
// the tensor-forward handlers, the delegating proxy, and the public API.
func (r *Runtime) startEngine(ctx context.Context, callTimeout time.Duration) ([]string, error) {
	catalog, err := voicelib.Discover(r.cfg.Voices.Directory, r.logger)
	if err != nil {
		return nil, fmt.Errorf("discover voice libraries: %w", err)
	}

	var rt inference.Runtime
	switch r.cfg.Inference.Mode {
	case "exec":
		rt, err = inference.NewExecRuntime(r.cfg.Inference.Command)
		if err != nil {
			return nil, fmt.Errorf("create exec inference runtime: %w", err)
		}
	default:
		rt = inference.NewMockRuntime()
	}

	prefs := inference.Preferences{
		Device:  r.cfg.Inference.Device,
		Threads: r.cfg.Inference.Threads,
	}
	cache, err := inference.NewCache(ctx, rt, prefs, catalog.Policy(), r.cfg.Models.MaxSessions, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.cache = cache

	transport := rpc.NewNATSTransport(r.busClient.Conn(),
		protocol.SubjectSpeechInbox, protocol.SubjectEngineInbox, r.logger)
	peer := rpc.NewPeer(ctx, "engine", transport, callTimeout, r.logger)
	service := engine.NewService(peer, cache, catalog, r.logger)
	if err := service.Start(); err != nil {
		return nil, fmt.Errorf("start engine service: %w", err)
	}
	if err := peer.Start(); err != nil {
		return nil, fmt.Errorf("start engine channel: %w", err)
	}
	r.enginePeer = peer
	r.engineSvc = service
	r.proxy = engine.NewProxy(peer, catalog.Dictionary(), r.logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api := engine.NewAPI(r.version, r.proxy, service, catalog, r.logger)
	api.Mount(e)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.apiServer = &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("api server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("api server listening", slog.String("addr", addr))

	return []string{
		protocol.OpInferDuration,
		protocol.OpInferIntonation,
		protocol.OpInferDecode,
	}, nil
}

// startOpsServer serves health, readiness, and metrics on the telemetry
// bind, away from the public synthesis surface.
func (r *Runtime) startOpsServer(metricHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	r.opsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("ops server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) teardown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.apiServer != nil {
		if err := r.apiServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("api shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.opsServer != nil {
		if err := r.opsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("ops shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.enginePeer != nil {
		r.enginePeer.Close()
	}
	if r.speechPeer != nil {
		r.speechPeer.Close()
	}
	if r.speechSvc != nil {
		r.speechSvc.Close()
	}
	if r.cache != nil {
		r.cache.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
