package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/api"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/capture/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventloop"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	registry   *capability.Registry
	store      *eventstore.Store
	journal    *eventstore.Journal
	loop       *eventloop.Loop
	controller *session.Controller
	hub        *api.Hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the HTTP listen address once the runtime is ready.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether the HTTP surface is serving.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// Start brings every subsystem up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}
	if err := r.startEventStore(ctx); err != nil {
		return err
	}

	device := r.newCaptureDevice()
	engine, err := r.newEngine(device)
	if err != nil {
		return err
	}

	r.loop = eventloop.New(256, time.Duration(r.cfg.Visualizer.FrameIntervalMS)*time.Millisecond)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// The loop outlives ctx so the controller can be closed on it during shutdown.
		_ = r.loop.Run(context.Background())
	}()

	r.hub = api.NewHub(r.cfg.Visualizer.Width, r.cfg.Visualizer.Height, r.logger)
	opts := session.Options{
		Engine:    engine,
		Language:  r.cfg.STT.Language,
		Visualize: r.cfg.Visualizer.Enabled,
		Surface:   r.hub,
		FFTSize:   r.cfg.Visualizer.FFTSize,
		Clipboard: transcript.SystemClipboard{},
		ExportDir: r.cfg.Export.Directory,
	}
	if device != nil {
		opts.Capture = device
		opts.Audio = capture.NewContext()
	}
	if r.journal != nil {
		opts.Journal = r.journal
	}
	if r.busClient != nil && r.cfg.STT.PublishTranscripts {
		opts.Publisher = r.busClient
	}
	r.controller = session.New(r.loop, opts, r.logger)
	r.controller.Subscribe(r.hub.PublishState)

	languages := r.cfg.STT.Languages
	if len(languages) == 0 {
		languages = stt.Languages
	}
	apiOpts := api.Options{
		Languages: languages,
		Metrics:   metricsHandler,
		Ready:     r.Ready,
	}
	if r.registry != nil {
		apiOpts.Nodes = r.registry.Nodes
	}
	server := api.NewServer(r.controller, r.hub, apiOpts, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("capture_backend", r.cfg.Capture.Backend),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.localCapabilities(), client, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) localCapabilities() []capability.Capability {
	caps := []capability.Capability{{
		Name: capability.Session,
		Attributes: map[string]string{
			"language": r.cfg.STT.Language,
			"stt_mode": r.cfg.STT.Mode,
		},
	}}
	if r.cfg.Capture.Backend != "none" {
		caps = append(caps, capability.Capability{
			Name:       capability.Capture,
			Attributes: map[string]string{"backend": r.cfg.Capture.Backend},
		})
	}
	return caps
}

func (r *Runtime) startEventStore(ctx context.Context) error {
	if !r.cfg.EventStore.Enabled {
		return nil
	}
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.journal = eventstore.NewJournal(store, 256, r.logger)
	return nil
}

// newCaptureDevice returns nil when no capture backend is configured.
func (r *Runtime) newCaptureDevice() *capture.Device {
	var driver capture.Driver
	switch r.cfg.Capture.Backend {
	case "synthetic":
		driver = &capture.Synthetic{
			SampleRate:      r.cfg.Capture.SampleRate,
			FramesPerBuffer: r.cfg.Capture.FramesPerBuffer,
			ToneHz:          r.cfg.Capture.ToneHz,
		}
	case "portaudio":
		driver = portaudio.NewDriver(r.cfg.Capture)
	default:
		return nil
	}
	ringSize := r.cfg.Visualizer.FFTSize
	if ringSize <= 0 {
		ringSize = visualizer.DefaultFFTSize
	}
	return capture.NewDevice(driver, ringSize, r.logger)
}

// newEngine returns nil for mode "none", which leaves recognition disabled.
func (r *Runtime) newEngine(device *capture.Device) (stt.Engine, error) {
	var source stt.AudioSource
	if device != nil {
		source = device
	}
	switch r.cfg.STT.Mode {
	case "mock":
		return stt.NewLocalEngine(r.cfg.STT, stt.NewMockRecognizer(), source, r.logger), nil
	case "exec":
		recognizer, err := stt.NewExecRecognizer(r.cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}
		return stt.NewLocalEngine(r.cfg.STT, recognizer, source, r.logger), nil
	case "bus":
		if r.busClient == nil {
			return nil, errors.New("stt mode bus requires the bus to be enabled")
		}
		engine := stt.NewBusEngine(r.cfg.STT, r.busClient, source, r.logger)
		if r.cfg.STT.RequireWorker && r.registry != nil {
			engine.WithPresence(r.registry)
		}
		return engine, nil
	default:
		return nil, nil
	}
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.controller != nil {
		if err := r.controller.Close(shutdownCtx); err != nil {
			r.logger.Error("session shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.loop != nil {
		r.loop.Close()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	r.wg.Wait()

	if r.journal != nil {
		if err := r.journal.Close(shutdownCtx); err != nil {
			r.logger.Error("journal drain error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
