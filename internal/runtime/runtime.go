// Package runtime assembles the capture daemon from its configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/capture/malgo"
	"github.com/loqalabs/loqa-scribe/internal/capture/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/ctlsvc"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/engine/sherpa"
	"github.com/loqalabs/loqa-scribe/internal/engine/whisper"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/livefeed"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	shutdownTimeout = 10 * time.Second
	transcriptTTL   = 7 * 24 * time.Hour
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	// closers run in reverse order on shutdown.
	closers []closer

	bus        *bus.Client
	store      *eventstore.Store
	engines    *engine.Manager
	controller *session.Controller
	publisher  *status.Publisher
	hub        *livefeed.Hub
	control    *ctlsvc.Service
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) onClose(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

// Start brings every component up, serves until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.build(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, r.shutdown(shutdownCtx))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("engine", r.engines.ActiveID()),
		slog.String("capture_backend", r.cfg.Capture.Backend))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.shutdown(shutdownCtx)
}

func (r *Runtime) build(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", tel.shutdown)

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.onClose("event store", func(context.Context) error { return store.Close() })

	backend, err := captureBackend(r.cfg.Capture)
	if err != nil {
		return err
	}

	loader := engine.NewLoader(r.cfg.Engine, r.logger)
	loader.Register("sherpa", sherpa.New)
	loader.Register("whisper", whisper.New)
	r.engines = engine.NewManager(loader, r.logger)
	r.onClose("engines", func(context.Context) error { return r.engines.Close() })

	sink, err := r.transcriptSinks()
	if err != nil {
		return err
	}

	var archiver session.Archiver
	if r.cfg.Recording.Archive.Enabled {
		s3, err := recording.NewS3Archiver(ctx, r.cfg.Recording.Archive)
		if err != nil {
			return fmt.Errorf("configure recording archive: %w", err)
		}
		archiver = s3
	}

	r.controller = session.NewController(ctx, session.Options{
		Capture:  r.cfg.Capture,
		Backend:  backend,
		Engines:  r.engines,
		Sink:     sink,
		Exporter: recording.NewWAVExporter(r.cfg.Recording.Directory),
		Archiver: archiver,
		Logger:   r.logger,
	})
	r.controller.Subscribe(store)
	r.controller.Subscribe(r.hub)
	r.onClose("session controller", r.controller.Close)

	publisher, err := status.NewPublisher(ctx, r.cfg.Node, r.bus, r.controller.Snapshot, prometheus.DefaultRegisterer, r.logger)
	if err != nil {
		return fmt.Errorf("start status publisher: %w", err)
	}
	r.publisher = publisher
	r.controller.Subscribe(publisher)
	r.onClose("status publisher", func(context.Context) error {
		publisher.Close()
		return nil
	})

	if err := r.controller.ChangeEngine(ctx, r.cfg.Engine.Default); err != nil {
		return fmt.Errorf("load default engine: %w", err)
	}

	r.control = ctlsvc.NewService(ctx, r.cfg.Capture, r.bus, r.controller, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	r.onClose("control service", func(context.Context) error {
		r.control.Close()
		return nil
	})

	r.startHTTP(tel.metrics)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.onClose("embedded nats", func(context.Context) error {
			srv.Shutdown()
			return nil
		})
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	r.onClose("nats client", func(context.Context) error {
		client.Close()
		return nil
	})

	if err := client.EnsureStream(protocol.TranscriptStream, []string{protocol.SubjectTranscriptBase + ".>"}, transcriptTTL); err != nil {
		r.logger.Warn("transcript stream unavailable", slogError(err))
	}
	return nil
}

func captureBackend(cfg config.CaptureConfig) (capture.Backend, error) {
	switch cfg.Backend {
	case "", "portaudio":
		return portaudio.New(), nil
	case "malgo":
		return malgo.New(), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

// transcriptSinks fans fragments out to the console or file, the bus, the
// event store and the live feed.
func (r *Runtime) transcriptSinks() (transcript.Sink, error) {
	r.hub = livefeed.NewHub(func() protocol.StatusInfo {
		return ctlsvc.StatusInfo(r.controller.Snapshot())
	}, r.cfg.HTTP.AllowedOrigins, r.logger)
	r.onClose("live feed", func(context.Context) error {
		r.hub.Close()
		return nil
	})

	sinks := []transcript.Sink{transcript.NewBusSink(r.bus), r.store, r.hub}
	if r.cfg.Transcript.Stdout {
		sinks = append(sinks, transcript.NewWriterSink(os.Stdout))
	}
	if path := r.cfg.Transcript.File; path != "" {
		file, err := transcript.OpenFile(path)
		if err != nil {
			return nil, err
		}
		r.onClose("transcript file", func(context.Context) error { return file.Close() })
		sinks = append(sinks, file)
	}
	return transcript.Multi(sinks...), nil
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.Handle("/v1/feed", r.hub)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", r.handleTranscript)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onClose("http server", func(ctx context.Context) error {
		err := r.httpServer.Shutdown(ctx)
		r.wg.Wait()
		return err
	})
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(ctx); err != nil {
			r.logger.Error("shutdown error", slog.String("part", c.name), slogError(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
