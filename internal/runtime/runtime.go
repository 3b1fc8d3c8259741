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

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dictation"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/ingest"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	dictation     *dictation.Service
	addr          string
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every subsystem, serves until ctx is cancelled and then
// tears everything down in reverse order.
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

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to create recognizer: %w", err)
		}
		r.dictation = dictation.NewService(ctx, r.cfg, recognizer, r.bus, r.store, r.logger)
		if err := r.dictation.Start(); err != nil {
			return fmt.Errorf("failed to start dictation service: %w", err)
		}
		r.logger.Info("dictation service started", slog.String("stt_mode", r.cfg.STT.Mode))
		if r.cfg.Ingest.Enabled {
			ingest.New(r.cfg, r.dictation, r.logger).Register(mux)
		}
	} else {
		r.logger.Warn("stt disabled; dictation service not started")
	}

	if err := r.serve(ctx, mux, metricsHandler); err != nil {
		return err
	}
	r.startPruner(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.nats = srv
		if url := srv.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.bus = client

	if name := busCfg.TranscriptStream; name != "" {
		maxAge := time.Duration(busCfg.TranscriptRetentionHours) * time.Hour
		subjects := []string{protocol.SubjectTranscriptPrefix + ".>"}
		if err := client.EnsureStream(name, subjects, maxAge); err != nil {
			r.logger.Warn("transcript stream unavailable", slog.String("stream", name), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) serve(ctx context.Context, mux http.Handler, metricsHandler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler == nil || r.cfg.Telemetry.PrometheusBind == "" {
		return nil
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint started", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	return nil
}

func (r *Runtime) startPruner(ctx context.Context) {
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.dictation != nil {
		r.dictation.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Ready reports whether the runtime is serving and its dependencies are up.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() || !r.bus.Healthy() {
		return false
	}
	return r.dictation == nil || r.dictation.Healthy()
}

// Addr returns the bound ingest address once the runtime is ready.
func (r *Runtime) Addr() string {
	if !r.ready.Load() {
		return ""
	}
	return r.addr
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
