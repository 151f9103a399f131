package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livecap-io/livecapd/internal/activity"
	"github.com/livecap-io/livecapd/internal/bus"
	"github.com/livecap-io/livecapd/internal/caption"
	"github.com/livecap-io/livecapd/internal/capture"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/export"
	"github.com/livecap-io/livecapd/internal/natsserver"
	"github.com/livecap-io/livecapd/internal/recognizer"
	"github.com/livecap-io/livecapd/internal/sources"
	"github.com/livecap-io/livecapd/internal/store"
)

// Runtime wires the daemon together: embedded bus, recognizer, capture
// scheduler, caption store, and the HTTP surface. Start blocks until the
// context is cancelled, then tears everything down in reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	captionDB  *store.Store
	registry   *sources.Registry
	scheduler  *capture.Scheduler
	captureSvc *capture.Service
	exportSvc  *export.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.natsServer = ns

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	captionDB, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to open caption store: %w", err)
	}
	r.captionDB = captionDB

	registry, err := sources.NewRegistry(ctx, r.cfg.Sources, busClient, r.logger)
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to start source registry: %w", err)
	}
	r.registry = registry

	rec, err := buildRecognizer(r.cfg.Recognizer)
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to build recognizer: %w", err)
	}

	detector := activity.NewDetector(r.cfg.Activity)
	history := caption.NewHistory(r.cfg.Capture.HistorySegments, r.logger)
	sessCfg := recognizer.SessionConfig{
		Locale:     r.cfg.Recognizer.Locale,
		SampleRate: r.cfg.Recognizer.SampleRate,
		Channels:   r.cfg.Recognizer.Channels,
	}
	r.scheduler = capture.NewScheduler(r.cfg.Capture, sessCfg, rec, detector, history, r.logger)

	r.captureSvc = capture.NewService(r.cfg.Capture, busClient, r.scheduler, r.logger)
	if err := r.captureSvc.Start(ctx); err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to start capture service: %w", err)
	}

	r.exportSvc = export.NewService(ctx, r.cfg.Export, busClient, captionDB, r.logger)
	if err := r.exportSvc.Start(); err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to start export service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/captions", r.handleCaptions)
	mux.HandleFunc("/v1/sources", r.handleSources)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("recognizer", r.cfg.Recognizer.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.shutdownComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// shutdownComponents tears down in reverse start order. Safe to call with
// partially initialized state.
func (r *Runtime) shutdownComponents() {
	if r.exportSvc != nil {
		r.exportSvc.Close()
		r.exportSvc = nil
	}
	if r.captureSvc != nil {
		r.captureSvc.Close()
		r.captureSvc = nil
	}
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.captionDB != nil {
		if err := r.captionDB.Close(); err != nil {
			r.logger.Warn("caption store close error", slog.String("error", err.Error()))
		}
		r.captionDB = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
}

func buildRecognizer(cfg config.RecognizerConfig) (recognizer.Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return recognizer.NewMockRecognizer(), nil
	case "exec":
		return recognizer.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.captureSvc != nil && !r.captureSvc.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("capture unhealthy"))
		return
	}
	if r.exportSvc != nil && !r.exportSvc.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("export unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type captionsResponse struct {
	State       string            `json:"state"`
	CurrentText string            `json:"current_text,omitempty"`
	Segments    []caption.Segment `json:"segments"`
}

func (r *Runtime) handleCaptions(w http.ResponseWriter, _ *http.Request) {
	if r.scheduler == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	resp := captionsResponse{
		State:       r.scheduler.State().String(),
		CurrentText: r.scheduler.CurrentText(),
		Segments:    r.scheduler.History().Snapshot(),
	}
	writeJSON(w, resp, r.logger)
}

func (r *Runtime) handleSources(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		http.Error(w, "source registry not running", http.StatusServiceUnavailable)
		return
	}
	list := r.registry.Query(nil)
	if list == nil {
		list = []sources.SourceInfo{}
	}
	writeJSON(w, list, r.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
