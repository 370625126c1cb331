// Gateway is the single entrypoint for action requests from calling
// applications. It validates each request, dispatches it to the adapter for
// its service and records an audit entry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/auth"
	"github.com/bturcanu/OpenConduit/pkg/config"
	"github.com/bturcanu/OpenConduit/pkg/dispatch"
	ocOtel "github.com/bturcanu/OpenConduit/pkg/otel"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := config.LoadDotEnv(); err != nil {
		log.Warn(".env load failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := ocOtel.Setup(ctx, ocOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "conduit-gateway"),
		ServiceVersion: config.EnvOr("SERVICE_VERSION", "dev"),
		OTLPEndpoint:   otelEndpoint,
		OTLPSecure:     config.EnvOrBool("OTEL_EXPORTER_OTLP_SECURE", false),
		SampleRatio:    sampleRatio(),
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer func() {
			if err := otelShutdown(context.Background()); err != nil {
				log.Error("otel shutdown", "error", err)
			}
		}()
	}

	// ── Backends ─────────────────────────────────────────────────────────
	be, err := openBackends(ctx, log)
	if err != nil {
		log.Error("backend setup failed", "error", err)
		os.Exit(1)
	}
	defer be.Close()

	// ── Adapters ─────────────────────────────────────────────────────────
	registry, err := buildRegistry(log)
	if err != nil {
		log.Error("adapter registry invalid", "error", err)
		os.Exit(1)
	}
	log.Info("adapters registered", "services", registry.Services())

	// ── Credentials ──────────────────────────────────────────────────────
	resolver, err := buildResolver(be, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("credential resolver setup failed", "error", err)
		os.Exit(1)
	}

	// ── Audit ────────────────────────────────────────────────────────────
	sink, err := buildAuditSink(be, log)
	if err != nil {
		log.Error("audit sink setup failed", "error", err)
		os.Exit(1)
	}
	emitterCfg := audit.DefaultEmitterConfig()
	emitterCfg.Buffer = config.EnvOrInt("AUDIT_BUFFER", emitterCfg.Buffer)
	emitterCfg.Logger = log
	emitterCfg.Registerer = prometheus.DefaultRegisterer
	emitter := audit.NewEmitter(sink, emitterCfg)

	dispatcher := dispatch.New(registry, resolver, emitter, dispatch.Config{
		DefaultTimeout: config.EnvOrDuration("DISPATCH_TIMEOUT", dispatch.DefaultTimeout),
		MaxTimeout:     config.EnvOrDuration("DISPATCH_MAX_TIMEOUT", dispatch.DefaultMaxTimeout),
		Logger:         log,
		Registerer:     prometheus.DefaultRegisterer,
	})

	gw := &Gateway{
		log:        log,
		dispatcher: dispatcher,
		services:   registry,
		ready:      be.Ping,
	}
	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))
	if keyStore.Len() == 0 {
		log.Warn("API_KEYS is empty; every authenticated request will be rejected")
	}

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("GATEWAY_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Router(keyStore),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      config.EnvOrDuration("DISPATCH_MAX_TIMEOUT", dispatch.DefaultMaxTimeout) + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		log.Info("gateway starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")
	shutdown(log, srv, emitter, metricsSrv, shutdownGrace{
		server: config.EnvOrDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		drain:  config.EnvOrDuration("AUDIT_DRAIN_TIMEOUT", 10*time.Second),
	})
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

type drainer interface {
	Close(ctx context.Context) error
}

type shutdownGrace struct {
	server time.Duration
	drain  time.Duration
}

// shutdown stops the gateway, drains the audit emitter and then stops the
// metrics server. Each step runs under its own timeout so a slow server stop
// cannot eat into the drain.
func shutdown(log *slog.Logger, gateway stopper, audits drainer, metrics stopper, grace shutdownGrace) {
	step := func(d time.Duration, fn func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return fn(ctx)
	}
	if err := step(grace.server, gateway.Shutdown); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := step(grace.drain, audits.Close); err != nil {
		log.Error("audit drain incomplete", "error", err)
	}
	if err := step(grace.server, metrics.Shutdown); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

func sampleRatio() float64 {
	return float64(config.EnvOrInt("OTEL_TRACES_SAMPLE_PERCENT", 100)) / 100
}

// ──────────────────────────────────────────────────────────────────────────────
// Gateway handler
// ──────────────────────────────────────────────────────────────────────────────

type Gateway struct {
	log        *slog.Logger
	dispatcher gatewayDispatcher
	services   gatewayServices
	ready      func(context.Context) error
}

type gatewayDispatcher interface {
	Dispatch(context.Context, types.ActionRequest) types.ActionResponse
}

type gatewayServices interface {
	Describe() []adapters.ServiceInfo
}

// Router mounts the public routes behind API-key auth.
func (gw *Gateway) Router(keys *auth.KeyStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(auth.APIKeyAuth(keys))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", gw.HandleReady)
	r.Post("/v1/actions", gw.HandleAction)
	r.Get("/v1/services", gw.HandleServices)
	return r
}

// HandleAction is POST /v1/actions
func (gw *Gateway) HandleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid JSON body"
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			msg = "request body too large"
		}
		gw.log.WarnContext(ctx, "undecodable action request", "error", err)
		writeEnvelope(w, types.Failure(types.KindMalformedRequest, msg, 0))
		return
	}

	resp := gw.dispatcher.Dispatch(ctx, req)
	if resp.DispatchID != "" {
		w.Header().Set("X-Dispatch-ID", resp.DispatchID)
	}
	writeEnvelope(w, resp)
}

// HandleServices is GET /v1/services
func (gw *Gateway) HandleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"services": gw.services.Describe()}); err != nil {
		gw.log.ErrorContext(r.Context(), "response encode failed", "error", err)
	}
}

// HandleReady is GET /readyz
func (gw *Gateway) HandleReady(w http.ResponseWriter, r *http.Request) {
	if gw.ready != nil {
		if err := gw.ready(r.Context()); err != nil {
			gw.log.WarnContext(r.Context(), "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeEnvelope(w http.ResponseWriter, resp types.ActionResponse) {
	status := http.StatusOK
	if resp.Status == types.StatusFailure {
		status = resp.Kind().HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
