package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/metrics"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tracing"
)

// Manager bundles the logger, metrics and tracer shared by the engine,
// the tool bus and the batch runner.
type Manager struct {
	metrics *metrics.PrometheusMetrics
	tracer  *tracing.Tracer
	logger  *logging.Logger
}

// Config holds observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
	LogOutput      string
}

// NewManager creates a new observability manager
func NewManager(config Config, redactor *logging.Redactor) (*Manager, error) {
	tracer, err := tracing.NewTracer(tracing.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		JaegerEndpoint: config.JaegerEndpoint,
		Environment:    config.Environment,
	})
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:     config.LogLevel,
		Format:    config.LogFormat,
		Output:    config.LogOutput,
		AddCaller: true,
	}, redactor)
	if err != nil {
		return nil, err
	}

	return &Manager{
		metrics: metrics.NewPrometheusMetrics(),
		tracer:  tracer,
		logger:  logger,
	}, nil
}

// New assembles a manager from existing parts; nil parts become no-ops.
func New(logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if tracer == nil {
		tracer = tracing.NewNoop()
	}
	return &Manager{metrics: m, tracer: tracer, logger: logger}
}

// NewNop returns a manager that records nothing.
func NewNop() *Manager {
	return New(nil, nil, nil)
}

// GetMetrics returns the metrics instance
func (m *Manager) GetMetrics() *metrics.PrometheusMetrics {
	return m.metrics
}

// GetTracer returns the tracer instance
func (m *Manager) GetTracer() *tracing.Tracer {
	return m.tracer
}

// GetLogger returns the logger instance
func (m *Manager) GetLogger() *logging.Logger {
	return m.logger
}

// StartRun starts the run span and returns a logger scoped to the run.
func (m *Manager) StartRun(ctx context.Context, runID, taskID, policy, model string) (context.Context, trace.Span, *logging.Logger) {
	ctx, span := m.tracer.StartRunSpan(ctx, runID, taskID, policy, model)
	logger := m.logger.WithRunID(runID).WithFields(map[string]interface{}{
		"task_id":  taskID,
		"policy":   policy,
		"trace_id": tracing.GetTraceID(ctx),
	})
	logger.Info("run started", "model", model)
	return ctx, span, logger
}

// RecordOracle records metrics and a debug log line for one oracle round trip.
func (m *Manager) RecordOracle(ctx context.Context, model, status string, duration time.Duration, tokens int, runID string) {
	m.metrics.RecordOracleRequest(model, status, duration, tokens)
	m.logger.LogOracleRequest(ctx, "oracle", model, status, duration, tokens, runID)
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func (m *Manager) ServeMetrics(ctx context.Context, addr string) error {
	if m.metrics == nil {
		return errors.New("metrics are disabled")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown shuts down all observability components
func (m *Manager) Shutdown(ctx context.Context) error {
	return errors.Join(m.tracer.Shutdown(ctx), m.logger.Sync())
}
