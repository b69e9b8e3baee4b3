package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Trace metrics
	TracesTotal      *prometheus.CounterVec
	StepsTotal       *prometheus.CounterVec
	StepLatency      *prometheus.HistogramVec
	TraceTokensTotal *prometheus.CounterVec

	// Tool metrics
	ToolCallsTotal *prometheus.CounterVec
	ToolLatency    *prometheus.HistogramVec

	// Oracle metrics
	OracleRequestsTotal *prometheus.CounterVec
	OracleLatency       *prometheus.HistogramVec
	OracleTokensTotal   *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Circuit breaker metrics
	CircuitTransitionsTotal *prometheus.CounterVec

	// Batch metrics
	UnitsInFlight prometheus.Gauge
	UnitFaults    prometheus.Counter
}

// NewPrometheusMetrics creates the metric set on its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		TracesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_traces_total",
				Help: "Total number of finalized traces by terminal status",
			},
			[]string{"policy", "status"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_steps_total",
				Help: "Total number of recorded loop steps",
			},
			[]string{"policy", "tool"},
		),

		StepLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_step_latency_seconds",
				Help:    "Loop step latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),

		TraceTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_trace_token_estimate_total",
				Help: "Sum of step token estimates",
			},
			[]string{"policy"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of tool bus invocations by outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_tool_latency_seconds",
				Help:    "Tool invocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		OracleRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_oracle_requests_total",
				Help: "Total number of decision oracle requests",
			},
			[]string{"model", "status"},
		),

		OracleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_oracle_latency_seconds",
				Help:    "Decision oracle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),

		OracleTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_oracle_tokens_total",
				Help: "Tokens reported by the upstream model",
			},
			[]string{"model"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_oracle_retries_total",
				Help: "Total number of oracle retries",
			},
			[]string{"model", "reason"},
		),

		CacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_decision_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
		),

		CacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_decision_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
		),

		CircuitTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "state"},
		),

		UnitsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_batch_units_in_flight",
				Help: "Batch units currently executing",
			},
		),

		UnitFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_batch_unit_faults_total",
				Help: "Batch units that faulted and were recorded as error traces",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrace records a finalized trace
func (m *PrometheusMetrics) RecordTrace(policy, status string, tokens int) {
	if m == nil {
		return
	}
	m.TracesTotal.WithLabelValues(policy, status).Inc()
	m.TraceTokensTotal.WithLabelValues(policy).Add(float64(tokens))
}

// RecordStep records a loop step
func (m *PrometheusMetrics) RecordStep(policy, tool string, latency time.Duration) {
	if m == nil {
		return
	}
	if tool == "" {
		tool = "none"
	}
	m.StepsTotal.WithLabelValues(policy, tool).Inc()
	m.StepLatency.WithLabelValues(policy).Observe(latency.Seconds())
}

// RecordToolCall records a tool bus invocation; outcome is "ok" or the failure kind.
func (m *PrometheusMetrics) RecordToolCall(tool, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

// RecordOracleRequest records an oracle round trip
func (m *PrometheusMetrics) RecordOracleRequest(model, status string, latency time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.OracleRequestsTotal.WithLabelValues(model, status).Inc()
	m.OracleLatency.WithLabelValues(model).Observe(latency.Seconds())
	if tokens > 0 {
		m.OracleTokensTotal.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordRetry records an oracle retry
func (m *PrometheusMetrics) RecordRetry(model, reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(model, reason).Inc()
}

// RecordCacheHit records a decision cache hit
func (m *PrometheusMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a decision cache miss
func (m *PrometheusMetrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCircuitBreakerState records a circuit breaker transition
func (m *PrometheusMetrics) RecordCircuitBreakerState(breaker, state string) {
	if m == nil {
		return
	}
	m.CircuitTransitionsTotal.WithLabelValues(breaker, state).Inc()
}

// UnitStarted marks a batch unit as in flight
func (m *PrometheusMetrics) UnitStarted() {
	if m == nil {
		return
	}
	m.UnitsInFlight.Inc()
}

// UnitDone marks a batch unit as finished; faulted units are counted separately.
func (m *PrometheusMetrics) UnitDone(faulted bool) {
	if m == nil {
		return
	}
	m.UnitsInFlight.Dec()
	if faulted {
		m.UnitFaults.Inc()
	}
}
