package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/metrics"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tracing"
)

func TestManager_StartRun(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	recorder := tracetest.NewSpanRecorder()
	tracer, err := tracing.NewTracer(tracing.Config{ServiceName: "test"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	m := New(logging.New(zap.New(core), logging.NewRedactor()), metrics.NewPrometheusMetrics(), tracer)
	defer m.Shutdown(context.Background())

	ctx, span, log := m.StartRun(context.Background(), "run-1", "calc", "baseline", "rule-v1")
	log.Info("step done")
	span.End()

	assert.NotEmpty(t, tracing.GetTraceID(ctx))
	require.Len(t, recorder.Ended(), 1)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "run started", entries[0].Message)
	fields := entries[1].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "calc", fields["task_id"])
	assert.Equal(t, "baseline", fields["policy"])
}

func TestManager_RecordOracle(t *testing.T) {
	m := New(nil, metrics.NewPrometheusMetrics(), nil)
	m.RecordOracle(context.Background(), "gpt-4o-mini", "ok", 20*time.Millisecond, 30, "run-1")
	m.RecordOracle(context.Background(), "gpt-4o-mini", "error", time.Millisecond, 0, "run-1")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GetMetrics().OracleRequestsTotal.WithLabelValues("gpt-4o-mini", "ok")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.GetMetrics().OracleTokensTotal.WithLabelValues("gpt-4o-mini")))
}

func TestManager_Nop(t *testing.T) {
	m := NewNop()
	assert.Nil(t, m.GetMetrics())
	assert.NotNil(t, m.GetLogger())
	assert.NotNil(t, m.GetTracer())
	assert.NotPanics(t, func() {
		_, span, log := m.StartRun(context.Background(), "r", "t", "p", "m")
		log.Warn("nothing recorded")
		span.End()
		m.RecordOracle(context.Background(), "m", "ok", time.Millisecond, 1, "r")
	})
	assert.Error(t, m.ServeMetrics(context.Background(), "127.0.0.1:0"))
}
