package testkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

func verdicts() []core.Verdict {
	return []core.Verdict{
		{PolicyID: "b", TaskID: "1", Pass: true, Status: core.StatusFinished,
			Summary: core.Summary{Steps: 2, LatencyMs: 10, TokenEstimate: 40, ToolCalls: 1}},
		{PolicyID: "a", TaskID: "1", Pass: true, Status: core.StatusFinished,
			Summary: core.Summary{Steps: 2, LatencyMs: 20, TokenEstimate: 20, ToolCalls: 1}},
		{PolicyID: "b", TaskID: "2", Pass: false, Status: core.StatusStalled,
			Summary: core.Summary{Steps: 4, LatencyMs: 30, TokenEstimate: 80, ToolCalls: 3}},
		{PolicyID: "b", TaskID: "3", Pass: false, Status: core.StatusError},
		{PolicyID: "a", TaskID: "2", Pass: false, Status: core.StatusMaxSteps,
			Summary: core.Summary{Steps: 8, LatencyMs: 60, TokenEstimate: 100, ToolCalls: 8}},
	}
}

func TestBuildReport(t *testing.T) {
	report := BuildReport(verdicts(), ReportOptions{})

	assert.Equal(t, []string{"b", "a"}, report.Policies)
	assert.Len(t, report.Verdicts, 5)
	assert.False(t, report.GeneratedAt.IsZero())

	b := report.Aggregates["b"]
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, 1, b.Passed)
	assert.InDelta(t, 1.0/3, b.SuccessRate, 1e-9)
	assert.Equal(t, 1, b.Finished)
	assert.Equal(t, 1, b.Stalled)
	assert.Equal(t, 1, b.Errors)
	assert.InDelta(t, 2.0, b.MeanSteps, 1e-9)
	assert.InDelta(t, 40.0/3, b.MeanLatencyMs, 1e-9)
	assert.InDelta(t, 40.0, b.MeanTokenEstimate, 1e-9)
	assert.InDelta(t, 4.0/3, b.MeanToolCalls, 1e-9)

	a := report.Aggregates["a"]
	assert.Equal(t, 2, a.Total)
	assert.Equal(t, 1, a.MaxSteps)
	assert.InDelta(t, 0.5, a.SuccessRate, 1e-9)
	assert.InDelta(t, 5.0, a.MeanSteps, 1e-9)
}

func TestBuildReport_ExcludeErrored(t *testing.T) {
	report := BuildReport(verdicts(), ReportOptions{ExcludeErrored: true})

	b := report.Aggregates["b"]
	assert.Equal(t, 3, b.Total)
	assert.InDelta(t, 1.0/3, b.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, b.MeanSteps, 1e-9)
	assert.InDelta(t, 20.0, b.MeanLatencyMs, 1e-9)
}

func TestBuildReport_Empty(t *testing.T) {
	report := BuildReport(nil, ReportOptions{})
	require.NotNil(t, report.Verdicts)
	assert.Empty(t, report.Policies)
	assert.Empty(t, report.Aggregates)
	assert.Zero(t, SuccessRate(report))
}

func TestSuccessRate(t *testing.T) {
	assert.InDelta(t, 0.4, SuccessRate(BuildReport(verdicts(), ReportOptions{})), 1e-9)
}
