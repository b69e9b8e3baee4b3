package testkit

import (
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// ReportOptions tunes aggregation.
type ReportOptions struct {
	// ExcludeErrored drops error traces from the means. They still count
	// towards the success-rate denominator.
	ExcludeErrored bool
}

// BuildReport folds verdicts into per-policy aggregates. Verdict order is
// kept; policies are listed in first-seen order.
func BuildReport(verdicts []core.Verdict, opts ReportOptions) *core.BatchReport {
	report := &core.BatchReport{
		Verdicts:    verdicts,
		Aggregates:  make(map[string]core.Aggregate),
		Policies:    []string{},
		GeneratedAt: time.Now().UTC(),
	}
	if report.Verdicts == nil {
		report.Verdicts = []core.Verdict{}
	}

	type sums struct {
		n                      int
		steps, latency, tokens float64
		toolCalls              float64
	}
	acc := make(map[string]*sums)

	for _, v := range verdicts {
		agg, seen := report.Aggregates[v.PolicyID]
		if !seen {
			report.Policies = append(report.Policies, v.PolicyID)
			acc[v.PolicyID] = &sums{}
		}
		agg.Total++
		if v.Pass {
			agg.Passed++
		}
		switch v.Status {
		case core.StatusFinished:
			agg.Finished++
		case core.StatusStalled:
			agg.Stalled++
		case core.StatusMaxSteps:
			agg.MaxSteps++
		default:
			agg.Errors++
		}
		report.Aggregates[v.PolicyID] = agg

		if opts.ExcludeErrored && v.Status == core.StatusError {
			continue
		}
		s := acc[v.PolicyID]
		s.n++
		s.steps += float64(v.Summary.Steps)
		s.latency += float64(v.Summary.LatencyMs)
		s.tokens += float64(v.Summary.TokenEstimate)
		s.toolCalls += float64(v.Summary.ToolCalls)
	}

	for name, agg := range report.Aggregates {
		if agg.Total > 0 {
			agg.SuccessRate = float64(agg.Passed) / float64(agg.Total)
		}
		if s := acc[name]; s.n > 0 {
			n := float64(s.n)
			agg.MeanSteps = s.steps / n
			agg.MeanLatencyMs = s.latency / n
			agg.MeanTokenEstimate = s.tokens / n
			agg.MeanToolCalls = s.toolCalls / n
		}
		report.Aggregates[name] = agg
	}
	return report
}

// SuccessRate is the overall pass ratio across all policies.
func SuccessRate(report *core.BatchReport) float64 {
	if len(report.Verdicts) == 0 {
		return 0
	}
	passed := 0
	for _, v := range report.Verdicts {
		if v.Pass {
			passed++
		}
	}
	return float64(passed) / float64(len(report.Verdicts))
}
