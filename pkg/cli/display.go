package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/testkit"
)

// printer renders progress and summaries. Colors are dropped when the
// output is not a terminal or when writing to a file.
type printer struct {
	w      io.Writer
	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{
		w:      w,
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		bold:   color.New(color.Bold),
	}
	if !colored {
		for _, c := range []*color.Color{p.green, p.red, p.yellow, p.cyan, p.bold} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) status(s core.Status) *color.Color {
	switch s {
	case core.StatusFinished:
		return p.green
	case core.StatusError:
		return p.red
	}
	return p.yellow
}

func (p *printer) progress(done, total int, r testkit.Result) {
	width := len(fmt.Sprint(total))
	fmt.Fprintf(p.w, "[%*d/%d] ", width, done, total)
	if r.Trace == nil {
		p.red.Fprintf(p.w, "%s/%s no trace\n", r.Policy.Name, r.Task.ID)
		return
	}
	p.status(r.Trace.Status).Fprintf(p.w, "%-9s", r.Trace.Status)
	fmt.Fprintf(p.w, " %s/%s  steps=%d  %dms\n", r.Policy.Name, r.Task.ID, r.Trace.Summary.Steps, r.Trace.Summary.LatencyMs)
}

func (p *printer) trace(t *core.Trace) {
	p.bold.Fprintln(p.w, "=== FINAL ANSWER ===")
	if t.FinalAnswer != nil {
		fmt.Fprintln(p.w, *t.FinalAnswer)
	} else {
		fmt.Fprintln(p.w, "<none>")
	}
	fmt.Fprintln(p.w)

	p.bold.Fprintln(p.w, "=== STEPS ===")
	for _, s := range t.Steps {
		p.cyan.Fprintf(p.w, "%d. ", s.Index)
		fmt.Fprintln(p.w, s.Thought)
		if s.Action != nil {
			fmt.Fprintf(p.w, "   action: %s\n", s.Action.Tool)
		}
		if s.Observation != "" && !s.Finish {
			if s.Error {
				p.red.Fprintf(p.w, "   observation: %s\n", oneLine(s.Observation, 120))
			} else {
				fmt.Fprintf(p.w, "   observation: %s\n", oneLine(s.Observation, 120))
			}
		}
	}
	fmt.Fprintln(p.w)

	p.bold.Fprintln(p.w, "=== METRICS ===")
	fmt.Fprint(p.w, "status: ")
	p.status(t.Status).Fprintln(p.w, t.Status)
	fmt.Fprintf(p.w, "reason: %s\n", t.Reason)
	fmt.Fprintf(p.w, "run_id: %s\n", t.RunID)
	fmt.Fprintf(p.w, "steps: %d  tool_calls: %d  tool_errors: %d\n", t.Summary.Steps, t.Summary.ToolCalls, t.Summary.ToolErrors)
	fmt.Fprintf(p.w, "latency_ms: %d  token_estimate: %d\n", t.Summary.LatencyMs, t.Summary.TokenEstimate)
}

func (p *printer) summary(report *core.BatchReport) {
	fmt.Fprintln(p.w)
	p.bold.Fprintln(p.w, "=== Batch Summary ===")

	for _, name := range report.Policies {
		agg := report.Aggregates[name]
		fmt.Fprintln(p.w)
		p.cyan.Fprintf(p.w, "Policy: %s\n", name)
		rate := p.green
		if agg.Passed < agg.Total {
			rate = p.yellow
		}
		if agg.Passed == 0 && agg.Total > 0 {
			rate = p.red
		}
		rate.Fprintf(p.w, "  Passed: %d/%d (%.1f%%)\n", agg.Passed, agg.Total, agg.SuccessRate*100)
		fmt.Fprintf(p.w, "  Status: finished=%d stalled=%d max_steps=%d errors=%d\n", agg.Finished, agg.Stalled, agg.MaxSteps, agg.Errors)
		fmt.Fprintf(p.w, "  Means:  steps=%.2f latency_ms=%.1f tokens=%.1f tool_calls=%.2f\n",
			agg.MeanSteps, agg.MeanLatencyMs, agg.MeanTokenEstimate, agg.MeanToolCalls)
	}

	var failed []core.Verdict
	for _, v := range report.Verdicts {
		if !v.Pass {
			failed = append(failed, v)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(p.w)
		p.bold.Fprintln(p.w, "=== Failed Cases ===")
		for _, v := range failed {
			p.red.Fprintf(p.w, "  ✗ %s/%s", v.PolicyID, v.TaskID)
			fmt.Fprintf(p.w, ": %s\n", oneLine(v.Reason, 160))
		}
	}

	passed := 0
	for _, v := range report.Verdicts {
		if v.Pass {
			passed++
		}
	}
	fmt.Fprintln(p.w)
	overall := p.green
	if passed < len(report.Verdicts) {
		overall = p.yellow
	}
	overall.Fprintf(p.w, "Overall: %d/%d passed (%.1f%%)\n", passed, len(report.Verdicts), testkit.SuccessRate(report)*100)
}

func (p *printer) capabilities(rows [][3]string) {
	nameWidth := len("NAME")
	for _, r := range rows {
		if len(r[0]) > nameWidth {
			nameWidth = len(r[0])
		}
	}
	p.bold.Fprintf(p.w, "%-*s  %-20s  %s\n", nameWidth, "NAME", "ARGUMENTS", "DESCRIPTION")
	for _, r := range rows {
		p.cyan.Fprintf(p.w, "%-*s", nameWidth, r[0])
		fmt.Fprintf(p.w, "  %-20s  %s\n", r[1], r[2])
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
