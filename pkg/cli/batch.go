package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/artifact"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/registry"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/testkit"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

type batchOptions struct {
	cases           string
	policies        []string
	out             string
	summary         string
	sink            string
	concurrency     int
	caseInsensitive bool
	excludeErrored  bool
	minSuccessRate  float64
	quiet           bool
}

func newBatchCmd(g *globalOptions) *cobra.Command {
	var o batchOptions

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Evaluate a case suite under one or more policies",
		Long: `Run every case of a JSONL suite under every policy on a bounded worker pool.
Each (policy, case) unit gets its own sandbox below --out, where its trace.json
is written. The batch writes report.json, summary.csv and manifest.json into
--out and exits 3 when --min-success-rate is not met.`,
		Example: `  agent batch --cases cases/smoke.jsonl --policy policies/simple.yaml --out out
  agent batch --cases cases/smoke.jsonl --policy policies/simple.yaml --policy policies/deliberate.yaml \
    --out out --concurrency 8 --min-success-rate 0.9 --summary out/summary.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), g, o)
		},
	}

	cmd.Flags().StringVar(&o.cases, "cases", "", "JSONL case file (required)")
	cmd.Flags().StringArrayVar(&o.policies, "policy", nil, "Policy YAML file (required, repeatable)")
	cmd.Flags().StringVar(&o.out, "out", "out", "Output directory; also the root of the unit sandboxes")
	cmd.Flags().StringVar(&o.summary, "summary", "", "Also write the plain-text summary to this file")
	cmd.Flags().StringVar(&o.sink, "sink", "", "Additional trace sink: DIR, file://DIR, http(s)://URL or sqlite://FILE")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 0, "Worker pool size (overrides AGENT_CONCURRENCY)")
	cmd.Flags().BoolVar(&o.caseInsensitive, "case-insensitive", false, "Match must_contain fragments case-insensitively")
	cmd.Flags().BoolVar(&o.excludeErrored, "exclude-errored", false, "Leave error traces out of the per-policy means")
	cmd.Flags().Float64Var(&o.minSuccessRate, "min-success-rate", 0, "Fail with exit code 3 when the overall success rate is below this value")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "Do not print per-unit progress")

	return cmd
}

func runBatch(ctx context.Context, out io.Writer, g *globalOptions, o batchOptions) error {
	if o.cases == "" || len(o.policies) == 0 {
		return configError(errors.New("--cases and at least one --policy are required"))
	}
	if o.minSuccessRate < 0 || o.minSuccessRate > 1 {
		return configError(fmt.Errorf("--min-success-rate must be within [0, 1], got %g", o.minSuccessRate))
	}
	if o.concurrency < 0 {
		return configError(fmt.Errorf("--concurrency must be positive, got %d", o.concurrency))
	}
	cfg, err := g.config(func(c *worker.Config) {
		if o.concurrency > 0 {
			c.Concurrency = o.concurrency
		}
	})
	if err != nil {
		return err
	}

	tasks, raw, err := testkit.LoadCases(o.cases)
	if err != nil {
		return configError(err)
	}
	policies, err := registry.LoadPolicies(o.policies)
	if err != nil {
		return configError(err)
	}

	a, err := newApp(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	log := a.obs.GetLogger()

	if err := a.prepareOracles(policies); err != nil {
		return err
	}

	sb, err := tools.NewSandbox(o.out)
	if err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	runner := testkit.NewRunner(a.engine, tools.NewBus(a.tools, sb, a.obs), a.oracleFor)
	runner.Concurrency = cfg.Concurrency
	if o.sink != "" {
		sink, err := artifact.OpenSink(o.sink, a.httpClient)
		if err != nil {
			return configError(err)
		}
		defer sink.Close()
		runner.Sink = sink
	}
	display := newPrinter(out, true)
	if !o.quiet {
		runner.OnProgress = display.progress
	}

	units := testkit.Units(tasks, policies)
	log.Info("batch started", "cases", len(tasks), "policies", len(policies), "units", len(units), "concurrency", cfg.Concurrency)

	results, err := runner.Run(ctx, units)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	mode := testkit.CaseSensitive
	if o.caseInsensitive {
		mode = testkit.CaseInsensitive
	}
	report := testkit.BuildReport(testkit.Score(results, testkit.Evaluator{Case: mode}),
		testkit.ReportOptions{ExcludeErrored: o.excludeErrored})

	if err := writeBatchArtifacts(sb.Root(), o.cases, raw, len(tasks), policies, results, report); err != nil {
		return err
	}

	display.summary(report)
	if o.summary != "" {
		var buf bytes.Buffer
		newPrinter(&buf, false).summary(report)
		if err := artifact.WriteFileAtomic(o.summary, buf.Bytes()); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	rate := testkit.SuccessRate(report)
	log.Info("batch finished", "units", len(units), "success_rate", rate, "out", sb.Root())

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	if o.minSuccessRate > 0 && rate < o.minSuccessRate {
		return &ExitError{
			Code: ExitSuiteFailed,
			Err:  fmt.Errorf("success rate %.3f is below the required %.3f", rate, o.minSuccessRate),
		}
	}
	return nil
}

func writeBatchArtifacts(dir, casesPath string, raw []byte, cases int, policies []core.Policy, results []testkit.Result, report *core.BatchReport) error {
	if err := artifact.WriteReport(dir, report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	m := artifact.NewManifest(uuid.NewString(), Version)
	m.SetCases(casesPath, raw, cases)
	var errs []error
	for _, p := range policies {
		errs = append(errs, m.AddPolicy(p))
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Trace != nil {
			ids = append(ids, r.Trace.RunID)
		}
	}
	m.AddRuns(ids...)
	errs = append(errs, m.Write(dir))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
