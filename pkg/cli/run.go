package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/artifact"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/registry"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

type runOptions struct {
	prompt  string
	taskID  string
	policy  string
	sink    string
	sandbox string
	output  string
}

// newRunCmd creates the run command
func newRunCmd(g *globalOptions) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single task",
		Long: `Run one task through the ReAct loop under a policy and print the final
answer, the steps and the run metrics. The trace is written to the sink.`,
		Example: `  agent run --prompt "What is 2 + 3?"
  agent run --prompt "Write 'hi' to notes.txt" --policy policies/baseline.yaml --sandbox ./work
  agent run --prompt "Who is Ada Lovelace?" --policy policies/kimi.yaml --sink http://127.0.0.1:8000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), cmd.OutOrStdout(), g, o)
		},
	}

	cmd.Flags().StringVar(&o.prompt, "prompt", "", "Task prompt (required)")
	cmd.Flags().StringVar(&o.taskID, "task-id", "adhoc", "Task id recorded in the trace")
	cmd.Flags().StringVar(&o.policy, "policy", "", "Policy YAML file (default: built-in rule policy)")
	cmd.Flags().StringVar(&o.sink, "sink", "runs", "Trace sink: DIR, file://DIR, http(s)://URL or sqlite://FILE; empty disables")
	cmd.Flags().StringVar(&o.sandbox, "sandbox", "", "Sandbox root for file tools (overrides AGENT_SANDBOX_ROOT)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "text", "Output format (text, json)")

	return cmd
}

// defaultPolicy is used when run gets no policy file.
func defaultPolicy() core.Policy {
	p := core.Policy{
		Name: "default",
		Security: core.SecurityPolicy{
			AllowedTools: []string{"calculator", "read_file", "write_file", "list_dir", "web_search"},
		},
	}
	registry.ApplyDefaults(&p)
	return p
}

func runTask(ctx context.Context, out io.Writer, g *globalOptions, o runOptions) error {
	if strings.TrimSpace(o.prompt) == "" {
		return configError(errors.New("--prompt is required"))
	}
	if o.output != "text" && o.output != "json" {
		return configError(fmt.Errorf("unknown output format: %s", o.output))
	}
	cfg, err := g.config(func(c *worker.Config) {
		if o.sandbox != "" {
			c.SandboxRoot = o.sandbox
		}
	})
	if err != nil {
		return err
	}

	policy := defaultPolicy()
	if o.policy != "" {
		if policy, err = registry.LoadPolicy(o.policy); err != nil {
			return configError(err)
		}
	}

	a, err := newApp(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := a.prepareOracles([]core.Policy{policy}); err != nil {
		return err
	}
	oracle, err := a.oracleFor(policy)
	if err != nil {
		return err
	}
	sb, err := tools.NewSandbox(cfg.SandboxRoot)
	if err != nil {
		return configError(err)
	}

	var sink core.Sink
	if o.sink != "" {
		if sink, err = artifact.OpenSink(o.sink, a.httpClient); err != nil {
			return configError(err)
		}
		defer sink.Close()
	}

	engine := *a.engine
	engine.Oracle = oracle
	engine.Tools = tools.NewBus(a.tools, sb, a.obs)

	trace, err := engine.Run(ctx, core.Task{ID: o.taskID, Prompt: o.prompt}, policy)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	if sink != nil {
		if err := sink.Write(context.WithoutCancel(ctx), trace); err != nil {
			a.obs.GetLogger().Warn("sink write failed", "run_id", trace.RunID, "sink", o.sink, "error", err)
		}
	}

	if o.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(trace)
	}
	newPrinter(out, true).trace(trace)
	return nil
}
