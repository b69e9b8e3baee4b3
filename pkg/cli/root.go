package cli

import (
	"context"
	"errors"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker"
)

// Version is reported by --version and recorded in batch manifests.
var Version = "0.1.0"

// Process exit codes.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitConfig      = 2
	ExitSuiteFailed = 3
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func configError(err error) error {
	return &ExitError{Code: ExitConfig, Err: err}
}

// ExitCode maps a command error onto a process exit code. Errors without
// an explicit code are batch-level fatal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFatal
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	models        string
	logLevel      string
	logFormat     string
	metricsAddr   string
	tokenEncoding string
	mcp           []string
	rps           float64

	// redactor collects credentials as they are loaded so that any error
	// printed on the way out is masked too.
	redactor *logging.Redactor
}

// config reads the environment once, applies flag overrides and validates.
func (g *globalOptions) config(override func(*worker.Config)) (*worker.Config, error) {
	cfg := worker.LoadConfig()
	cfg.RegisterSecrets(g.redactor)

	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if g.metricsAddr != "" {
		cfg.MetricsAddr = g.metricsAddr
	}
	if g.tokenEncoding != "" {
		cfg.TokenEncoding = g.tokenEncoding
	}
	if len(g.mcp) > 0 {
		cfg.MCPEndpoints = append(cfg.MCPEndpoints, g.mcp...)
	}
	if g.rps >= 0 {
		cfg.OracleRPS = g.rps
	}
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

// NewRootCmd creates the agent command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&globalOptions{redactor: logging.NewRedactor()})
}

func newRootCmd(g *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "ReAct agent runtime and evaluation harness",
		Long: `agent runs tasks through a policy-driven ReAct loop: the model proposes a
thought and an action, a sandboxed tool bus executes it, and every step is
recorded in a trace. The batch command evaluates a case suite under one or
more policies and writes per-policy reports.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.models, "models", "", "Model registry YAML merged over the built-in models")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (overrides AGENT_LOG_LEVEL)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format json or console (overrides AGENT_LOG_FORMAT)")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides AGENT_METRICS_ADDR)")
	pf.StringVar(&g.tokenEncoding, "token-encoding", "", "Token estimator: chars or a tiktoken encoding (overrides AGENT_TOKEN_ENCODING)")
	pf.StringSliceVar(&g.mcp, "mcp", nil, "MCP server URL whose tools join the capability table (repeatable)")
	pf.Float64Var(&g.rps, "rps", -1, "Oracle requests per second shared by all runs, 0 = unlimited (overrides AGENT_ORACLE_RPS)")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configError(err)
	})

	rootCmd.AddCommand(newRunCmd(g))
	rootCmd.AddCommand(newBatchCmd(g))
	rootCmd.AddCommand(newToolsCmd(g))

	return rootCmd
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	g := &globalOptions{redactor: logging.NewRedactor()}
	rootCmd := newRootCmd(g)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %s\n", g.redactor.Mask(err.Error()))
	}
	return ExitCode(err)
}
