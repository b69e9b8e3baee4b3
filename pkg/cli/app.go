package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/interp/wasm"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/cache"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/limiter"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/observability"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/providers"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/registry"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tokens"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

// app is the process-wide wiring shared by the commands: observability,
// the oracle guard, the capability table and one oracle per model.
type app struct {
	cfg        *worker.Config
	obs        *observability.Manager
	redactor   *logging.Redactor
	httpClient *http.Client
	limiter    *limiter.RateLimiter
	engine     *worker.Engine
	tools      *tools.Registry
	factory    *providers.Factory
	oracles    map[string]core.Oracle
	closers    []func(context.Context) error
}

func newApp(ctx context.Context, g *globalOptions, cfg *worker.Config) (*app, error) {
	obs, err := observability.NewManager(observability.Config{
		ServiceName:    "agent",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.JaegerEndpoint,
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
		LogOutput:      "stderr",
	}, g.redactor)
	if err != nil {
		return nil, configError(fmt.Errorf("observability: %w", err))
	}

	a := &app{
		cfg:        cfg,
		obs:        obs,
		redactor:   g.redactor,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		oracles:    make(map[string]core.Oracle),
	}
	a.closers = append(a.closers, obs.Shutdown)
	if err := a.init(ctx, g); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, g *globalOptions) error {
	log := a.obs.GetLogger()

	enc, err := tokens.NewEstimator(a.cfg.TokenEncoding)
	if err != nil {
		log.Warn("token encoding unavailable, using character estimate", "encoding", a.cfg.TokenEncoding, "error", err)
	}

	a.limiter = limiter.NewRateLimiter(a.cfg.OracleRPS, burst(a.cfg.OracleRPS))
	protection := limiter.NewProtectionManager(a.limiter, log, a.obs.GetMetrics())

	runner := wasm.NewRunner(ctx)
	a.closers = append(a.closers, runner.Close)

	a.tools = tools.NewRegistry().MustRegister(tools.Builtins(a.httpClient)...)
	if err := a.tools.Register(tools.WasmCapability(runner)); err != nil {
		return err
	}
	for _, endpoint := range a.cfg.MCPEndpoints {
		if err := a.connectMCP(ctx, endpoint); err != nil {
			return err
		}
	}

	models, err := registry.LoadRegistry(g.models)
	if err != nil {
		return configError(err)
	}
	a.factory = providers.NewFactory(models, a.apiKey, a.httpClient, toolSpecs(a.tools))
	a.factory.BaseURL = a.cfg.OpenAIBaseURL

	a.engine = (&worker.Engine{
		Protection: protection,
		Tokens:     enc,
		Obs:        a.obs,
		Masker:     a.redactor,
	}).Prepare()

	if addr := a.cfg.MetricsAddr; addr != "" {
		metricsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.closers = append(a.closers, func(context.Context) error {
			cancel()
			return nil
		})
		go func() {
			if err := a.obs.ServeMetrics(metricsCtx, addr); err != nil {
				log.Error("metrics server stopped", "addr", addr, "error", err)
			}
		}()
		log.Info("serving metrics", "addr", addr)
	}
	return nil
}

func (a *app) connectMCP(ctx context.Context, endpoint string) error {
	provider, err := tools.ConnectMCP(ctx, endpoint, a.httpClient)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", endpoint, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return provider.Close() })

	caps, err := provider.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", endpoint, err)
	}
	for _, c := range caps {
		if err := a.tools.Register(c); err != nil {
			return fmt.Errorf("mcp %s: %w", endpoint, err)
		}
	}
	a.obs.GetLogger().Info("mcp tools registered", "endpoint", endpoint, "count", len(caps))
	return nil
}

// apiKey prefers the registry entry's own variable and falls back to the
// provider credential from the environment.
func (a *app) apiKey(mc registry.ModelConfig) string {
	if mc.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(mc.APIKeyEnv)); v != "" {
			a.redactor.Register(v)
			return v
		}
	}
	return a.cfg.APIKey(mc.Provider).Value()
}

// prepareOracles checks every policy against the capability table and
// builds one cached oracle per model before any unit starts. Failures are
// configuration errors.
func (a *app) prepareOracles(policies []core.Policy) error {
	var errs []error
	for _, p := range policies {
		if err := a.tools.ValidatePolicy(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := a.oracles[p.Model]; ok {
			continue
		}
		mc, err := a.factory.Resolve(p.Model)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Name, err))
			continue
		}
		oracle, err := a.factory.Oracle(p.Model)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Name, err))
			continue
		}
		cached, err := cache.NewCachedOracle(oracle, nil, a.obs.GetMetrics())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.limiter.SetModelRPM(p.Model, mc.MaxRPM)
		a.oracles[p.Model] = cached
	}
	if err := errors.Join(errs...); err != nil {
		return configError(err)
	}
	return nil
}

func (a *app) oracleFor(p core.Policy) (core.Oracle, error) {
	o, ok := a.oracles[p.Model]
	if !ok {
		return nil, fmt.Errorf("no oracle prepared for model %q", p.Model)
	}
	return o, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func toolSpecs(reg *tools.Registry) []providers.ToolSpec {
	caps := reg.Capabilities()
	specs := make([]providers.ToolSpec, 0, len(caps))
	for _, c := range caps {
		spec := providers.ToolSpec{Name: c.Name, Description: c.Description}
		if c.Schema != nil {
			spec.Params = append([]string(nil), c.Schema.Required...)
		}
		specs = append(specs, spec)
	}
	return specs
}

func burst(rps float64) int {
	if rps <= 0 {
		return 1
	}
	return int(math.Ceil(rps))
}
