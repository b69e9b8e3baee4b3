package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/observability"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tracing"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/policy/local"
)

// maxObservationBytes caps the text a tool may hand back to the loop.
const maxObservationBytes = 16 << 10

// PathLocks serialises writers to the same resolved path. It is shared by
// every bus view so concurrent units targeting one file do not interleave.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for path and returns its release function.
func (p *PathLocks) Lock(path string) func() {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Bus is the tool bus. A Bus value is a read-only view: WithSandbox returns
// a view on another root sharing the registry, guards and write locks.
type Bus struct {
	registry *Registry
	sandbox  *Sandbox
	locks    *PathLocks
	obs      *observability.Manager
	guards   *sync.Map // policy key -> *local.Guard
}

// NewBus creates a bus over registry confined to sandbox.
func NewBus(registry *Registry, sandbox *Sandbox, obs *observability.Manager) *Bus {
	if obs == nil {
		obs = observability.NewNop()
	}
	return &Bus{
		registry: registry,
		sandbox:  sandbox,
		locks:    NewPathLocks(),
		obs:      obs,
		guards:   &sync.Map{},
	}
}

// WithSandbox returns a view of the bus rooted at sandbox.
func (b *Bus) WithSandbox(sandbox *Sandbox) *Bus {
	view := *b
	view.sandbox = sandbox
	return &view
}

// Sandbox returns the sandbox of this view.
func (b *Bus) Sandbox() *Sandbox {
	return b.sandbox
}

// Registry returns the capability table.
func (b *Bus) Registry() *Registry {
	return b.registry
}

func (b *Bus) guardFor(p core.Policy) (*local.Guard, error) {
	key := fmt.Sprintf("%s@%s|%s|%g", p.Name, p.Version, strings.Join(p.Security.AllowedTools, ","), p.Security.ToolTimeout)
	if g, ok := b.guards.Load(key); ok {
		return g.(*local.Guard), nil
	}
	g, err := local.ForPolicy(p)
	if err != nil {
		return nil, err
	}
	actual, _ := b.guards.LoadOrStore(key, g)
	return actual.(*local.Guard), nil
}

// Invoke runs tool with args on behalf of policy. It never panics and never
// returns an error: every failure is a typed observation.
func (b *Bus) Invoke(ctx context.Context, tool string, args map[string]any, policy core.Policy) core.Observation {
	start := time.Now()
	ctx, span := b.obs.GetTracer().StartToolSpan(ctx, tool)
	defer span.End()

	obs := b.invoke(ctx, tool, args, policy)

	outcome := "ok"
	if obs.Failure != nil {
		outcome = string(obs.Failure.Kind)
		tracing.RecordSpanError(span, obs.Failure)
	}
	b.obs.GetMetrics().RecordToolCall(tool, outcome, time.Since(start))
	return obs
}

func (b *Bus) invoke(ctx context.Context, tool string, args map[string]any, policy core.Policy) core.Observation {
	guard, err := b.guardFor(policy)
	if err != nil {
		return core.Fail(core.FailurePolicyViolation, "policy %s has an invalid whitelist: %v", policy.Name, err)
	}
	// The whitelist check precedes any lookup or side effect.
	if !guard.AllowTool(tool) {
		return core.Fail(core.FailurePolicyViolation, "tool %q is not allowed by policy %s", tool, policy.Name)
	}

	capability, ok := b.registry.Get(tool)
	if !ok {
		return core.Fail(core.FailureUnknownTool, "tool %q is not registered", tool)
	}

	if err := capability.Validate(args); err != nil {
		return core.Observation{Failure: core.FailureFromError(err)}
	}

	call := Call{Args: args, Sandbox: b.sandbox, Locks: b.locks}
	var out string
	err = guard.Wrap(ctx, func(ctx context.Context) error {
		var herr error
		out, herr = capability.Handler(ctx, call)
		return herr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return core.Fail(core.FailureToolFailure, "cancelled: %v", err)
		}
		return core.Observation{Failure: core.FailureFromError(err)}
	}
	return core.Observation{Text: truncate(out, maxObservationBytes)}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...[truncated]"
}
