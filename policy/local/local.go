package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// DefaultTimeout bounds a wrapped call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Guard is the core.PolicyGuard built from one policy's security block.
//   - AllowTool: exact names or glob patterns ("mcp:*"); names are case-sensitive
//   - Wrap: runs a call under a wall-clock timeout and converts panics into errors
type Guard struct {
	allow    map[string]bool
	patterns []glob.Glob
	timeout  time.Duration
}

// NewGuard compiles the allowlist. A zero timeout selects DefaultTimeout.
func NewGuard(allowlist []string, timeout time.Duration) (*Guard, error) {
	g := &Guard{allow: make(map[string]bool, len(allowlist)), timeout: timeout}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	for _, n := range allowlist {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !IsPattern(n) {
			g.allow[n] = true
			continue
		}
		p, err := glob.Compile(n)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", n, err)
		}
		g.patterns = append(g.patterns, p)
	}
	return g, nil
}

// ForPolicy builds the guard for a policy.
func ForPolicy(p core.Policy) (*Guard, error) {
	return NewGuard(p.Security.AllowedTools, p.ToolTimeout())
}

// IsPattern reports whether an allowlist entry is a glob rather than a name.
func IsPattern(entry string) bool {
	return strings.ContainsAny(entry, "*?[{")
}

// Timeout returns the per-call timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Wrap runs fn with the guard's timeout. The call is abandoned (not killed)
// when the deadline passes; handlers are expected to honour ctx.
func (g *Guard) Wrap(ctx context.Context, run func(ctx context.Context) error) error {
	execCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		done <- run(execCtx)
	}()

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: exceeded %s", core.ErrToolTimeout, g.timeout)
		}
		return execCtx.Err()
	case err := <-done:
		return err
	}
}

// AllowTool returns true if the tool name is allowlisted. The name is
// matched as given.
func (g *Guard) AllowTool(name string) bool {
	if name == "" {
		return false
	}
	if g.allow[name] {
		return true
	}
	for _, p := range g.patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// Names returns the exact (non-pattern) entries.
func (g *Guard) Names() []string {
	names := make([]string, 0, len(g.allow))
	for n := range g.allow {
		names = append(names, n)
	}
	return names
}
