package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/policy/local"
)

// Call is what a handler receives for one invocation.
type Call struct {
	Args    map[string]any
	Sandbox *Sandbox
	Locks   *PathLocks
}

// String returns a string argument or "".
func (c Call) String(name string) string {
	v, ok := c.Args[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Handler executes one capability. Returned errors become tool failures.
type Handler func(ctx context.Context, call Call) (string, error)

// Capability is one entry of the closed capability table.
type Capability struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Handler     Handler

	once     sync.Once
	resolved *jsonschema.Resolved
	err      error
}

// Validate checks args against the capability's schema.
func (c *Capability) Validate(args map[string]any) error {
	if c.Schema == nil {
		return nil
	}
	c.once.Do(func() {
		c.resolved, c.err = c.Schema.Resolve(nil)
	})
	if c.err != nil {
		return fmt.Errorf("resolve schema for %s: %w", c.Name, c.err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := c.resolved.Validate(args); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidArgs, err)
	}
	return nil
}

// Registry maps tool names to capabilities. It is populated at startup and
// read-only afterwards.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register adds a capability. Names are exact and unique.
func (r *Registry) Register(c *Capability) error {
	if c == nil || c.Name == "" || c.Handler == nil {
		return errors.New("capability needs a name and a handler")
	}
	if strings.TrimSpace(c.Name) != c.Name {
		return fmt.Errorf("capability name %q has surrounding whitespace", c.Name)
	}
	name := c.Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", c.Name)
	}
	r.caps[name] = c
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(caps ...*Capability) *Registry {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Get looks up a capability.
func (r *Registry) Get(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns all capabilities sorted by name.
func (r *Registry) Capabilities() []*Capability {
	names := r.Names()
	out := make([]*Capability, 0, len(names))
	for _, n := range names {
		c, _ := r.Get(n)
		out = append(out, c)
	}
	return out
}

// ValidatePolicy checks a policy's whitelist against the table: every exact
// name must be registered and every pattern must match at least one tool.
func (r *Registry) ValidatePolicy(p core.Policy) error {
	var errs []error
	names := r.Names()
	for _, entry := range p.Security.AllowedTools {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !local.IsPattern(entry) {
			if _, ok := r.Get(entry); !ok {
				errs = append(errs, fmt.Errorf("policy %s: unknown tool %q", p.Name, entry))
			}
			continue
		}
		g, err := local.NewGuard([]string{entry}, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Name, err))
			continue
		}
		matched := false
		for _, n := range names {
			if g.AllowTool(n) {
				matched = true
				break
			}
		}
		if !matched {
			errs = append(errs, fmt.Errorf("policy %s: pattern %q matches no registered tool", p.Name, entry))
		}
	}
	return errors.Join(errs...)
}
