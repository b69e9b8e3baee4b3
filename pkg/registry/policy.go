package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Policy defaults applied to fields left out of a policy file.
const (
	DefaultMaxSteps         = 8
	DefaultMaxExecutionTime = 120.0
	DefaultToolTimeout      = 10.0
	DefaultModel            = "rule-v1"
)

// DefaultRetry is the oracle retry block used when a policy omits it.
var DefaultRetry = core.RetryPolicy{
	MaxRetries:    3,
	BaseDelayMs:   500,
	MaxDelayMs:    8000,
	BackoffFactor: 2.0,
	Jitter:        0.25,
}

// LoadPolicy reads a YAML policy file. A missing name defaults to the
// file name without extension.
func LoadPolicy(path string) (core.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Policy{}, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return core.Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, ValidatePolicy(p)
}

// LoadPolicies loads several policy files; names must be unique.
func LoadPolicies(paths []string) ([]core.Policy, error) {
	if len(paths) == 0 {
		return nil, errors.New("at least one policy is required")
	}
	seen := make(map[string]string, len(paths))
	out := make([]core.Policy, 0, len(paths))
	for _, path := range paths {
		p, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy name %q used by both %s and %s", p.Name, prev, path)
		}
		seen[p.Name] = path
		out = append(out, p)
	}
	return out, nil
}

// ParsePolicy decodes YAML and fills defaults. It does not validate.
func ParsePolicy(data []byte) (core.Policy, error) {
	var p core.Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return core.Policy{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	ApplyDefaults(&p)
	return p, nil
}

// ApplyDefaults fills zero fields.
func ApplyDefaults(p *core.Policy) {
	if p.Version == "" {
		p.Version = "1"
	}
	if p.Variant == "" {
		p.Variant = core.VariantSimple
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.MaxSteps == 0 {
		p.MaxSteps = DefaultMaxSteps
	}
	if p.Security.MaxExecutionTime == 0 {
		p.Security.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if p.Security.ToolTimeout == 0 {
		p.Security.ToolTimeout = DefaultToolTimeout
	}
	if p.Retry == (core.RetryPolicy{}) {
		p.Retry = DefaultRetry
	}
}

// ValidatePolicy checks field ranges and collects every problem.
func ValidatePolicy(p core.Policy) error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Variant != core.VariantSimple && p.Variant != core.VariantDeliberate {
		errs = append(errs, fmt.Errorf("variant must be %q or %q, got %q", core.VariantSimple, core.VariantDeliberate, p.Variant))
	}
	if p.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", p.MaxSteps))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %g", p.Temperature))
	}
	if p.Security.MaxExecutionTime <= 0 {
		errs = append(errs, fmt.Errorf("security.max_execution_time must be positive, got %g", p.Security.MaxExecutionTime))
	}
	if p.Security.ToolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("security.tool_timeout must be positive, got %g", p.Security.ToolTimeout))
	}
	if p.Retry.BackoffFactor != 0 && p.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %g", p.Retry.BackoffFactor))
	}
	// negative max_retries or jitter switch the feature off
	if p.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be below 1, got %g", p.Retry.Jitter))
	}
	for _, tool := range p.Security.AllowedTools {
		if strings.TrimSpace(tool) == "" {
			errs = append(errs, errors.New("security.allowed_tools contains an empty entry"))
			break
		}
	}
	return errors.Join(errs...)
}
