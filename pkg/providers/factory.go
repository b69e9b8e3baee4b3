package providers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/llm/mock"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/registry"
)

// ErrMissingCredential is returned when a model needs an API key that is
// not configured.
var ErrMissingCredential = errors.New("missing credential")

// KeyFunc returns the API key for a model entry, or "" when unset.
type KeyFunc func(mc registry.ModelConfig) string

// Factory builds oracles for policy models.
type Factory struct {
	Registry   *registry.Registry
	Keys       KeyFunc
	HTTPClient *http.Client
	Tools      []ToolSpec
	BaseURL    string // overrides the OpenAI entry's base URL when set
}

// NewFactory creates a factory over reg.
func NewFactory(reg *registry.Registry, keys KeyFunc, httpClient *http.Client, tools []ToolSpec) *Factory {
	if reg == nil {
		reg = registry.GetDefaultRegistry()
	}
	return &Factory{Registry: reg, Keys: keys, HTTPClient: httpClient, Tools: tools}
}

// Resolve returns the registry entry for model.
func (f *Factory) Resolve(model string) (registry.ModelConfig, error) {
	mc, ok := f.Registry.Resolve(model)
	if !ok {
		return registry.ModelConfig{}, fmt.Errorf("unknown model %q", model)
	}
	return mc, nil
}

// Oracle builds the oracle serving model. Models needing a credential
// fail with ErrMissingCredential when none is configured.
func (f *Factory) Oracle(model string) (core.Oracle, error) {
	mc, err := f.Resolve(model)
	if err != nil {
		return nil, err
	}

	switch mc.Provider {
	case registry.ProviderRule:
		return mock.NewRuleOracle(), nil
	case registry.ProviderOpenAI, registry.ProviderMoonshot:
		key := ""
		if f.Keys != nil {
			key = f.Keys(mc)
		}
		if key == "" {
			return nil, fmt.Errorf("model %s: %w (%s)", model, ErrMissingCredential, mc.APIKeyEnv)
		}
		baseURL := mc.BaseURL
		if mc.Provider == registry.ProviderOpenAI && f.BaseURL != "" {
			baseURL = f.BaseURL
		}
		return NewOpenAIProvider(mc.Provider, baseURL, key, f.HTTPClient, f.Tools), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", mc.Provider)
}

// GetSupportedProviders returns a list of supported provider types
func GetSupportedProviders() []string {
	return []string{registry.ProviderRule, registry.ProviderOpenAI, registry.ProviderMoonshot}
}
