package registry

import "strings"

// Providers understood by the oracle factory.
const (
	ProviderRule     = "rule"
	ProviderOpenAI   = "openai"
	ProviderMoonshot = "moonshot"
)

// MoonshotBaseURL is the OpenAI-compatible Moonshot/Kimi endpoint.
const MoonshotBaseURL = "https://api.moonshot.cn/v1"

// ModelConfig represents configuration for a model
type ModelConfig struct {
	ID        string   `json:"id" yaml:"id"`             // exact model name, or a prefix ending in "*"
	Provider  string   `json:"provider" yaml:"provider"` // rule|openai|moonshot
	BaseURL   string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv string   `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	MaxRPM    int      `json:"max_rpm,omitempty" yaml:"max_rpm,omitempty"` // requests per minute
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Matches reports whether the entry serves model.
func (m ModelConfig) Matches(model string) bool {
	if prefix, ok := strings.CutSuffix(m.ID, "*"); ok {
		return strings.HasPrefix(model, prefix)
	}
	return m.ID == model
}

// Registry represents the model registry
type Registry struct {
	Models []ModelConfig `json:"models" yaml:"models"`
}

// Resolve finds the entry for model. Exact ids win over prefixes; among
// prefixes the longest wins.
func (r *Registry) Resolve(model string) (ModelConfig, bool) {
	var best ModelConfig
	found := false
	for _, m := range r.Models {
		if m.ID == model {
			return m, true
		}
		if m.Matches(model) && (!found || len(m.ID) > len(best.ID)) {
			best, found = m, true
		}
	}
	return best, found
}

// GetModelsByProvider returns all models for a specific provider
func (r *Registry) GetModelsByProvider(provider string) []ModelConfig {
	var models []ModelConfig
	for _, model := range r.Models {
		if model.Provider == provider {
			models = append(models, model)
		}
	}
	return models
}

// Merge returns a registry with other's entries ahead of r's.
func (r *Registry) Merge(other *Registry) *Registry {
	if other == nil {
		return r
	}
	out := &Registry{Models: make([]ModelConfig, 0, len(r.Models)+len(other.Models))}
	out.Models = append(out.Models, other.Models...)
	out.Models = append(out.Models, r.Models...)
	return out
}
