package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRegistry loads a model registry file and merges it over the
// built-ins. An empty path returns the built-ins.
func LoadRegistry(path string) (*Registry, error) {
	defaults := GetDefaultRegistry()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	custom, err := LoadRegistryFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defaults.Merge(custom), nil
}

// LoadRegistryFromBytes loads registry from byte data
func LoadRegistryFromBytes(data []byte) (*Registry, error) {
	var registry Registry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&registry); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	var errs []error
	for i, m := range registry.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
		}
		switch m.Provider {
		case ProviderRule, ProviderOpenAI, ProviderMoonshot:
		default:
			errs = append(errs, fmt.Errorf("models[%d]: unsupported provider %q", i, m.Provider))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &registry, nil
}

// GetDefaultRegistry returns a registry with the built-in model families
func GetDefaultRegistry() *Registry {
	return &Registry{
		Models: []ModelConfig{
			{ID: "mock", Provider: ProviderRule, Tags: []string{"offline"}},
			{ID: "rule-*", Provider: ProviderRule, Tags: []string{"offline"}},
			{
				ID:        "gpt-*",
				Provider:  ProviderOpenAI,
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxRPM:    500,
			},
			{
				ID:        "moonshot-*",
				Provider:  ProviderMoonshot,
				BaseURL:   MoonshotBaseURL,
				APIKeyEnv: "KIMI_API_KEY",
				MaxRPM:    60,
			},
			{
				ID:        "kimi-*",
				Provider:  ProviderMoonshot,
				BaseURL:   MoonshotBaseURL,
				APIKeyEnv: "KIMI_API_KEY",
				MaxRPM:    60,
			},
		},
	}
}
