package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
)

// Secret is a credential. It never prints or serializes its value.
type Secret string

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

// Set reports whether the credential is non-empty.
func (s Secret) Set() bool { return s != "" }

func (s Secret) String() string { return logging.MaskSecret(string(s)) }

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return s.String() }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config holds process configuration read once from the environment.
type Config struct {
	OpenAIAPIKey   Secret
	OpenAIBaseURL  string
	MoonshotAPIKey Secret

	SandboxRoot    string
	LogLevel       string
	LogFormat      string
	JaegerEndpoint string
	MetricsAddr    string
	Environment    string
	TokenEncoding  string
	MCPEndpoints   []string

	Concurrency int
	OracleRPS   float64
	HTTPTimeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	moonshot := getEnv("KIMI_API_KEY", "")
	if moonshot == "" {
		moonshot = getEnv("MOONSHOT_API_KEY", "")
	}

	return &Config{
		OpenAIAPIKey:   Secret(getEnv("OPENAI_API_KEY", "")),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		MoonshotAPIKey: Secret(moonshot),
		SandboxRoot:    getEnv("AGENT_SANDBOX_ROOT", "./sandbox"),
		LogLevel:       getEnv("AGENT_LOG_LEVEL", "info"),
		LogFormat:      getEnv("AGENT_LOG_FORMAT", "console"),
		JaegerEndpoint: getEnv("AGENT_JAEGER_ENDPOINT", ""),
		MetricsAddr:    getEnv("AGENT_METRICS_ADDR", ""),
		Environment:    getEnv("AGENT_ENV", "development"),
		TokenEncoding:  getEnv("AGENT_TOKEN_ENCODING", "chars"),
		MCPEndpoints:   parseCommaSeparated(getEnv("AGENT_MCP_ENDPOINTS", "")),
		Concurrency:    getEnvInt("AGENT_CONCURRENCY", 4),
		OracleRPS:      getEnvFloat("AGENT_ORACLE_RPS", 0),
		HTTPTimeout:    getEnvDuration("AGENT_HTTP_TIMEOUT", "60s"),
	}
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("AGENT_CONCURRENCY must be >= 1, got %d", c.Concurrency))
	}
	if c.OracleRPS < 0 {
		errs = append(errs, fmt.Errorf("AGENT_ORACLE_RPS must be >= 0, got %g", c.OracleRPS))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("AGENT_LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if c.SandboxRoot == "" {
		errs = append(errs, errors.New("AGENT_SANDBOX_ROOT cannot be empty"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_HTTP_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// RegisterSecrets hands every configured credential to the redactor.
func (c *Config) RegisterSecrets(r *logging.Redactor) {
	for _, s := range []Secret{c.OpenAIAPIKey, c.MoonshotAPIKey} {
		if s.Set() {
			r.Register(s.Value())
		}
	}
}

// APIKey returns the credential for a provider ("openai" or "moonshot").
func (c *Config) APIKey(provider string) Secret {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "moonshot", "kimi":
		return c.MoonshotAPIKey
	}
	return ""
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// parseCommaSeparated parses a comma-separated string into a slice
func parseCommaSeparated(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
