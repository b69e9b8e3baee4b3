package worker

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-abcdefghijklmnop")
	t.Setenv("KIMI_API_KEY", "")
	t.Setenv("MOONSHOT_API_KEY", "moonshot-secret-value")
	t.Setenv("AGENT_CONCURRENCY", "8")
	t.Setenv("AGENT_ORACLE_RPS", "2.5")
	t.Setenv("AGENT_MCP_ENDPOINTS", "http://a/mcp, ,http://b/mcp")
	t.Setenv("AGENT_HTTP_TIMEOUT", "15s")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 2.5, cfg.OracleRPS)
	assert.Equal(t, []string{"http://a/mcp", "http://b/mcp"}, cfg.MCPEndpoints)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "moonshot-secret-value", cfg.APIKey("kimi").Value())
	assert.Equal(t, "sk-test-abcdefghijklmnop", cfg.APIKey("openai").Value())
	assert.False(t, cfg.APIKey("other").Set())
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"AGENT_CONCURRENCY", "AGENT_ORACLE_RPS", "AGENT_LOG_FORMAT", "AGENT_SANDBOX_ROOT"} {
		t.Setenv(k, "")
	}
	t.Setenv("AGENT_CONCURRENCY", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 0.0, cfg.OracleRPS)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "./sandbox", cfg.SandboxRoot)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Concurrency: 0, OracleRPS: -1, LogFormat: "xml", HTTPTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_CONCURRENCY")
	assert.Contains(t, err.Error(), "AGENT_ORACLE_RPS")
	assert.Contains(t, err.Error(), "AGENT_LOG_FORMAT")
	assert.Contains(t, err.Error(), "AGENT_SANDBOX_ROOT")
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("sk-verysecretvalue1234")

	assert.Equal(t, "sk-***", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "verysecret")

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "verysecret")
}

func TestConfig_RegisterSecrets(t *testing.T) {
	cfg := &Config{OpenAIAPIKey: "openai-credential-123", MoonshotAPIKey: "moonshot-credential-456"}
	r := logging.NewRedactor()
	cfg.RegisterSecrets(r)

	masked := r.Mask("a=openai-credential-123 b=moonshot-credential-456")
	assert.NotContains(t, masked, "openai-credential-123")
	assert.NotContains(t, masked, "moonshot-credential-456")
}
