package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// OpenAIProvider is a ReAct oracle over any OpenAI-compatible chat API
// (OpenAI, Moonshot/Kimi, local gateways).
type OpenAIProvider struct {
	client *openai.Client
	name   string
	tools  []ToolSpec
}

// NewOpenAIProvider creates a provider for baseURL. httpClient may be nil.
func NewOpenAIProvider(name, baseURL, apiKey string, httpClient *http.Client, tools []ToolSpec) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		name:   name,
		tools:  tools,
	}
}

// Name returns the provider name used in logs and metrics.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Decide implements core.Oracle.
func (p *OpenAIProvider) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	tools := allowedSpecs(p.tools, req.Policy)
	msgs := BuildMessages(req, tools)

	messages := make([]openai.ChatCompletionMessage, len(msgs))
	for i, msg := range msgs {
		messages[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	response, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Policy.Model,
		Messages:    messages,
		Temperature: float32(req.Policy.Temperature),
		Stop:        []string{"\nObservation:"},
	})
	if err != nil {
		return core.Decision{}, classify(ctx, err)
	}
	if len(response.Choices) == 0 {
		return core.Decision{}, core.Transient(errors.New("empty choices in completion"))
	}

	decision, err := ParseReAct(response.Choices[0].Message.Content, tools)
	if err != nil {
		return core.Decision{}, core.Fatal(err)
	}
	decision.Tokens = response.Usage.TotalTokens
	return decision, nil
}

// classify maps API failures onto the oracle error taxonomy: 408, 429 and
// 5xx and network faults are transient, everything else is fatal. Context
// errors pass through untouched.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return core.Transient(fmt.Errorf("chat completion: %w", err))
	case status != 0:
		return core.Fatal(fmt.Errorf("chat completion: %w", err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.Transient(fmt.Errorf("chat completion: %w", err))
	}
	return core.Fatal(fmt.Errorf("chat completion: %w", err))
}

var _ core.Oracle = (*OpenAIProvider)(nil)
