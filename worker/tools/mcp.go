package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPPrefix namespaces tools discovered on an MCP server.
const MCPPrefix = "mcp:"

// MCPProvider exposes the tools of one MCP server as capabilities.
type MCPProvider struct {
	session *mcp.ClientSession
}

// ConnectMCP opens a streamable HTTP session to endpoint.
func ConnectMCP(ctx context.Context, endpoint string, httpClient *http.Client) (*MCPProvider, error) {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: httpClient,
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "agent-toolbus",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}
	return &MCPProvider{session: session}, nil
}

// Capabilities lists the server's tools.
func (p *MCPProvider) Capabilities(ctx context.Context) ([]*Capability, error) {
	result, err := p.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	caps := make([]*Capability, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		caps = append(caps, &Capability{
			Name:        MCPPrefix + tool.Name,
			Description: tool.Description,
			Schema:      convertSchema(tool.InputSchema),
			Handler:     p.handler(tool.Name),
		})
	}
	return caps, nil
}

func (p *MCPProvider) handler(remote string) Handler {
	return func(ctx context.Context, call Call) (string, error) {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		result, err := p.session.CallTool(ctx, &mcp.CallToolParams{
			Name:      remote,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("failed to call tool %s: %w", remote, err)
		}

		text := contentText(result.Content)
		if result.IsError {
			if text == "" {
				text = "remote tool reported an error"
			}
			return "", errors.New(text)
		}
		return text, nil
	}
}

// Close ends the session.
func (p *MCPProvider) Close() error {
	return p.session.Close()
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// convertSchema turns the server's schema into a validator. A schema that
// cannot be decoded disables validation for that tool.
func convertSchema(raw any) *jsonschema.Schema {
	if raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return &s
}
