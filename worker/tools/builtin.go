package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

const (
	maxReadBytes     = 64 << 10
	maxHTTPBodyBytes = 256 << 10
)

func stringArgs(required []string, props map[string]string) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(props)),
		Required:   required,
	}
	for name, desc := range props {
		s.Properties[name] = &jsonschema.Schema{Type: "string", Description: desc}
	}
	return s
}

// Builtins returns the local capabilities. httpClient may be nil.
func Builtins(httpClient *http.Client) []*Capability {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return []*Capability{
		{
			Name:        "calculator",
			Description: "Evaluate an arithmetic expression with + - * / and parentheses.",
			Schema:      stringArgs([]string{"expression"}, map[string]string{"expression": "expression to evaluate"}),
			Handler:     calculator,
		},
		{
			Name:        "read_file",
			Description: "Read a text file inside the sandbox.",
			Schema:      stringArgs([]string{"path"}, map[string]string{"path": "path relative to the sandbox"}),
			Handler:     readFile,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file inside the sandbox, replacing it atomically.",
			Schema: stringArgs([]string{"path", "content"}, map[string]string{
				"path":    "path relative to the sandbox",
				"content": "file content",
			}),
			Handler: writeFile,
		},
		{
			Name:        "list_dir",
			Description: "List a directory inside the sandbox.",
			Schema:      stringArgs(nil, map[string]string{"path": "directory, defaults to the sandbox root"}),
			Handler:     listDir,
		},
		{
			Name:        "web_search",
			Description: "Search a small offline corpus.",
			Schema:      stringArgs([]string{"query"}, map[string]string{"query": "search query"}),
			Handler:     webSearch,
		},
		{
			Name:        "http_get",
			Description: "GET a URL and return the body as text.",
			Schema:      stringArgs([]string{"url"}, map[string]string{"url": "http or https URL"}),
			Handler:     httpGet(httpClient),
		},
	}
}

func calculator(_ context.Context, call Call) (string, error) {
	v, err := Evaluate(call.String("expression"))
	if err != nil {
		return "", err
	}
	return FormatNumber(v), nil
}

func readFile(ctx context.Context, call Call) (string, error) {
	path, err := call.Sandbox.Resolve(call.String("path"))
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", call.Sandbox.Rel(path), err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", call.Sandbox.Rel(path), err)
	}
	return string(data), nil
}

// writeFile holds the per-path lock for the whole write so two units
// targeting the same file never interleave; the rename keeps readers from
// seeing partial content.
func writeFile(ctx context.Context, call Call) (string, error) {
	path, err := call.Sandbox.Resolve(call.String("path"))
	if err != nil {
		return "", err
	}
	if path == call.Sandbox.Root() {
		return "", fmt.Errorf("%w: cannot write to the sandbox root", core.ErrPathViolation)
	}
	content := call.String("content")

	unlock := call.Locks.Lock(path)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	return fmt.Sprintf("wrote %d bytes to %s", len(content), call.Sandbox.Rel(path)), nil
}

func listDir(_ context.Context, call Call) (string, error) {
	rel := call.String("path")
	if rel == "" {
		rel = "."
	}
	path, err := call.Sandbox.Resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "[]", nil
		}
		return "", fmt.Errorf("list %s: %w", call.Sandbox.Rel(path), err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".write-") {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var searchCorpus = []struct {
	key, text string
}{
	{"capital of france", "Paris is the capital of France."},
	{"kimi agent", "Kimi Agent focuses on agent infrastructure and products."},
	{"react pattern", "ReAct = Reasoning + Acting with tool-use loops."},
	{"react", "ReAct = Reasoning + Acting with tool-use loops."},
	{"golang", "Go is a statically typed, compiled language designed at Google."},
}

// NoSearchResult is returned by web_search when nothing matches.
const NoSearchResult = "No result in local corpus."

func webSearch(_ context.Context, call Call) (string, error) {
	q := strings.ToLower(strings.TrimSpace(call.String("query")))
	if q == "" {
		return "", fmt.Errorf("%w: empty query", core.ErrInvalidArgs)
	}
	for _, entry := range searchCorpus {
		if strings.Contains(q, entry.key) {
			return entry.text, nil
		}
	}
	return NoSearchResult, nil
}

func httpGet(client *http.Client) Handler {
	return func(ctx context.Context, call Call) (string, error) {
		u, err := url.Parse(call.String("url"))
		if err != nil {
			return "", fmt.Errorf("%w: invalid url: %v", core.ErrInvalidArgs, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", core.ErrInvalidArgs, u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("%w: missing host", core.ErrInvalidArgs)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
		if err != nil {
			return "", err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("http status %d", resp.StatusCode)
		}

		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				return "", fmt.Errorf("decode json: %w", err)
			}
			compact, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(compact), nil
		}
		return string(body), nil
	}
}
