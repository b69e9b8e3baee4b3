package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/interp/wasm"
)

const maxModuleBytes = 8 << 20

// WasmCapability runs a WebAssembly plugin. The module argument is either a
// bundled plugin name ("echo") or a .wasm path inside the sandbox.
func WasmCapability(runner *wasm.Runner) *Capability {
	return &Capability{
		Name:        "wasm_run",
		Description: "Run a WebAssembly plugin on a text input and return its output.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"module": {Type: "string", Description: "bundled plugin name or .wasm path in the sandbox"},
				"input":  {Type: "string", Description: "plugin input"},
			},
			Required: []string{"module"},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			name := call.String("module")
			module, err := loadModule(call.Sandbox, name)
			if err != nil {
				return "", err
			}
			out, err := runner.Run(ctx, module, []byte(call.String("input")))
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

func loadModule(sb *Sandbox, name string) ([]byte, error) {
	if b, ok := wasm.Builtin(name); ok {
		return b, nil
	}
	if !strings.HasSuffix(strings.ToLower(name), ".wasm") {
		return nil, fmt.Errorf("%w: unknown plugin %q", core.ErrInvalidArgs, name)
	}
	path, err := sb.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", sb.Rel(path), err)
	}
	if info.Size() > maxModuleBytes {
		return nil, fmt.Errorf("module %s is larger than %d bytes", sb.Rel(path), maxModuleBytes)
	}
	return os.ReadFile(path)
}
