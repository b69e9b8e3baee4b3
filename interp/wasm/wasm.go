package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// EntryPoint is the function a plugin exports: run(ptr, len) -> (ptr, len).
// The host writes the input at offset 0 of the exported memory.
const EntryPoint = "run"

// MaxOutputBytes bounds what a plugin may hand back.
const MaxOutputBytes = 1 << 20

// Runner executes WebAssembly plugins in a shared wazero runtime. Compiled
// modules are cached by content hash; every call gets a fresh instance.
type Runner struct {
	runtime wazero.Runtime

	mu    sync.Mutex
	cache map[string]wazero.CompiledModule
}

// NewRunner creates a runtime limited to 64 pages (4MB) per module memory.
func NewRunner(ctx context.Context) *Runner {
	config := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(64).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, config)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	return &Runner{
		runtime: runtime,
		cache:   make(map[string]wazero.CompiledModule),
	}
}

// Run instantiates module and calls its entry point with input.
func (r *Runner) Run(ctx context.Context, module, input []byte) ([]byte, error) {
	compiled, key, err := r.compile(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	// Anonymous instances so concurrent calls never clash on module names.
	instance, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module %s: %w", key[:12], err)
	}
	defer instance.Close(ctx)

	run := instance.ExportedFunction(EntryPoint)
	if run == nil {
		return nil, fmt.Errorf("module does not export %q", EntryPoint)
	}

	ptr, size, err := writeInput(instance, input)
	if err != nil {
		return nil, err
	}

	results, err := run.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to call %s: %w", EntryPoint, err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("%s should return (ptr, size), got %d results", EntryPoint, len(results))
	}

	outPtr, outSize := uint32(results[0]), uint32(results[1])
	if outSize > MaxOutputBytes {
		return nil, fmt.Errorf("output of %d bytes exceeds limit", outSize)
	}
	out, ok := instance.Memory().Read(outPtr, outSize)
	if !ok {
		return nil, errors.New("output range is outside module memory")
	}
	// Memory is released on Close, so copy.
	return append([]byte(nil), out...), nil
}

func (r *Runner) compile(ctx context.Context, module []byte) (wazero.CompiledModule, string, error) {
	sum := sha256.Sum256(module)
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if compiled, ok := r.cache[key]; ok {
		return compiled, key, nil
	}
	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, key, err
	}
	r.cache[key] = compiled
	return compiled, key, nil
}

func writeInput(instance api.Module, input []byte) (uint32, uint32, error) {
	mem := instance.Memory()
	if mem == nil {
		return 0, 0, errors.New("module has no memory")
	}
	size := uint32(len(input))
	if uint64(size) > uint64(mem.Size()) {
		return 0, 0, fmt.Errorf("not enough memory: need %d bytes, have %d", size, mem.Size())
	}
	if !mem.Write(0, input) {
		return 0, 0, errors.New("failed to write to memory")
	}
	return 0, size, nil
}

// Close releases the runtime and every compiled module.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
