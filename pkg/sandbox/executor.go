package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Executor is the narrow capability interface spec.md §9 calls out: the
// supervisor depends only on this, not on wasm specifically, so a stdio
// child, an in-process wasm instance, or a remote process can all stand in.
type Executor interface {
	Call(ctx context.Context, framed []byte) ([]byte, error)
	Alive() bool
	Kill() error
}

// WasmExecutor runs one wasm module instantiation per Call, reusing a
// shared compiled module and runtime. Each call gets a fresh instance so
// guest memory from one call never leaks into the next, following the
// teacher's WASISandbox.Run pattern of compile-once, instantiate-per-call.
// The "aeon" host module (get_dna, net_skill, read_range, replace_block,
// write_file, spawn_cell) is registered once against env, since one
// executor always serves the same cell's mandate for its whole lifetime —
// a new mandate means a new Supervisor, not a swapped HostEnv.
type WasmExecutor struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	wasmPath string
	alive    bool
}

// NewWasmExecutor compiles wasmPath once; Call then instantiates fresh
// modules against the shared compiled bytecode.
func NewWasmExecutor(ctx context.Context, wasmPath string, env *HostEnv) (*WasmExecutor, error) {
	runtimeConfig := wazero.NewRuntimeConfig()
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}

	if _, err := BuildHostModule(rt, env).Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate aeon host module: %w", err)
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: read wasm module %s: %w", wasmPath, err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: compile wasm module: %w", err)
	}

	return &WasmExecutor{
		runtime:  rt,
		compiled: compiled,
		wasmPath: wasmPath,
		alive:    true,
	}, nil
}

// Call instantiates a fresh module, writes the framed request to its
// stdin, and reads exactly one framed reply from its stdout. The module is
// expected to speak the same Content-Length framing the host uses on its
// own pipes (spec.md §4.2).
func (e *WasmExecutor) Call(ctx context.Context, framed []byte) ([]byte, error) {
	if !e.alive {
		return nil, fmt.Errorf("sandbox: executor is dead")
	}

	var stdin bytes.Buffer
	if err := WriteFrame(&stdin, framed); err != nil {
		return nil, fmt.Errorf("sandbox: frame request: %w", err)
	}
	var stdout bytes.Buffer

	cfg := wazero.NewModuleConfig().
		WithStdin(&stdin).
		WithStdout(&stdout).
		WithStderr(os.Stderr).
		WithStartFunctions("_start")

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		e.alive = false
		return nil, fmt.Errorf("sandbox: instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	return ReadFrame(bufio.NewReader(&stdout))
}

func (e *WasmExecutor) Alive() bool { return e.alive }

func (e *WasmExecutor) Kill() error {
	e.alive = false
	return e.runtime.Close(context.Background())
}
