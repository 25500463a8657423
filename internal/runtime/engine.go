// Package runtime runs a wasm build of the call engine on wazero and exposes
// it as an ffi.Engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/atomic"

	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/internal/runtime/memory"
)

const (
	wasmPageSize = 65536
	// DefaultModuleName is the name the engine module is instantiated under.
	DefaultModuleName = "tring-engine"
)

// ErrClosed is returned by calls into an engine that was closed.
var ErrClosed = errors.New("wasm engine closed")

// Options configure a wasm engine.
type Options struct {
	Logger zerolog.Logger
	// MemoryLimitBytes caps the guest's linear memory. Zero keeps wazero's default.
	MemoryLimitBytes uint32
	// ModuleName overrides DefaultModuleName.
	ModuleName string
}

type callKey struct{}

// Engine is an ffi.Engine served by a wasm guest. Guest calls are serialized;
// calls made from inside a slot run on the goroutine that already holds the
// guest and skip the lock.
type Engine struct {
	log     zerolog.Logger
	runtime wazero.Runtime
	host    api.Module
	guest   api.Module
	mem     *memory.Manager

	mu        sync.Mutex
	callbacks atomic.Pointer[ffi.Callbacks]
	callLink  atomic.Pointer[ffi.CallLinkCallback]
	closed    atomic.Bool
}

var _ ffi.Engine = (*Engine)(nil)

// Load reads the engine build at path and instantiates it.
func Load(ctx context.Context, path string, opts Options) (*Engine, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read engine module: %w", err)
	}
	return New(ctx, wasm, opts)
}

// New compiles, validates and instantiates an engine build.
func New(ctx context.Context, wasm []byte, opts Options) (*Engine, error) {
	e := newEngine(ctx, opts)
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, fmt.Errorf("could not compile engine module: %w", err)
	}
	if err := checkExports(compiled); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, err
	}
	if err := e.instantiate(ctx, compiled, opts.ModuleName); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, err
	}
	return e, nil
}

func newEngine(ctx context.Context, opts Options) *Engine {
	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitBytes > 0 {
		pages := opts.MemoryLimitBytes / wasmPageSize
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	return &Engine{
		log:     opts.Logger,
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
	}
}

// instantiate brings up the host module, WASI when the guest needs it, then
// the guest itself and its memory.
func (e *Engine) instantiate(ctx context.Context, compiled wazero.CompiledModule, name string) error {
	host, err := e.registerHost(ctx)
	if err != nil {
		return fmt.Errorf("could not instantiate host module: %w", err)
	}
	e.host = host

	if importsModule(compiled, wasi_snapshot_preview1.ModuleName) {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return fmt.Errorf("could not instantiate wasi: %w", err)
		}
	}

	if name == "" {
		name = DefaultModuleName
	}
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize")
	guest, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return fmt.Errorf("could not instantiate engine module: %w", err)
	}
	e.guest = guest

	mem := guest.Memory()
	if mem == nil {
		return fmt.Errorf("engine module has no memory")
	}
	var alloc memory.Allocator
	if hasAllocator(guest) {
		alloc = memory.NewGuestAllocator(e.callExport, exportMalloc, exportFree)
	} else {
		alloc = memory.NewBumpAllocator(mem, mem.Size())
	}
	e.mem = memory.New(mem, alloc)

	e.log.Info().
		Str("module", name).
		Uint32("memory", mem.Size()).
		Bool("guest_allocator", hasAllocator(guest)).
		Msg("wasm engine instantiated")
	return nil
}

// enter acquires the guest. A ctx that already carries this engine comes from
// one of its slots, on the goroutine that holds the guest.
func (e *Engine) enter(ctx context.Context) (context.Context, func()) {
	if e.reentrant(ctx) {
		return ctx, func() {}
	}
	e.mu.Lock()
	return context.WithValue(ctx, callKey{}, e), e.mu.Unlock
}

// reentrant reports whether ctx belongs to a call currently executing in e.
func (e *Engine) reentrant(ctx context.Context) bool {
	return ctx.Value(callKey{}) == e
}

func (e *Engine) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	ctx, leave := e.enter(ctx)
	defer leave()

	// a fresh api.Function per call keeps reentrant calls on separate stacks
	fn := e.guest.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("engine module does not export %s", name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return results, nil
}

// callExport serves the guest allocator, which has no ctx to carry.
func (e *Engine) callExport(name string, params ...uint64) ([]uint64, error) {
	return e.call(context.Background(), name, params...)
}

func (e *Engine) callResult(ctx context.Context, name string, params ...uint64) (int64, error) {
	results, err := e.call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("%s returned %d values", name, len(results))
	}
	return int64(results[0]), nil
}

func (e *Engine) Memory() ffi.Memory { return e.mem }

// Close tears down the guest and the runtime.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.callbacks.Store(nil)
	e.callLink.Store(nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime.Close(context.Background())
}
