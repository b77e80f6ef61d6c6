package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"warden/internal/sandbox"
	logx "warden/pkg/logx"
)

// Wasm exports and the host module plugins import from.
const (
	wasmInit     = "plugin_init"
	wasmTeardown = "plugin_teardown"
	wasmAlloc    = "allocate"
	wasmHost     = "warden"
	// wasmCtx is the context handle passed to every export. Each plugin gets
	// its own runtime, so one value suffices.
	wasmCtx = 1
)

// WasmLinker loads WebAssembly plugins, one wazero runtime per plugin.
//
// Guest ABI:
//
//	export plugin_init(ctx i32) i32
//	export plugin_teardown(ctx i32) i32
//	export allocate(size i32) i32                  ; needed for event payloads
//	import warden.register_callback(ctx, event_ptr, event_len, export_ptr, export_len i32) i32
//	import warden.log(ctx, level, msg_ptr, msg_len i32)
//
// A registered export has the signature (ctx, payload_ptr, payload_len i32) i32.
type WasmLinker struct {
	log         logx.Logger
	memoryPages uint32
}

// NewWasmLinker caps guest memory at memoryPages 64KiB pages; zero keeps
// the wazero default.
func NewWasmLinker(log logx.Logger, memoryPages uint32) *WasmLinker {
	return &WasmLinker{log: log.OrNop().With(logx.String("comp", "wasm")), memoryPages: memoryPages}
}

func (l *WasmLinker) Link(ctx context.Context, dir string, m Manifest) (Module, error) {
	return l.LinkLimited(ctx, dir, m, nil)
}

// LinkLimited also caps guest memory at the hard memory limit when that
// limit acts on a breach.
func (l *WasmLinker) LinkLimited(ctx context.Context, dir string, m Manifest, limits sandbox.Limits) (Module, error) {
	code, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(m.Entry)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages := l.pagesFor(limits); pages > 0 {
		l.log.Debug("guest memory capped", logx.String("plugin", m.Name), logx.Int64("pages", int64(pages)))
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	w := &wasmModule{rt: rt}
	fail := func(kind error, err error) (Module, error) {
		_ = rt.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: %v", kind, err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(ErrLoadFailed, err)
	}
	_, err = rt.NewHostModuleBuilder(wasmHost).
		NewFunctionBuilder().WithFunc(w.registerCallback).Export("register_callback").
		NewFunctionBuilder().WithFunc(w.logMessage).Export("log").
		Instantiate(ctx)
	if err != nil {
		return fail(ErrLoadFailed, err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return fail(ErrLoadFailed, err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{wasmInit, wasmTeardown} {
		if _, ok := exports[name]; !ok {
			return fail(ErrMissingExport, fmt.Errorf("%s in %s", name, m.Entry))
		}
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(m.Name).
		WithStartFunctions("_initialize"))
	if err != nil {
		return fail(ErrLoadFailed, err)
	}
	w.mod = mod
	return w, nil
}

const (
	wasmPageSize = 64 << 10
	wasmMaxPages = 65536
)

// pagesFor is the tighter of the linker cap and the memory limit, in pages.
func (l *WasmLinker) pagesFor(limits sandbox.Limits) uint32 {
	pages := l.memoryPages
	lim, ok := limits[sandbox.Memory]
	if !ok || lim.Hard <= 0 || lim.Action == sandbox.ActionWarn {
		return pages
	}
	n := uint32(wasmMaxPages)
	if lim.Hard < wasmMaxPages*wasmPageSize {
		n = max(1, uint32(lim.Hard/wasmPageSize))
	}
	if pages == 0 || n < pages {
		pages = n
	}
	return pages
}

type wasmModule struct {
	rt   wazero.Runtime
	mod  api.Module
	host atomic.Pointer[HostContext]
	// mu serializes guest calls; an instance is single threaded.
	mu sync.Mutex
}

func (w *wasmModule) call(ctx context.Context, name string, args ...uint64) (int, error) {
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return int(int32(uint32(res[0]))), nil
}

func (w *wasmModule) Init(ctx context.Context, host *HostContext) error {
	w.host.Store(host)
	w.mu.Lock()
	defer w.mu.Unlock()
	code, err := w.call(ctx, wasmInit, wasmCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if code != 0 {
		return initError(wasmInit, code)
	}
	return nil
}

func (w *wasmModule) Teardown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	code, err := w.call(ctx, wasmTeardown, wasmCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
	}
	if code != 0 {
		return teardownError(wasmTeardown, code)
	}
	return nil
}

func (w *wasmModule) Close(ctx context.Context) error {
	w.host.Store(nil)
	return w.rt.Close(ctx)
}

func readGuest(mod api.Module, ptr, n uint32) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return "", false
	}
	return string(b), true
}

func (w *wasmModule) registerCallback(_ context.Context, mod api.Module, _, evPtr, evLen, fnPtr, fnLen uint32) uint32 {
	h := w.host.Load()
	if h == nil {
		return 1
	}
	event, ok1 := readGuest(mod, evPtr, evLen)
	export, ok2 := readGuest(mod, fnPtr, fnLen)
	if !ok1 || !ok2 {
		return 2
	}
	if mod.ExportedFunction(export) == nil {
		return 3
	}
	if err := h.Register(event, w.callback(export)); err != nil {
		return 4
	}
	return 0
}

func (w *wasmModule) logMessage(_ context.Context, mod api.Module, _, level, ptr, n uint32) {
	h := w.host.Load()
	if h == nil {
		return
	}
	if msg, ok := readGuest(mod, ptr, n); ok {
		h.Log(int(int32(level)), msg)
	}
}

func (w *wasmModule) callback(export string) Callback {
	return func(ctx context.Context, payload []byte) (int, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		var ptr uint64
		if len(payload) > 0 {
			if w.mod.ExportedFunction(wasmAlloc) == nil || w.mod.Memory() == nil {
				return 0, fmt.Errorf("%w: %s (needed for payloads)", ErrMissingExport, wasmAlloc)
			}
			p, err := w.call(ctx, wasmAlloc, uint64(len(payload)))
			if err != nil {
				return 0, err
			}
			if !w.mod.Memory().Write(uint32(p), payload) {
				return 0, fmt.Errorf("payload of %d bytes does not fit guest memory", len(payload))
			}
			ptr = uint64(uint32(p))
		}
		return w.call(ctx, export, wasmCtx, ptr, uint64(len(payload)))
	}
}
