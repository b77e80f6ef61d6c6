//go:build (darwin || linux) && (amd64 || arm64)

package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"

	logx "warden/pkg/logx"
)

const (
	nativeInit     = "warden_plugin_init"
	nativeTeardown = "warden_plugin_teardown"
)

// NativeLinker loads shared libraries with dlopen. Both exports take a
// warden_ctx pointer and return 0 on success.
type NativeLinker struct {
	log logx.Logger
}

func NewNativeLinker(log logx.Logger) *NativeLinker {
	return &NativeLinker{log: log.OrNop().With(logx.String("comp", "native"))}
}

func (l *NativeLinker) Link(_ context.Context, dir string, m Manifest) (Module, error) {
	path := filepath.Join(dir, filepath.FromSlash(m.Entry))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	initFn, err1 := purego.Dlsym(lib, nativeInit)
	teardownFn, err2 := purego.Dlsym(lib, nativeTeardown)
	if err1 != nil || err2 != nil || initFn == 0 || teardownFn == 0 {
		_ = purego.Dlclose(lib)
		missing := nativeInit
		if err1 == nil && initFn != 0 {
			missing = nativeTeardown
		}
		return nil, fmt.Errorf("%w: %s in %s", ErrMissingExport, missing, m.Entry)
	}
	l.log.Debug("native library loaded", logx.String("path", path))
	return &nativeModule{lib: lib, initFn: initFn, teardownFn: teardownFn}, nil
}

type nativeModule struct {
	lib        uintptr
	initFn     uintptr
	teardownFn uintptr

	mu   sync.Mutex
	abi  *abiContext
	host *HostContext
}

func (n *nativeModule) Init(_ context.Context, host *HostContext) error {
	n.mu.Lock()
	n.host = host
	n.abi = newABIContext(host.APIVersion, n)
	ctx := n.abi.ptr()
	n.mu.Unlock()

	if code := callExport(n.initFn, ctx); code != 0 {
		return initError(nativeInit, int(code))
	}
	return nil
}

func (n *nativeModule) Teardown(context.Context) error {
	n.mu.Lock()
	abi := n.abi
	n.mu.Unlock()
	if abi == nil {
		return nil
	}
	if code := callExport(n.teardownFn, abi.ptr()); code != 0 {
		return teardownError(nativeTeardown, int(code))
	}
	return nil
}

func (n *nativeModule) Close(context.Context) error {
	n.mu.Lock()
	abi := n.abi
	n.abi, n.host = nil, nil
	n.mu.Unlock()
	if abi != nil {
		abi.release()
	}
	return purego.Dlclose(n.lib)
}

func (n *nativeModule) register(event string, fn uintptr) int32 {
	n.mu.Lock()
	host, abi := n.host, n.abi
	n.mu.Unlock()
	if host == nil || abi == nil {
		return 1
	}
	err := host.Register(event, func(_ context.Context, payload []byte) (int, error) {
		return int(callCallback(fn, abi.ptr(), payload)), nil
	})
	if err != nil {
		return 2
	}
	return 0
}

func (n *nativeModule) log(level int32, msg string) {
	n.mu.Lock()
	host := n.host
	n.mu.Unlock()
	if host != nil {
		host.Log(int(level), msg)
	}
}
