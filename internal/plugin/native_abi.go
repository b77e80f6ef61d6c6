//go:build (darwin || linux) && (amd64 || arm64)

package plugin

// This file is the only place that touches raw pointers crossing the native
// plugin boundary. Everything it exports to the rest of the package is a
// plain Go value.

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// cContext mirrors the struct handed to warden_plugin_init:
//
//	typedef int32_t (*warden_cb)(struct warden_ctx *, const uint8_t *payload, size_t len);
//	typedef struct warden_ctx {
//	    const char *api_version;
//	    uintptr_t   host_data;
//	    int32_t   (*register_callback)(struct warden_ctx *, const char *event, warden_cb cb);
//	    void      (*log)(struct warden_ctx *, int32_t level, const char *msg);
//	} warden_ctx;
type cContext struct {
	apiVersion       *byte
	hostData         uintptr
	registerCallback uintptr
	log              uintptr
}

// abiSink receives the calls a plugin makes through its context.
type abiSink interface {
	register(event string, fn uintptr) int32
	log(level int32, msg string)
}

const maxCString = 64 << 10

var (
	abiSinks sync.Map // host_data handle -> abiSink
	abiNext  atomic.Uintptr

	trampOnce     sync.Once
	registerTramp uintptr
	logTramp      uintptr
)

// trampolines are created once; purego callbacks cannot be freed.
func trampolines() (uintptr, uintptr) {
	trampOnce.Do(func() {
		registerTramp = purego.NewCallback(func(ctx, event, fn uintptr) uintptr {
			s, ok := sinkFor(ctx)
			if !ok || fn == 0 {
				return 1
			}
			return uintptr(uint32(s.register(cString(event), fn)))
		})
		logTramp = purego.NewCallback(func(ctx, level, msg uintptr) uintptr {
			if s, ok := sinkFor(ctx); ok {
				s.log(int32(level), cString(msg))
			}
			return 0
		})
	})
	return registerTramp, logTramp
}

// abiContext is a pinned, C-visible context bound to one sink.
type abiContext struct {
	pin    runtime.Pinner
	c      *cContext
	ver    []byte
	handle uintptr
}

func newABIContext(apiVersion string, sink abiSink) *abiContext {
	reg, lg := trampolines()
	a := &abiContext{ver: append([]byte(apiVersion), 0), handle: abiNext.Add(1)}
	a.c = &cContext{apiVersion: &a.ver[0], hostData: a.handle, registerCallback: reg, log: lg}
	a.pin.Pin(a.c)
	a.pin.Pin(&a.ver[0])
	abiSinks.Store(a.handle, sink)
	return a
}

func (a *abiContext) ptr() uintptr { return uintptr(unsafe.Pointer(a.c)) }

// release detaches the sink; calls through a stale context become no-ops.
func (a *abiContext) release() {
	abiSinks.Delete(a.handle)
	a.pin.Unpin()
}

func sinkFor(ctx uintptr) (abiSink, bool) {
	if ctx == 0 {
		return nil, false
	}
	c := (*cContext)(unsafe.Pointer(ctx))
	v, ok := abiSinks.Load(c.hostData)
	if !ok {
		return nil, false
	}
	return v.(abiSink), true
}

func cString(p uintptr) string {
	if p == 0 {
		return ""
	}
	base := unsafe.Pointer(p)
	n := 0
	for n < maxCString && *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}

// callExport invokes int32 fn(warden_ctx *).
func callExport(fn, ctx uintptr) int32 {
	r, _, _ := purego.SyscallN(fn, ctx)
	return int32(r)
}

// callCallback invokes a registered warden_cb with payload pinned for the call.
func callCallback(fn, ctx uintptr, payload []byte) int32 {
	var (
		pin runtime.Pinner
		p   uintptr
	)
	if len(payload) > 0 {
		pin.Pin(&payload[0])
		p = uintptr(unsafe.Pointer(&payload[0]))
	}
	defer pin.Unpin()
	r, _, _ := purego.SyscallN(fn, ctx, p, uintptr(len(payload)))
	return int32(r)
}
