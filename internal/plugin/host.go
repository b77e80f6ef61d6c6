package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "warden/pkg/logx"
)

// Callback handles one named event. The int is the plugin's return code.
type Callback func(ctx context.Context, payload []byte) (int, error)

// HostContext is everything a plugin can reach in the host: the API version,
// an opaque data slot, callback registration and logging. One is created per
// enable and released with the module.
type HostContext struct {
	APIVersion string
	PluginID   string
	// HostData is opaque to the host; plugins may keep state here.
	HostData any

	log logx.Logger

	mu        sync.RWMutex
	callbacks map[string]Callback
	closed    bool
}

// Plugin log lines beyond this rate are dropped.
const (
	pluginLogRate  = 50
	pluginLogBurst = 200
)

func NewHostContext(pluginID string, log logx.Logger) *HostContext {
	return &HostContext{
		APIVersion: APIVersion,
		PluginID:   pluginID,
		log:        log.OrNop().With(logx.Plugin(pluginID), logx.String("src", "plugin")).Throttled(pluginLogRate, pluginLogBurst),
		callbacks:  map[string]Callback{},
	}
}

// Register binds cb to event, replacing any earlier registration.
func (h *HostContext) Register(event string, cb Callback) error {
	event = strings.TrimSpace(event)
	if event == "" || cb == nil {
		return fmt.Errorf("register callback: empty event or nil callback")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("register callback %q: context released", event)
	}
	h.callbacks[event] = cb
	return nil
}

// Plugin log levels, as passed through the ABI.
const (
	LogTrace = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

func (h *HostContext) Log(level int, msg string) {
	lv := logx.LevelInfo
	switch {
	case level <= LogTrace:
		lv = logx.LevelTrace
	case level == LogDebug:
		lv = logx.LevelDebug
	case level == LogWarn:
		lv = logx.LevelWarn
	case level >= LogError:
		lv = logx.LevelError
	}
	h.log.Log(lv, msg)
}

// Events lists registered event names.
func (h *HostContext) Events() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.callbacks))
	for e := range h.callbacks {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (h *HostContext) callback(event string) (Callback, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cb, ok := h.callbacks[event]
	return cb, ok && !h.closed
}

// release drops every callback. Later registrations fail.
func (h *HostContext) release() {
	h.mu.Lock()
	h.closed = true
	h.callbacks = map[string]Callback{}
	h.mu.Unlock()
}
