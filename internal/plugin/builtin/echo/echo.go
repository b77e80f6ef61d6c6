package echo

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	core "warden/internal/plugin"
)

// Name is the builtin entry name: manifests use "builtin:echo".
const Name = "echo"

type Config struct {
	Prefix string `json:"prefix"`
}

// Plugin answers three events. Each logs the transformed payload through
// the host and returns its length as the code.
type Plugin struct {
	mu   sync.RWMutex
	cfg  Config
	host *core.HostContext
	seen int
}

func New() core.Builtin { return &Plugin{} }

// Register adds the plugin to set.
func Register(set *core.BuiltinSet) { set.Register(Name, New) }

func (p *Plugin) Init(ctx context.Context, host *core.HostContext) error {
	p.mu.Lock()
	p.cfg = Config{Prefix: "echo: "}
	p.host = host
	p.mu.Unlock()

	for event, fn := range map[string]func([]byte) []byte{
		"echo":  func(b []byte) []byte { return b },
		"upper": bytes.ToUpper,
		"lower": bytes.ToLower,
	} {
		if err := host.Register(event, p.handle(fn)); err != nil {
			return err
		}
	}
	host.Log(core.LogInfo, "echo ready")
	return nil
}

func (p *Plugin) Teardown(ctx context.Context) error {
	p.mu.Lock()
	host, n := p.host, p.seen
	p.host = nil
	p.mu.Unlock()
	if host != nil {
		host.Log(core.LogDebug, fmt.Sprintf("echo stopped after %d events", n))
	}
	return nil
}

func (p *Plugin) handle(fn func([]byte) []byte) core.Callback {
	return func(ctx context.Context, payload []byte) (int, error) {
		p.mu.Lock()
		c, host := p.cfg, p.host
		p.seen++
		p.mu.Unlock()

		out := string(fn(payload))
		if strings.TrimSpace(out) == "" {
			out = "(empty)"
		}
		if host != nil {
			host.Log(core.LogInfo, c.Prefix+out)
		}
		return len(payload), nil
	}
}

// Seen reports how many events the plugin has handled.
func (p *Plugin) Seen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seen
}
