package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "warden/pkg/logx"
)

const (
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	debounceFor      = 250 * time.Millisecond
)

// ConfigManager owns the committed config. Watch follows the config file
// and the trust files it names (revocation list, trusted roots).
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // editors often emit several writes per save
	onTrust  func(*Config)
	validate func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex // publish never sends on a channel being closed
	subs   []chan *Config

	rewatch chan struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), rewatch: make(chan struct{}, 1)}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log.OrNop() }

// SetValidator adds a check that a reloaded config must pass before commit.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// OnTrustChange is called with the committed config when a watched trust
// file changes on disk.
func (m *ConfigManager) OnTrustChange(fn func(*Config)) {
	m.mu.Lock()
	m.onTrust = fn
	m.mu.Unlock()
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	prev := m.cfg
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()

	if prev != nil && !slices.Equal(trustFiles(prev), trustFiles(cfg)) {
		select {
		case m.rewatch <- struct{}{}:
		default:
		}
	}
}

// Load parses, validates and commits the config file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish keeps the newest config: a full subscriber loses its oldest entry.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// reload commits and publishes the file if it changed and validates.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.RLock()
	unchanged := hashConfig(cfg) == m.lastHash
	validate := m.validate
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config file changed", logx.String("path", m.path))
}

func (m *ConfigManager) trustChanged() {
	m.mu.RLock()
	fn, cfg := m.onTrust, m.cfg
	m.mu.RUnlock()
	if fn != nil && cfg != nil {
		m.log.Info("trust files changed", logx.Strings("files", trustFiles(cfg)))
		fn(cfg)
	}
}

// trustFiles lists the absolute trust material paths named by cfg.
func trustFiles(cfg *Config) []string {
	var out []string
	add := func(p string) {
		if p = strings.TrimSpace(p); p == "" {
			return
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, filepath.Clean(p))
	}
	add(cfg.Signature.RevocationList)
	for _, r := range cfg.Signature.TrustedRoots {
		add(r)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// debouncer runs fn once a burst of calls has been quiet for debounceFor.
type debouncer struct {
	mu sync.Mutex
	t  *time.Timer
	fn func()
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(debounceFor, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// Watch reloads on file changes until ctx is done. A broken watcher is
// recreated with jittered backoff; a config that names different trust
// files recreates it at once.
func (m *ConfigManager) Watch(ctx context.Context) error {
	cfgFile, err := filepath.Abs(m.path)
	if err != nil {
		cfgFile = m.path
	}
	reload := &debouncer{fn: func() { m.reload(ctx) }}
	trust := &debouncer{fn: m.trustChanged}
	defer reload.stop()
	defer trust.stop()

	backoff := watchBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		var files []string
		if cfg := m.Get(); cfg != nil {
			files = trustFiles(cfg)
		}
		w, err := newWatcher(cfgFile, files)
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("path", cfgFile), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		backoff = watchBackoffBase
		m.log.Debug("config watcher started", logx.String("path", cfgFile), logx.Int("trust_files", len(files)))

		broken := m.watchLoop(ctx, w, cfgFile, files, reload, trust)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if broken {
			m.log.Warn("config watcher stopped; restarting", logx.String("path", cfgFile))
			if !sleep() {
				return nil
			}
		}
	}
	return nil
}

// newWatcher watches the parent directories so editors that replace files
// by rename are still seen. Missing trust file directories are skipped.
func newWatcher(cfgFile string, trust []string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(cfgFile)); err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, f := range trust {
		dir := filepath.Dir(f)
		if dir == filepath.Dir(cfgFile) {
			continue
		}
		_ = w.Add(dir)
	}
	return w, nil
}

// watchLoop returns true when the watcher broke, false on cancel or rewatch.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, cfgFile string, trust []string, reload, trustD *debouncer) bool {
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.rewatch:
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if ev.Op&interesting == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			switch {
			case samePath(name, cfgFile):
				reload.poke()
			case slices.ContainsFunc(trust, func(f string) bool { return samePath(name, f) }):
				trustD.poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				reload.poke()
				trustD.poke()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

func samePath(a, b string) bool {
	if abs, err := filepath.Abs(a); err == nil {
		a = abs
	}
	return a == b
}
