package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gosimple/slug"

	"warden/internal/errs"
	"warden/internal/eventbus"
	"warden/internal/permission"
	"warden/internal/runtime/keyed"
	"warden/internal/sandbox"
	"warden/internal/signature"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

const RegistryFile = "registry.json"

type pluginEvent struct {
	Plugin  string `json:"plugin"`
	Version string `json:"version,omitempty"`
	Status  Status `json:"status,omitempty"`
	From    string `json:"from,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Err     string `json:"err,omitempty"`
	TookMS  int64  `json:"took_ms,omitempty"`
}

// Policy holds the loader settings that may change on config reload.
type Policy struct {
	RequireSignature bool
	TrustLevel       signature.TrustLevel
	// CallTimeout bounds init and teardown for runtimes that honour contexts.
	CallTimeout time.Duration
	Limits      func(id string) sandbox.Limits
	Autostart   func(id string) bool
}

func (p Policy) limits(id string) sandbox.Limits {
	if p.Limits == nil {
		return nil
	}
	return p.Limits(id)
}

func (p Policy) autostart(id string) bool { return p.Autostart == nil || p.Autostart(id) }

// Manager owns the plugin registry and the running-plugin table.
//
// Operations on one plugin id are serialized by a keyed lock. The registry
// lock is always taken before runMu. Neither is held while plugin code runs.
type Manager struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	perms    *permission.Manager
	sandbox  *sandbox.Sandbox
	verifier *signature.Verifier
	procs    ProcessProvider
	linkers  map[Runtime]Linker
	clock    func() time.Time

	dir   string
	reg   *Registry
	locks keyed.Mutex

	polMu sync.RWMutex
	pol   Policy

	runMu   sync.RWMutex
	running map[string]*instance

	// bgMu orders bg.Add against Close's Wait; nothing is added once closed.
	bgMu   sync.Mutex
	closed bool
	bg     sync.WaitGroup

	// testHookAfterBackup runs in Update right after the old install moved aside.
	testHookAfterBackup func() error
}

type instance struct {
	module    Module
	host      *HostContext
	sandboxID string
	pid       int
	token     permission.Token
	started   time.Time
	// calls is read-held by every in-flight event; stop takes it exclusively.
	calls sync.RWMutex
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option            { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option              { return func(m *Manager) { m.bus = bus } }
func WithStore(s storage.Store) Option             { return func(m *Manager) { m.store = s } }
func WithPermissions(p *permission.Manager) Option { return func(m *Manager) { m.perms = p } }
func WithSandbox(s *sandbox.Sandbox) Option        { return func(m *Manager) { m.sandbox = s } }
func WithVerifier(v *signature.Verifier) Option    { return func(m *Manager) { m.verifier = v } }
func WithProcessProvider(p ProcessProvider) Option { return func(m *Manager) { m.procs = p } }
func WithPolicy(p Policy) Option                   { return func(m *Manager) { m.pol = p } }
func WithClock(now func() time.Time) Option        { return func(m *Manager) { m.clock = now } }
func WithLinker(rt Runtime, l Linker) Option       { return func(m *Manager) { m.linkers[rt] = l } }
func WithBuiltins(set *BuiltinSet) Option          { return WithLinker(RuntimeBuiltin, set) }
func withBackupHook(fn func() error) Option        { return func(m *Manager) { m.testHookAfterBackup = fn } }

// Open creates the install directory if needed and loads the registry.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		bus:     eventbus.Nop{},
		clock:   time.Now,
		dir:     dir,
		reg:     NewRegistry(filepath.Join(dir, RegistryFile)),
		linkers: map[Runtime]Linker{},
		running: map[string]*instance{},
		procs:   SelfProcess{},
		pol:     Policy{RequireSignature: true, TrustLevel: signature.TrustBasic},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.OrNop().With(logx.String("comp", "plugins"))
	if m.store == nil {
		m.store = storage.NewMemory()
	}
	if m.perms == nil {
		m.perms = permission.NewManager(m.store, permission.WithLogger(m.log), permission.WithBus(m.bus))
	}
	if m.sandbox == nil {
		m.sandbox = sandbox.New(sandbox.WithLogger(m.log), sandbox.WithBus(m.bus))
	}
	if m.verifier == nil {
		m.verifier = signature.NewVerifier(signature.WithLogger(m.log))
	}
	if _, ok := m.linkers[RuntimeNative]; !ok {
		m.linkers[RuntimeNative] = NewNativeLinker(m.log)
	}
	if _, ok := m.linkers[RuntimeWasm]; !ok {
		m.linkers[RuntimeWasm] = NewWasmLinker(m.log, 0)
	}
	if _, ok := m.linkers[RuntimeBuiltin]; !ok {
		m.linkers[RuntimeBuiltin] = NewBuiltinSet()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.E(errs.KindIO, "open plugins dir", err)
	}
	if err := m.reg.Load(); err != nil {
		return nil, errs.E(errs.KindRegistry, "load registry", err)
	}
	m.sandbox.SetTerminateHook(m.onSandboxEnded)
	m.log.Info("plugin registry loaded", logx.String("dir", dir), logx.Int("plugins", len(m.reg.List())))
	return m, nil
}

func (m *Manager) SetPolicy(p Policy) {
	m.polMu.Lock()
	m.pol = p
	m.polMu.Unlock()
}

func (m *Manager) policy() Policy {
	m.polMu.RLock()
	defer m.polMu.RUnlock()
	return m.pol
}

func (m *Manager) Registry() *Registry { return m.reg }

func (m *Manager) emit(typ string, data pluginEvent) {
	m.bus.Publish(eventbus.Event{Type: typ, Plugin: data.Plugin, Data: data})
}

func (m *Manager) audit(ctx context.Context, action, id string, start time.Time, err error, meta map[string]any) {
	e := storage.AuditEntry{
		At:     start.UTC(),
		Plugin: id,
		Action: action,
		Actor:  "host",
		OK:     err == nil,
		TookMS: m.clock().Sub(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, jerr := json.Marshal(meta); jerr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aerr := m.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		m.log.Debug("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := m.policy().CallTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) lock(ctx context.Context, op, id string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, errs.P(errs.KindRegistry, op, id, err)
	}
	return unlock, nil
}

func (m *Manager) instance(id string) *instance {
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	return m.running[id]
}

// ---- install ----

type staged struct {
	dir      string
	manifest Manifest
	sig      *signature.SignedPackageInfo
}

func (s *staged) cleanup() {
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}

// stage verifies src, extracts it next to the install root and validates
// its manifest. Nothing outside the staging directory is touched.
func (m *Manager) stage(op, src string) (*staged, error) {
	format, err := DetectFormat(src)
	if err != nil {
		if errors.Is(err, ErrPackage) {
			return nil, errs.E(errs.KindManifest, op, err)
		}
		return nil, errs.E(errs.KindIO, op, err)
	}
	sig, err := m.verify(op, src, format)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(m.dir, ".staging-")
	if err != nil {
		return nil, errs.E(errs.KindIO, op, err)
	}
	st := &staged{dir: dir, sig: sig}
	fail := func(err error) (*staged, error) {
		st.cleanup()
		return nil, err
	}

	if err := Extract(src, dir); err != nil {
		kind := errs.KindIO
		if errors.Is(err, ErrPackage) {
			kind = errs.KindManifest
		}
		return fail(errs.E(kind, op, err))
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return fail(errs.E(errs.KindManifest, op, fmt.Errorf("%w: %s not found in package", ErrManifest, ManifestFile)))
	}
	man, err := ParseManifest(data)
	if err != nil {
		return fail(err)
	}
	if err := permission.Validate(man.Permissions); err != nil {
		return fail(errs.E(errs.KindPermission, op, err))
	}
	if man.Runtime != RuntimeBuiltin {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(man.Entry))); err != nil {
			return fail(errs.E(errs.KindManifest, op, fmt.Errorf("%w: entry %q not found in package", ErrManifest, man.Entry)))
		}
	}
	st.manifest = man
	return st, nil
}

// verify checks src against <src>.sig. Unsigned packages pass only when
// signatures are optional.
func (m *Manager) verify(op, src string, format PackageFormat) (*signature.SignedPackageInfo, error) {
	pol := m.policy()
	bundle := src + ".sig"
	_, statErr := os.Stat(bundle)
	switch {
	case format == FormatDir && pol.RequireSignature:
		return nil, errs.E(errs.KindSignature, op, fmt.Errorf("%w: directory packages cannot be signed", ErrUnsigned))
	case format == FormatDir:
		m.log.Warn("installing unsigned directory package", logx.String("source", src))
		return nil, nil
	case statErr != nil && pol.RequireSignature:
		return nil, errs.E(errs.KindSignature, op, fmt.Errorf("%w: %s not found", ErrUnsigned, filepath.Base(bundle)))
	case statErr != nil:
		m.log.Warn("installing unsigned package", logx.String("source", src))
		return nil, nil
	}

	res, err := m.verifier.VerifyFile(src, bundle, pol.TrustLevel)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, errs.E(errs.KindSignature, op, fmt.Errorf("%w: %s: %s", ErrUntrusted, res.Verdict, res.Reason))
	}
	m.log.Info("package signature verified",
		logx.String("source", src),
		logx.String("signer", res.Package.Subject),
		logx.String("thumbprint", res.Package.Thumbprint),
	)
	return &res.Package, nil
}

func (m *Manager) installPath(id string) string { return filepath.Join(m.dir, id) }

// Install verifies, extracts and registers the package at src. The plugin
// is persisted Disabled.
func (m *Manager) Install(ctx context.Context, src string) (Record, error) {
	start := m.clock()
	rec, sig, err := m.install(ctx, src)
	meta := map[string]any{"source": src}
	if sig != nil {
		meta["signature"] = sig
	}
	m.audit(ctx, "install", rec.ID, start, err, meta)
	return rec, err
}

func (m *Manager) install(ctx context.Context, src string) (Record, *signature.SignedPackageInfo, error) {
	const op = "install"
	st, err := m.stage(op, src)
	if err != nil {
		return Record{}, nil, err
	}
	defer st.cleanup()

	id := DeriveID(st.manifest.Name, st.manifest.Version)
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return Record{}, st.sig, err
	}
	defer unlock()

	if _, ok := m.reg.Get(id); ok {
		return Record{}, st.sig, errs.P(errs.KindRegistry, op, id, ErrAlreadyInstalled)
	}
	dst := m.installPath(id)
	if err := os.RemoveAll(dst); err != nil {
		return Record{}, st.sig, errs.P(errs.KindIO, op, id, err)
	}
	if err := os.Rename(st.dir, dst); err != nil {
		return Record{}, st.sig, errs.P(errs.KindIO, op, id, err)
	}
	st.dir = ""

	rec := Record{
		ID:          id,
		Manifest:    st.manifest,
		InstallPath: dst,
		Status:      StatusDisabled,
		InstalledAt: m.clock().UTC(),
	}
	if err := m.reg.Put(rec); err != nil {
		_ = os.RemoveAll(dst)
		return Record{}, st.sig, errs.P(errs.KindIO, op, id, err)
	}
	m.log.Info("plugin installed", logx.Plugin(id), logx.String("version", rec.Version), logx.String("runtime", string(rec.Runtime)))
	m.emit(eventbus.PluginInstalled, pluginEvent{Plugin: id, Version: rec.Version, Status: StatusInstalled})
	return rec, st.sig, nil
}

// ---- enable / disable ----

// Enable links, authorizes, contains and initializes the plugin. Enabling a
// running plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, id string) (Record, error) {
	start := m.clock()
	unlock, err := m.lock(ctx, "enable", id)
	if err != nil {
		return Record{}, err
	}
	rec, err := m.enableLocked(ctx, id)
	unlock()
	m.audit(ctx, "enable", id, start, err, nil)
	return rec, err
}

func (m *Manager) enableLocked(ctx context.Context, id string) (Record, error) {
	const op = "enable"
	rec, ok := m.reg.Get(id)
	if !ok {
		return Record{}, errs.P(errs.KindRegistry, op, id, ErrNotFound)
	}
	if m.instance(id) != nil {
		return rec, nil
	}
	if rec.Status == StatusIncompatible {
		return rec, errs.P(errs.KindRegistry, op, id, fmt.Errorf("%w: %s", ErrIncompatible, rec.Reason))
	}
	start := m.clock()

	linker, ok := m.linkers[rec.Runtime]
	if !ok {
		return m.fail(rec, op, StatusIncompatible, errs.KindLoad, fmt.Errorf("%w: runtime %q", ErrUnsupportedRuntime, rec.Runtime))
	}
	pol := m.policy()
	limits := pol.limits(id)
	var mod Module
	err := m.safeCall("link."+id, func() (err error) {
		if ll, ok := linker.(LimitedLinker); ok {
			mod, err = ll.LinkLimited(ctx, rec.InstallPath, rec.Manifest, limits)
		} else {
			mod, err = linker.Link(ctx, rec.InstallPath, rec.Manifest)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnsupportedRuntime) {
			return m.fail(rec, op, StatusIncompatible, errs.KindLoad, err)
		}
		return m.fail(rec, op, StatusError, errs.KindLoad, err)
	}
	closeMod := func() {
		if cerr := mod.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.log.Warn("module close failed", logx.Plugin(id), logx.Err(cerr))
		}
	}

	tok, err := m.perms.Check(ctx, permission.CheckRequest{
		PluginID:   id,
		PluginName: rec.Name,
		Reason:     fmt.Sprintf("%s %s is being enabled", rec.Name, rec.Version),
		Requested:  rec.Permissions,
	})
	if err != nil {
		closeMod()
		m.log.Warn("plugin enable refused", logx.Plugin(id), logx.Err(err))
		return rec, err
	}

	pid, err := m.procs.Process(ctx, rec)
	if err != nil {
		closeMod()
		return rec, errs.P(errs.KindSandbox, op, id, err)
	}
	sbID, err := m.sandbox.Create(ctx, id, pid, limits, sandbox.LevelsFor(tok.Capabilities))
	if err != nil {
		closeMod()
		return rec, err
	}

	host := NewHostContext(id, m.log)
	ictx, cancel := m.callCtx(ctx)
	err = m.safeCall("init."+id, func() error { return mod.Init(ictx, host) })
	cancel()
	if err != nil {
		host.release()
		_ = m.sandbox.Destroy(id)
		closeMod()
		if !errors.Is(err, ErrInitFailed) {
			err = fmt.Errorf("%w: %v", ErrInitFailed, err)
		}
		m.log.Error("plugin init failed", logx.Plugin(id), logx.Err(err))
		m.emit(eventbus.PluginError, pluginEvent{Plugin: id, Err: err.Error()})
		return rec, errs.P(errs.KindLoad, op, id, err)
	}

	inst := &instance{module: mod, host: host, sandboxID: sbID, pid: pid, token: tok, started: m.clock()}
	rec.Status, rec.Reason = StatusEnabled, ""
	rec.GrantedPermissions = tok.Capabilities

	m.reg.mu.Lock()
	m.runMu.Lock()
	err = m.reg.putLocked(rec)
	if err == nil {
		m.running[id] = inst
	}
	m.runMu.Unlock()
	m.reg.mu.Unlock()
	if err != nil {
		m.stop(ctx, id, inst)
		return rec, errs.P(errs.KindIO, op, id, err)
	}

	took := m.clock().Sub(start)
	m.log.Info("plugin enabled", logx.Plugin(id), logx.String("sandbox", sbID), logx.Strings("events", host.Events()), logx.Duration("took", took))
	m.emit(eventbus.PluginEnabled, pluginEvent{Plugin: id, Version: rec.Version, Status: StatusEnabled, TookMS: took.Milliseconds()})
	return rec, nil
}

// fail moves rec into an absorbing status and returns a typed error.
func (m *Manager) fail(rec Record, op string, st Status, kind errs.Kind, cause error) (Record, error) {
	rec.Status, rec.Reason = st, cause.Error()
	if err := m.reg.Put(rec); err != nil {
		m.log.Warn("persist plugin status failed", logx.Plugin(rec.ID), logx.Err(err))
	}
	m.log.Error("plugin "+string(st), logx.Plugin(rec.ID), logx.Err(cause))
	m.emit(eventbus.PluginError, pluginEvent{Plugin: rec.ID, Status: st, Err: cause.Error()})
	if st == StatusIncompatible {
		cause = fmt.Errorf("%w: %v", ErrIncompatible, cause)
	}
	return rec, errs.P(kind, op, rec.ID, cause)
}

// Disable stops a running plugin and persists Disabled. Disabling a plugin
// that is not running is a no-op. A failing teardown is returned wrapped in
// ErrTeardownFailed after the plugin has been removed anyway.
func (m *Manager) Disable(ctx context.Context, id string) (Record, error) {
	start := m.clock()
	unlock, err := m.lock(ctx, "disable", id)
	if err != nil {
		return Record{}, err
	}
	rec, err := m.disableLocked(ctx, id, StatusDisabled, "")
	unlock()
	m.audit(ctx, "disable", id, start, err, nil)
	return rec, err
}

// disableLocked removes the running entry, persists status and then stops
// the instance outside every lock.
func (m *Manager) disableLocked(ctx context.Context, id string, st Status, reason string) (Record, error) {
	const op = "disable"
	m.reg.mu.Lock()
	m.runMu.Lock()
	rec, ok := m.reg.records[id]
	inst := m.running[id]
	if !ok {
		m.runMu.Unlock()
		m.reg.mu.Unlock()
		return Record{}, errs.P(errs.KindRegistry, op, id, ErrNotFound)
	}
	if inst == nil && rec.Status != StatusEnabled {
		m.runMu.Unlock()
		m.reg.mu.Unlock()
		return rec.clone(), nil
	}
	delete(m.running, id)
	rec.Status, rec.Reason = st, reason
	err := m.reg.putLocked(rec)
	m.runMu.Unlock()
	m.reg.mu.Unlock()
	if err != nil {
		m.log.Warn("persist disabled status failed", logx.Plugin(id), logx.Err(err))
	}

	var tdErr error
	if inst != nil {
		tdErr = m.stop(ctx, id, inst)
	}
	m.log.Info("plugin disabled", logx.Plugin(id), logx.String("status", string(st)))
	m.emit(eventbus.PluginDisabled, pluginEvent{Plugin: id, Status: st, Reason: reason})

	switch {
	case err != nil:
		return rec.clone(), errs.P(errs.KindIO, op, id, err)
	case tdErr != nil:
		return rec.clone(), errs.P(errs.KindLoad, op, id, tdErr)
	}
	return rec.clone(), nil
}

// stop tears an instance down: teardown export, context release, module
// unload, sandbox session. Every step runs even if an earlier one failed.
func (m *Manager) stop(ctx context.Context, id string, inst *instance) error {
	inst.calls.Lock()
	defer inst.calls.Unlock()

	tctx, cancel := m.callCtx(context.WithoutCancel(ctx))
	err := m.safeCall("teardown."+id, func() error { return inst.module.Teardown(tctx) })
	cancel()
	if err != nil {
		if !errors.Is(err, ErrTeardownFailed) {
			err = fmt.Errorf("%w: %v", ErrTeardownFailed, err)
		}
		m.log.Warn("plugin teardown failed", logx.Plugin(id), logx.Err(err))
		m.emit(eventbus.PluginError, pluginEvent{Plugin: id, Err: err.Error()})
	}
	inst.host.release()
	if cerr := inst.module.Close(context.WithoutCancel(ctx)); cerr != nil {
		m.log.Warn("module close failed", logx.Plugin(id), logx.Err(cerr))
	}
	if derr := m.sandbox.Destroy(id); derr != nil {
		m.log.Warn("sandbox destroy failed", logx.Plugin(id), logx.Err(derr))
	}
	return err
}

// ---- uninstall / update ----

// Uninstall force-disables the plugin, deletes its files and permissions and
// drops its record. Files already gone are not an error.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	start := m.clock()
	unlock, err := m.lock(ctx, "uninstall", id)
	if err != nil {
		return err
	}
	err = m.uninstallLocked(ctx, id)
	unlock()
	m.audit(ctx, "uninstall", id, start, err, nil)
	return err
}

func (m *Manager) uninstallLocked(ctx context.Context, id string) error {
	const op = "uninstall"
	rec, ok := m.reg.Get(id)
	if !ok {
		return errs.P(errs.KindRegistry, op, id, ErrNotFound)
	}
	if _, err := m.disableLocked(ctx, id, StatusDisabled, ""); err != nil && !errors.Is(err, ErrTeardownFailed) {
		return err
	}
	if err := os.RemoveAll(rec.InstallPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.P(errs.KindIO, op, id, err)
	}
	if err := m.perms.Revoke(ctx, id); err != nil {
		m.log.Warn("revoke permissions failed", logx.Plugin(id), logx.Err(err))
	}
	if err := m.reg.Delete(id); err != nil {
		return errs.P(errs.KindIO, op, id, err)
	}
	m.log.Info("plugin uninstalled", logx.Plugin(id))
	m.emit(eventbus.PluginUninstalled, pluginEvent{Plugin: id, Version: rec.Version})
	return nil
}

// Update replaces an installed plugin with the package at src. The old
// install directory is renamed aside first and restored if anything after
// that fails. The same version yields ErrNoUpdateAvailable untouched.
func (m *Manager) Update(ctx context.Context, id, src string) (Record, error) {
	start := m.clock()
	unlock, err := m.lock(ctx, "update", id)
	if err != nil {
		return Record{}, err
	}
	rec, from, err := m.updateLocked(ctx, id, src)
	unlock()
	m.audit(ctx, "update", id, start, err, map[string]any{"source": src, "from": from, "to": rec.Version})
	return rec, err
}

func (m *Manager) updateLocked(ctx context.Context, id, src string) (Record, string, error) {
	const op = "update"
	rec, ok := m.reg.Get(id)
	if !ok {
		return Record{}, "", errs.P(errs.KindRegistry, op, id, ErrNotFound)
	}
	from := rec.Version
	st, err := m.stage(op, src)
	if err != nil {
		return rec, from, err
	}
	defer st.cleanup()

	if slug.Make(st.manifest.Name) != slug.Make(rec.Name) {
		return rec, from, errs.P(errs.KindManifest, op, id, fmt.Errorf("%w: package is %q, not %q", ErrManifest, st.manifest.Name, rec.Name))
	}
	if st.manifest.Version == rec.Version {
		return rec, from, errs.P(errs.KindRegistry, op, id, ErrNoUpdateAvailable)
	}

	wasRunning := m.instance(id) != nil
	prev := rec
	if wasRunning {
		if _, err := m.disableLocked(ctx, id, StatusDisabled, ""); err != nil && !errors.Is(err, ErrTeardownFailed) {
			return rec, from, err
		}
		prev.Status = StatusDisabled
	}

	backup := fmt.Sprintf("%s.bak-%d", rec.InstallPath, m.clock().UnixNano())
	if err := os.Rename(rec.InstallPath, backup); err != nil {
		m.resume(ctx, id, wasRunning)
		return rec, from, errs.P(errs.KindIO, op, id, err)
	}

	restore := func(cause error) (Record, string, error) {
		if err := os.RemoveAll(rec.InstallPath); err != nil {
			m.log.Warn("remove failed update", logx.Plugin(id), logx.Err(err))
		}
		if err := os.Rename(backup, rec.InstallPath); err != nil {
			m.log.Error("restore failed; previous version left in backup", logx.Plugin(id), logx.String("backup", backup), logx.Err(err))
			return rec, from, errs.P(errs.KindIO, op, id, fmt.Errorf("%v; previous version kept at %s: %w", cause, backup, err))
		}
		if err := m.reg.Put(prev); err != nil {
			m.log.Error("restore registry record failed", logx.Plugin(id), logx.Err(err))
		}
		m.resume(ctx, id, wasRunning)
		m.log.Warn("update rolled back", logx.Plugin(id), logx.Err(cause))
		return prev, from, cause
	}

	if hook := m.testHookAfterBackup; hook != nil {
		if err := hook(); err != nil {
			return restore(errs.P(errs.KindIO, op, id, err))
		}
	}
	if err := os.Rename(st.dir, rec.InstallPath); err != nil {
		return restore(errs.P(errs.KindIO, op, id, err))
	}
	st.dir = ""

	now := m.clock().UTC()
	next := prev
	next.Manifest = st.manifest
	next.UpdatedAt = &now
	next.Status, next.Reason = StatusDisabled, ""
	if err := m.reg.Put(next); err != nil {
		return restore(errs.P(errs.KindIO, op, id, err))
	}
	if wasRunning {
		if _, err := m.enableLocked(ctx, id); err != nil {
			return restore(err)
		}
	}

	if err := os.RemoveAll(backup); err != nil {
		m.log.Warn("remove update backup failed", logx.Plugin(id), logx.String("backup", backup), logx.Err(err))
	}
	out, _ := m.reg.Get(id)
	m.log.Info("plugin updated", logx.Plugin(id), logx.String("from", from), logx.String("to", out.Version))
	m.emit(eventbus.PluginUpdated, pluginEvent{Plugin: id, Version: out.Version, From: from, Status: out.Status})
	return out, from, nil
}

// resume re-enables after an aborted update. Failure is logged; the record
// already reflects it.
func (m *Manager) resume(ctx context.Context, id string, wasRunning bool) {
	if !wasRunning {
		return
	}
	if _, err := m.enableLocked(ctx, id); err != nil {
		m.log.Error("re-enable after failed update", logx.Plugin(id), logx.Err(err))
	}
}

// ---- events ----

// TriggerEvent runs the callback the plugin registered for event and
// returns the plugin's code.
func (m *Manager) TriggerEvent(ctx context.Context, id, event string, payload []byte) (int, error) {
	const op = "trigger event"
	inst := m.instance(id)
	if inst == nil {
		if _, ok := m.reg.Get(id); !ok {
			return 0, errs.P(errs.KindRegistry, op, id, ErrNotFound)
		}
		return 0, errs.P(errs.KindRegistry, op, id, ErrNotRunning)
	}
	inst.calls.RLock()
	defer inst.calls.RUnlock()

	cb, ok := inst.host.callback(event)
	if !ok {
		return 0, errs.P(errs.KindRegistry, op, id, fmt.Errorf("%w: %q", ErrNoSuchEvent, event))
	}
	var code int
	err := m.safeCall("event."+id+"."+event, func() (err error) {
		code, err = cb(ctx, payload)
		return err
	})
	if err != nil {
		return code, errs.P(errs.KindLoad, op, id, err)
	}
	m.log.Debug("event delivered", logx.Plugin(id), logx.String("event", event), logx.Int("code", code))
	return code, nil
}

// ---- reads ----

func (m *Manager) info(rec Record) Info {
	out := Info{Record: rec}
	if inst := m.instance(rec.ID); inst != nil {
		out.Running = true
		out.SandboxID = inst.sandboxID
		out.PID = inst.pid
		out.Events = inst.host.Events()
		out.StartedAt = inst.started
	}
	return out
}

func (m *Manager) Get(id string) (Info, error) {
	rec, ok := m.reg.Get(id)
	if !ok {
		return Info{}, errs.P(errs.KindRegistry, "get", id, ErrNotFound)
	}
	return m.info(rec), nil
}

func (m *Manager) List() []Info {
	recs := m.reg.List()
	out := make([]Info, len(recs))
	for i, r := range recs {
		out[i] = m.info(r)
	}
	return out
}

// ---- startup / shutdown ----

// Start re-enables plugins persisted as Enabled. Plugins whose autostart is
// off are persisted Disabled; failures leave the plugin in Error.
func (m *Manager) Start(ctx context.Context) error {
	m.bgMu.Lock()
	m.closed = false
	m.bgMu.Unlock()

	pol := m.policy()
	var failed []error
	for _, rec := range m.reg.List() {
		if rec.Status != StatusEnabled || m.instance(rec.ID) != nil {
			continue
		}
		unlock, err := m.lock(ctx, "start", rec.ID)
		if err != nil {
			return err
		}
		if !pol.autostart(rec.ID) {
			rec.Status = StatusDisabled
			if err := m.reg.Put(rec); err != nil {
				failed = append(failed, errs.P(errs.KindIO, "start", rec.ID, err))
			}
			unlock()
			m.log.Info("autostart disabled; plugin left disabled", logx.Plugin(rec.ID))
			continue
		}
		if _, err := m.enableLocked(ctx, rec.ID); err != nil {
			failed = append(failed, err)
			if cur, ok := m.reg.Get(rec.ID); ok && cur.Status == StatusEnabled && m.instance(rec.ID) == nil {
				cur.Status, cur.Reason = StatusError, err.Error()
				if perr := m.reg.Put(cur); perr != nil {
					m.log.Warn("persist plugin status failed", logx.Plugin(rec.ID), logx.Err(perr))
				}
			}
		}
		unlock()
	}
	return errors.Join(failed...)
}

// Close stops every running plugin without changing persisted status, so
// the next Start brings them back.
func (m *Manager) Close(ctx context.Context) error {
	m.bgMu.Lock()
	m.closed = true
	m.bgMu.Unlock()

	m.runMu.Lock()
	list := m.running
	m.running = map[string]*instance{}
	m.runMu.Unlock()

	var failed []error
	for id, inst := range list {
		if err := m.stop(ctx, id, inst); err != nil {
			failed = append(failed, err)
		}
	}
	m.bg.Wait()
	return errors.Join(failed...)
}

// onSandboxEnded is the sandbox terminate hook. The plugin moves to Error.
func (m *Manager) onSandboxEnded(id, reason string) {
	m.bgMu.Lock()
	if m.closed {
		m.bgMu.Unlock()
		m.log.Debug("sandbox ended after close", logx.Plugin(id), logx.String("reason", reason))
		return
	}
	m.bg.Add(1)
	m.bgMu.Unlock()
	go func() {
		defer m.bg.Done()
		ctx := context.Background()
		unlock, err := m.lock(ctx, "terminate", id)
		if err != nil {
			return
		}
		defer unlock()
		if m.instance(id) == nil {
			return
		}
		if _, err := m.disableLocked(ctx, id, StatusError, "terminated: "+reason); err != nil {
			m.log.Warn("stop terminated plugin", logx.Plugin(id), logx.Err(err))
		}
		m.emit(eventbus.PluginError, pluginEvent{Plugin: id, Status: StatusError, Reason: "terminated: " + reason})
	}()
}
