package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/observability/status"
	"warden/internal/permission"
	"warden/internal/plugin"
	"warden/internal/plugin/builtin/echo"
	"warden/internal/runtime/supervisor"
	"warden/internal/sandbox"
	"warden/internal/signature"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	verifier *signature.Verifier
	perms    *permission.Manager
	sandbox  *sandbox.Sandbox
	plugins  *plugin.Manager
	jobs     *jobs
}

type options struct {
	prompter permission.PromptHandler
	builtins []func(*plugin.BuiltinSet)
}

type Option func(*options)

// WithPrompter sets who answers permission prompts. Without one, every
// prompt fails with permission.ErrNoPromptHandler.
func WithPrompter(h permission.PromptHandler) Option {
	return func(o *options) { o.prompter = h }
}

// WithBuiltin registers extra in-process plugins next to the bundled ones.
func WithBuiltin(register func(*plugin.BuiltinSet)) Option {
	return func(o *options) { o.builtins = append(o.builtins, register) }
}

// NewApp loads the config and builds every component. Nothing runs in the
// background until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	logSvc.SetForwarder(func(level, msg string, fields map[string]any) {
		bus.Publish(eventbus.Event{Type: eventbus.Log, Data: logRecord{Level: level, Msg: msg, Fields: fields}})
	})

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, jobs: newJobs(log)}
	if err := a.build(cfg, o); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

type logRecord struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (a *App) build(cfg *Config, o options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a.verifier = signature.NewVerifier(signature.WithLogger(a.log))
	if err := a.applySignature(cfg); err != nil {
		return err
	}

	settings, err := mapPermissionSettings(cfg)
	if err != nil {
		return err
	}
	popts := []permission.Option{
		permission.WithLogger(a.log),
		permission.WithBus(a.bus),
		permission.WithSettings(settings),
	}
	if o.prompter != nil {
		popts = append(popts, permission.WithPromptHandler(o.prompter))
	}
	a.perms = permission.NewManager(a.store, popts...)
	if err := a.perms.Load(context.Background()); err != nil {
		return err
	}

	a.sandbox = sandbox.New(
		sandbox.WithLogger(a.log),
		sandbox.WithBus(a.bus),
		sandbox.WithInterval(cfg.Sandbox.IntervalValue()),
		sandbox.WithWarnRate(cfg.Sandbox.WarnRatePerSec),
	)

	set := plugin.NewBuiltinSet()
	echo.Register(set)
	for _, reg := range o.builtins {
		reg(set)
	}
	pol, err := mapPluginPolicy(cfg, a.log)
	if err != nil {
		return err
	}
	a.plugins, err = plugin.Open(cfg.ResolvedPluginsDir(),
		plugin.WithLogger(a.log),
		plugin.WithBus(a.bus),
		plugin.WithStore(a.store),
		plugin.WithPermissions(a.perms),
		plugin.WithSandbox(a.sandbox),
		plugin.WithVerifier(a.verifier),
		plugin.WithBuiltins(set),
		plugin.WithPolicy(pol),
	)
	if err != nil {
		return err
	}
	return a.jobs.Set(a.jobDefs(cfg)...)
}

// applySignature loads trusted roots and the revocation list.
func (a *App) applySignature(cfg *Config) error {
	if err := a.verifier.LoadTrustedRoots(cfg.Signature.TrustedRoots); err != nil {
		return err
	}
	if p := strings.TrimSpace(cfg.Signature.RevocationList); p != "" {
		return a.verifier.ReloadRevocations(p)
	}
	a.verifier.SetRevoked(nil)
	return nil
}

func (a *App) jobDefs(cfg *Config) []jobDef {
	defs := []jobDef{
		{name: "storage.compact", spec: compactSpec, timeout: time.Minute, run: a.store.Compact},
		{name: "plugins.sweep", spec: sweepSpec, timeout: time.Minute, run: func(context.Context) error {
			n, err := sweepStale(cfg.ResolvedPluginsDir(), staleAfter, time.Now())
			if n > 0 {
				a.log.Info("removed stale plugin directories", logx.Int("count", n))
			}
			return err
		}},
	}
	if p := strings.TrimSpace(cfg.Signature.RevocationList); p != "" {
		spec := strings.TrimSpace(cfg.Signature.RevocationRefresh)
		if spec == "" {
			spec = defaultRevocationRefresh
		}
		defs = append(defs, jobDef{name: "signature.revocations", spec: spec, timeout: 30 * time.Second, run: func(context.Context) error {
			return a.verifier.ReloadRevocations(p)
		}})
	}
	return defs
}

func (a *App) Plugins() *plugin.Manager         { return a.plugins }
func (a *App) Permissions() *permission.Manager { return a.perms }
func (a *App) Sandbox() *sandbox.Sandbox        { return a.sandbox }
func (a *App) Verifier() *signature.Verifier    { return a.verifier }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Config() *Config                  { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the host: measurement loop, jobs, config hot reload and the
// startup reconcile of enabled plugins.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validate(cfg) })
	a.cfgm.OnTrustChange(func(cfg *Config) {
		if err := a.applySignature(cfg); err != nil {
			a.log.Warn("trust files not applied", logx.Err(err))
			return
		}
		a.log.Info("trust files reloaded")
	})

	a.sandbox.Start(a.sup)
	a.jobs.Start(a.sup.Context())

	if err := a.plugins.Start(a.sup.Context()); err != nil {
		// Failed plugins are already in Error; the host keeps running.
		a.log.Warn("some plugins failed to start", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128, "plugin.", "permission.", "sandbox.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Plugin(e.Plugin), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg := a.cfgm.Get(); cfg.Status.Enabled {
		srv := status.New(mapStatusConfig(cfg), a.statusSources(), a.log)
		a.sup.GoRestart("status.http", srv.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.log.Info("warden started", logx.String("plugins_dir", a.cfgm.Get().ResolvedPluginsDir()), logx.Int("plugins", len(a.plugins.List())))
	return nil
}

func (a *App) statusSources() map[string]status.Source {
	return map[string]status.Source{
		"plugins":     func() any { return a.plugins.List() },
		"sandbox":     func() any { return a.sandbox.Sessions() },
		"permissions": func() any { return a.perms.Tokens() },
		"supervisor":  func() any { return a.sup.Snapshot() },
		"events":      func() any { return eventbus.StatsOf(a.bus) },
		"audit": func() any {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			entries, err := a.store.RecentAudit(ctx, 100)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return entries
		},
	}
}

// reload applies what can change at runtime. Everything else is reported
// as needing a restart.
func (a *App) reload(prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if s, err := mapPermissionSettings(next); err != nil {
		a.log.Warn("invalid permissions config; keeping previous", logx.Err(err))
	} else {
		a.perms.Configure(s)
	}
	if pol, err := mapPluginPolicy(next, a.log); err != nil {
		a.log.Warn("invalid plugin policy; keeping previous", logx.Err(err))
	} else {
		a.plugins.SetPolicy(pol)
	}
	if err := a.applySignature(next); err != nil {
		a.log.Warn("signature settings not applied", logx.Err(err))
	}
	if err := a.jobs.Set(a.jobDefs(next)...); err != nil {
		a.log.Warn("jobs not rescheduled", logx.Err(err))
	}

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", rr))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down plugins first, then background work, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var failed []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				failed = append(failed, err)
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("plugins", 5*time.Second, a.plugins.Close)
	step("jobs", time.Second, func(context.Context) error { a.jobs.Stop(); return nil })
	step("sandbox", time.Second, func(context.Context) error { return a.sandbox.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(failed...)
}

// Close releases a one-shot App (CLI commands) that was never started.
func (a *App) Close(ctx context.Context) error {
	if a.sup != nil {
		return a.Stop(ctx, StopCommand)
	}
	var failed []error
	if a.plugins != nil {
		failed = append(failed, a.plugins.Close(ctx))
	}
	if a.sandbox != nil {
		failed = append(failed, a.sandbox.Close())
	}
	a.closeStores()
	return errors.Join(failed...)
}

func (a *App) closeStores() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
