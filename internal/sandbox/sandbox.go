package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"warden/internal/errs"
	"warden/internal/eventbus"
	"warden/internal/runtime/supervisor"
	logx "warden/pkg/logx"
)

const (
	defaultInterval = 2 * time.Second
	defaultHistory  = 64
)

// TerminateFunc is told about sessions the sandbox ended on its own, either
// through a terminate action or because the process disappeared.
type TerminateFunc func(pluginID string, reason string)

// Sandbox owns every session. Sessions are keyed by plugin id.
type Sandbox struct {
	log         logx.Logger
	bus         eventbus.Bus
	containment Containment
	sampler     Sampler
	clock       func() time.Time
	interval    time.Duration
	warnRate    float64
	history     int

	mu          sync.RWMutex
	sessions    map[string]*session
	onTerminate TerminateFunc
}

type session struct {
	id       string
	pluginID string
	pid      int
	limits   Limits
	levels   LevelSet
	enforced []ResourceType
	created  time.Time
	warn     *rate.Limiter

	// mu guards everything below and every boundary call.
	mu       sync.Mutex
	boundary Boundary
	closed   bool
	state    State
	profile  UsageProfile
	events   []ResourceLimitEvent
}

type Option func(*Sandbox)

func WithLogger(log logx.Logger) Option         { return func(s *Sandbox) { s.log = log } }
func WithBus(bus eventbus.Bus) Option           { return func(s *Sandbox) { s.bus = bus } }
func WithContainment(c Containment) Option      { return func(s *Sandbox) { s.containment = c } }
func WithSampler(p Sampler) Option              { return func(s *Sandbox) { s.sampler = p } }
func WithClock(now func() time.Time) Option     { return func(s *Sandbox) { s.clock = now } }
func WithInterval(d time.Duration) Option       { return func(s *Sandbox) { s.interval = d } }
func WithHistory(n int) Option                  { return func(s *Sandbox) { s.history = n } }
func WithTerminateHook(fn TerminateFunc) Option { return func(s *Sandbox) { s.onTerminate = fn } }

// WithWarnRate caps soft-limit warnings per session. Zero means one per tick.
func WithWarnRate(perSec float64) Option { return func(s *Sandbox) { s.warnRate = perSec } }

func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		bus:      eventbus.Nop{},
		clock:    time.Now,
		interval: defaultInterval,
		history:  defaultHistory,
		sessions: map[string]*session{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.OrNop().With(logx.String("comp", "sandbox"))
	if s.containment == nil {
		s.containment = NewProcessContainment(s.log)
	}
	if s.sampler == nil {
		s.sampler = NewProcessSampler()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s
}

// SetTerminateHook replaces the terminate hook. The plugin manager installs
// itself here after construction.
func (s *Sandbox) SetTerminateHook(fn TerminateFunc) {
	s.mu.Lock()
	s.onTerminate = fn
	s.mu.Unlock()
}

func (s *Sandbox) Interval() time.Duration { return s.interval }

// Start runs the measurement loop on sup until it stops.
func (s *Sandbox) Start(sup *supervisor.Supervisor) {
	sup.Every("sandbox.measure", s.interval, s.Tick)
}

// Create builds a boundary with limits applied, binds pid to it and records
// the session. A failed bind releases the boundary before returning.
func (s *Sandbox) Create(ctx context.Context, pluginID string, pid int, limits Limits, levels LevelSet) (string, error) {
	const op = "create sandbox"
	fail := func(err error) (string, error) {
		return "", errs.P(errs.KindSandbox, op, pluginID, err)
	}

	s.mu.RLock()
	_, exists := s.sessions[pluginID]
	s.mu.RUnlock()
	if exists {
		return fail(ErrAlreadySandboxed)
	}

	b, err := s.containment.Create(ctx, limits)
	if errors.Is(err, ErrLimitFailed) {
		return fail(err)
	}
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}
	if err := b.Assign(ctx, pid); err != nil {
		if cerr := b.Close(); cerr != nil {
			s.log.Warn("release boundary after failed bind", logx.Plugin(pluginID), logx.Err(cerr))
		}
		if errors.Is(err, ErrLimitFailed) || errors.Is(err, ErrProcessGone) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %v", ErrBindFailed, err))
	}

	now := s.clock()
	ss := &session{
		id:       uuid.NewString(),
		pluginID: pluginID,
		pid:      pid,
		limits:   limits.clone(),
		levels:   levels,
		created:  now,
		boundary: b,
		state:    StateActive,
		profile:  UsageProfile{PluginID: pluginID, Started: now, Resources: map[ResourceType]ResourceStat{}},
	}
	if e, ok := b.(Enforcer); ok {
		ss.enforced = e.Enforced()
	}
	if s.warnRate > 0 {
		ss.warn = rate.NewLimiter(rate.Limit(s.warnRate), 1)
	}

	s.mu.Lock()
	if _, raced := s.sessions[pluginID]; raced {
		s.mu.Unlock()
		_ = b.Close()
		return fail(ErrAlreadySandboxed)
	}
	s.sessions[pluginID] = ss
	s.mu.Unlock()

	s.log.Info("sandbox created", logx.Plugin(pluginID), logx.String("sandbox", ss.id), logx.Int("pid", pid), logx.String("levels", levels.String()), logx.Any("enforced", ss.enforced))
	return ss.id, nil
}

// Destroy releases the plugin's session. Missing sessions are not an error.
func (s *Sandbox) Destroy(pluginID string) error {
	s.mu.Lock()
	ss, ok := s.sessions[pluginID]
	if ok {
		delete(s.sessions, pluginID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := ss.release()
	s.forget(ss.pid)
	if err != nil {
		s.log.Warn("release boundary", logx.Plugin(pluginID), logx.Err(err))
		return errs.P(errs.KindSandbox, "destroy sandbox", pluginID, err)
	}
	s.log.Info("sandbox destroyed", logx.Plugin(pluginID), logx.String("sandbox", ss.id))
	return nil
}

// release closes the boundary once. Later calls are no-ops.
func (ss *session) release() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	return ss.boundary.Close()
}

// CheckPermission reports whether the level was granted when the session was
// created. Plugins without a session have no levels.
func (s *Sandbox) CheckPermission(pluginID string, l Level) bool {
	s.mu.RLock()
	ss, ok := s.sessions[pluginID]
	s.mu.RUnlock()
	return ok && ss.levels.Has(l)
}

// Usage returns a copy of the plugin's usage profile.
func (s *Sandbox) Usage(pluginID string) (UsageProfile, bool) {
	ss, ok := s.get(pluginID)
	if !ok {
		return UsageProfile{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.profile.clone(), true
}

// Events returns the plugin's recent limit events, oldest first.
func (s *Sandbox) Events(pluginID string) []ResourceLimitEvent {
	ss, ok := s.get(pluginID)
	if !ok {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]ResourceLimitEvent(nil), ss.events...)
}

func (s *Sandbox) Sessions() []SessionInfo {
	s.mu.RLock()
	list := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		list = append(list, ss)
	}
	s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, ss := range list {
		ss.mu.Lock()
		out = append(out, SessionInfo{
			ID: ss.id, PluginID: ss.pluginID, PID: ss.pid,
			Limits: ss.limits.clone(), Levels: ss.levels,
			Enforced: append([]ResourceType(nil), ss.enforced...),
			State:    ss.state, Created: ss.created,
		})
		ss.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// forget drops sampler state for pid once no session measures it. Plugins
// sharing the host process share one CPU baseline.
func (s *Sandbox) forget(pid int) {
	s.mu.RLock()
	for _, ss := range s.sessions {
		if ss.pid == pid {
			s.mu.RUnlock()
			return
		}
	}
	s.mu.RUnlock()
	s.sampler.Forget(pid)
}

func (s *Sandbox) get(pluginID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[pluginID]
	return ss, ok
}

// Close destroys every session.
func (s *Sandbox) Close() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	var all []error
	for _, id := range ids {
		if err := s.Destroy(id); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
