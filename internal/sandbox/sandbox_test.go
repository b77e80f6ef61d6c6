package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/errs"
	"warden/internal/eventbus"
	"warden/internal/permission"
)

type fakeBoundary struct {
	assignErr error
	closes    atomic.Int32
	suspends  atomic.Int32
	throttles atomic.Int32
	kills     atomic.Int32
	enforced  []ResourceType
}

func (b *fakeBoundary) Assign(context.Context, int) error { return b.assignErr }
func (b *fakeBoundary) Throttle(context.Context) error    { b.throttles.Add(1); return nil }
func (b *fakeBoundary) Suspend(context.Context) error     { b.suspends.Add(1); return nil }
func (b *fakeBoundary) Resume(context.Context) error      { return nil }
func (b *fakeBoundary) Terminate(context.Context) error   { b.kills.Add(1); return nil }
func (b *fakeBoundary) Close() error                      { b.closes.Add(1); return nil }
func (b *fakeBoundary) Enforced() []ResourceType          { return b.enforced }

type fakeContainment struct {
	mu        sync.Mutex
	created   []*fakeBoundary
	createErr error
	assignErr error
	enforced  []ResourceType
}

func (c *fakeContainment) Create(context.Context, Limits) (Boundary, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	b := &fakeBoundary{assignErr: c.assignErr, enforced: c.enforced}
	c.mu.Lock()
	c.created = append(c.created, b)
	c.mu.Unlock()
	return b, nil
}

func (c *fakeContainment) last() *fakeBoundary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created[len(c.created)-1]
}

type fakeSampler struct {
	mu      sync.Mutex
	samples map[int]Sample
	gone    map[int]bool
	calls   map[int]int
	forgot  map[int]int
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{samples: map[int]Sample{}, gone: map[int]bool{}, calls: map[int]int{}, forgot: map[int]int{}}
}

func (p *fakeSampler) set(pid int, s Sample) {
	p.mu.Lock()
	p.samples[pid] = s
	p.mu.Unlock()
}

func (p *fakeSampler) Measure(_ context.Context, pid int) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[pid]++
	if p.gone[pid] {
		return nil, ErrProcessGone
	}
	return p.samples[pid], nil
}

func (p *fakeSampler) Forget(pid int) {
	p.mu.Lock()
	p.forgot[pid]++
	p.mu.Unlock()
}

func (p *fakeSampler) forgotten(pid int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forgot[pid]
}

func (p *fakeSampler) count(pid int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[pid]
}

func newTestSandbox(opts ...Option) (*Sandbox, *fakeContainment, *fakeSampler) {
	c := &fakeContainment{}
	p := newFakeSampler()
	s := New(append([]Option{WithContainment(c), WithSampler(p)}, opts...)...)
	return s, c, p
}

const mb = 1 << 20

func TestCreateAndDestroy(t *testing.T) {
	s, c, _ := newTestSandbox()
	ctx := context.Background()

	id, err := s.Create(ctx, "a", 100, Limits{Memory: {Hard: 100 * mb, Action: ActionTerminate}}, LevelSet(LevelCore))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Create(ctx, "a", 100, nil, 0)
	assert.ErrorIs(t, err, ErrAlreadySandboxed)
	assert.Equal(t, errs.KindSandbox, errs.KindOf(err))

	require.NoError(t, s.Destroy("a"))
	require.NoError(t, s.Destroy("a"))
	assert.Equal(t, int32(1), c.created[0].closes.Load())
	assert.Empty(t, s.Sessions())
}

func TestFailedBindReleasesBoundary(t *testing.T) {
	s, c, _ := newTestSandbox()
	c.assignErr = errors.New("no such process")

	_, err := s.Create(context.Background(), "a", 100, nil, 0)
	require.ErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, int32(1), c.last().closes.Load())
	assert.Empty(t, s.Sessions())
}

func TestCreateFailure(t *testing.T) {
	s, c, _ := newTestSandbox()
	c.createErr = errors.New("quota")
	_, err := s.Create(context.Background(), "a", 100, nil, 0)
	require.ErrorIs(t, err, ErrCreateFailed)
}

func TestCreateRejectsUnenforceableLimits(t *testing.T) {
	s, c, _ := newTestSandbox()
	c.createErr = fmt.Errorf("%w: memory: operation not permitted", ErrLimitFailed)
	_, err := s.Create(context.Background(), "a", 100, Limits{Memory: {Hard: mb, Action: ActionTerminate}}, 0)
	require.ErrorIs(t, err, ErrLimitFailed)
	assert.NotErrorIs(t, err, ErrCreateFailed)
	assert.Empty(t, s.Sessions())
}

func TestSessionReportsEnforcedLimits(t *testing.T) {
	s, c, _ := newTestSandbox()
	c.enforced = []ResourceType{CPU, Memory}
	_, err := s.Create(context.Background(), "a", 100, Limits{
		CPU:    {Hard: 50, Action: ActionThrottle},
		Memory: {Hard: 64 * mb, Action: ActionTerminate},
	}, 0)
	require.NoError(t, err)
	got := s.Sessions()
	require.Len(t, got, 1)
	assert.Equal(t, []ResourceType{CPU, Memory}, got[0].Enforced)
}

func TestPlanLimits(t *testing.T) {
	plan, err := planLimits(Limits{
		CPU:        {Hard: 50, Action: ActionThrottle},
		Memory:     {Soft: 32 * mb, Hard: 64 * mb, Action: ActionTerminate},
		WorkingSet: {Hard: 48 * mb, Action: ActionWarn},
		Handles:    {Hard: 128, Action: ActionSuspend},
		Threads:    {Hard: 16, Action: ActionTerminate},
		Children:   {Hard: 2, Action: ActionTerminate},
	})
	require.NoError(t, err)
	assert.Equal(t, []hardLimit{
		{resource: CPU, value: 10},
		{resource: Memory, value: 64 * mb},
		{resource: Handles, value: 128},
	}, plan)

	_, err = planLimits(Limits{Memory: {Hard: -1, Action: ActionTerminate}})
	assert.ErrorIs(t, err, ErrLimitFailed)

	for pct, nice := range map[float64]int{100: 0, 400: 0, 50: 10, 90: 2, 1: 19} {
		assert.Equal(t, nice, cpuNice(pct), "cpu %.0f%%", pct)
	}
}

func TestSharedPidKeepsSamplerState(t *testing.T) {
	s, _, p := newTestSandbox()
	ctx := context.Background()
	_, err := s.Create(ctx, "a", 7, nil, 0)
	require.NoError(t, err)
	_, err = s.Create(ctx, "b", 7, nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.Destroy("a"))
	assert.Zero(t, p.forgotten(7), "b still measures pid 7")
	require.NoError(t, s.Destroy("b"))
	assert.Equal(t, 1, p.forgotten(7))
}

func TestUsageProfile(t *testing.T) {
	s, _, p := newTestSandbox()
	ctx := context.Background()
	_, err := s.Create(ctx, "a", 7, nil, 0)
	require.NoError(t, err)

	p.set(7, Sample{Memory: 10, Threads: 3})
	s.Tick(ctx)
	p.set(7, Sample{Memory: 30, Threads: 2})
	s.Tick(ctx)
	p.set(7, Sample{Memory: 20, Threads: 2})
	s.Tick(ctx)

	u, ok := s.Usage("a")
	require.True(t, ok)
	mem := u.Resources[Memory]
	assert.Equal(t, 20.0, mem.Current)
	assert.Equal(t, 30.0, mem.Peak)
	assert.Equal(t, 60.0, mem.Cumulative)
	assert.Equal(t, uint64(3), mem.Samples)
	assert.Equal(t, 3.0, u.Resources[Threads].Peak)

	require.NoError(t, s.Destroy("a"))
	_, ok = s.Usage("a")
	assert.False(t, ok, "profile is discarded with the session")
}

func TestSoftLimitOnlyWarns(t *testing.T) {
	s, c, p := newTestSandbox()
	ctx := context.Background()
	_, err := s.Create(ctx, "a", 7, Limits{CPU: {Soft: 50, Hard: 90, Action: ActionSuspend}}, 0)
	require.NoError(t, err)

	p.set(7, Sample{CPU: 70})
	s.Tick(ctx)
	s.Tick(ctx)

	evs := s.Events("a")
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, SeverityWarn, ev.Severity)
		assert.Equal(t, ActionWarn, ev.ActionTaken)
		assert.Equal(t, 50.0, ev.Threshold)
	}
	assert.Zero(t, c.last().suspends.Load())
}

func TestSoftWarningsAreRateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _, p := newTestSandbox(WithWarnRate(0.1), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, err := s.Create(ctx, "a", 7, Limits{Threads: {Soft: 10}}, 0)
	require.NoError(t, err)

	p.set(7, Sample{Threads: 20})
	for i := 0; i < 5; i++ {
		s.Tick(ctx)
		now = now.Add(time.Second)
	}
	assert.Len(t, s.Events("a"), 1)

	now = now.Add(10 * time.Second)
	s.Tick(ctx)
	assert.Len(t, s.Events("a"), 2)
}

func TestHardLimitActions(t *testing.T) {
	ctx := context.Background()

	t.Run("suspend once", func(t *testing.T) {
		s, c, p := newTestSandbox()
		_, err := s.Create(ctx, "a", 7, Limits{Handles: {Hard: 100, Action: ActionSuspend}}, 0)
		require.NoError(t, err)
		p.set(7, Sample{Handles: 150})
		s.Tick(ctx)
		s.Tick(ctx)
		assert.Equal(t, int32(1), c.last().suspends.Load())
		assert.Equal(t, StateSuspended, s.Sessions()[0].State)
		assert.Len(t, s.Events("a"), 2)
	})

	t.Run("throttle", func(t *testing.T) {
		s, c, p := newTestSandbox()
		_, err := s.Create(ctx, "a", 7, Limits{CPU: {Hard: 80, Action: ActionThrottle}}, 0)
		require.NoError(t, err)
		p.set(7, Sample{CPU: 99})
		s.Tick(ctx)
		assert.Equal(t, int32(1), c.last().throttles.Load())
		assert.Equal(t, StateThrottled, s.Sessions()[0].State)
	})

	t.Run("warn action leaves process alone", func(t *testing.T) {
		s, c, p := newTestSandbox()
		_, err := s.Create(ctx, "a", 7, Limits{Children: {Hard: 1, Action: ActionWarn}}, 0)
		require.NoError(t, err)
		p.set(7, Sample{Children: 4})
		s.Tick(ctx)
		b := c.last()
		assert.Zero(t, b.suspends.Load()+b.throttles.Load()+b.kills.Load())
		evs := s.Events("a")
		require.Len(t, evs, 1)
		assert.Equal(t, SeverityHard, evs[0].Severity)
	})
}

func TestTerminateRemovesSession(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var (
		mu     sync.Mutex
		killed []string
	)
	s, c, p := newTestSandbox(WithBus(bus), WithTerminateHook(func(id, reason string) {
		mu.Lock()
		killed = append(killed, id+": "+reason)
		mu.Unlock()
	}))
	_, err := s.Create(ctx, "a", 7, Limits{Memory: {Hard: 100 * mb, Action: ActionTerminate}}, 0)
	require.NoError(t, err)

	p.set(7, Sample{Memory: 150 * mb})
	s.Tick(ctx)

	b := c.last()
	assert.Equal(t, int32(1), b.kills.Load())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Empty(t, s.Sessions())
	require.Len(t, killed, 1)
	assert.Contains(t, killed[0], "memory")

	s.Tick(ctx)
	assert.Equal(t, 1, p.count(7), "terminated session is not measured again")
	require.NoError(t, s.Destroy("a"))
	assert.Equal(t, int32(1), b.closes.Load())

	var types []string
	for len(events) > 0 {
		e := <-events
		types = append(types, e.Type)
		if e.Type == eventbus.SandboxLimitExceeded {
			ev := e.Data.(ResourceLimitEvent)
			assert.Equal(t, ActionTerminate, ev.ActionTaken)
		}
	}
	assert.Equal(t, []string{eventbus.SandboxLimitExceeded, eventbus.SandboxTerminated}, types)
}

func TestProcessGoneEndsSession(t *testing.T) {
	var ended atomic.Int32
	s, c, p := newTestSandbox(WithTerminateHook(func(string, string) { ended.Add(1) }))
	ctx := context.Background()
	_, err := s.Create(ctx, "a", 7, nil, 0)
	require.NoError(t, err)

	p.mu.Lock()
	p.gone[7] = true
	p.mu.Unlock()
	s.Tick(ctx)
	s.Tick(ctx)

	assert.Equal(t, int32(1), ended.Load())
	assert.Equal(t, int32(1), c.last().closes.Load())
	assert.Equal(t, 1, p.count(7))
}

func TestDestroyDuringTicksReleasesOnce(t *testing.T) {
	s, c, p := newTestSandbox()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.Create(ctx, "a", 7, Limits{CPU: {Hard: 1, Action: ActionSuspend}}, 0)
		require.NoError(t, err)
		p.set(7, Sample{CPU: 5})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.Tick(ctx) }()
		go func() { defer wg.Done(); _ = s.Destroy("a") }()
		wg.Wait()
	}
	for _, b := range c.created {
		assert.Equal(t, int32(1), b.closes.Load())
	}
}

func TestLevelSnapshot(t *testing.T) {
	levels := LevelsFor([]permission.Capability{
		permission.FileSystem(true, false, "/srv"),
		permission.System(permission.SysIPC | permission.SysClipboard),
	})
	assert.True(t, levels.Has(LevelCore))
	assert.True(t, levels.Has(LevelFilesystem))
	assert.True(t, levels.Has(LevelSystem))
	assert.True(t, levels.Has(LevelInterprocess))
	assert.False(t, levels.Has(LevelNetwork))
	assert.Equal(t, "core,filesystem,system,interprocess", levels.String())

	s, _, _ := newTestSandbox()
	_, err := s.Create(context.Background(), "a", 7, nil, levels)
	require.NoError(t, err)
	assert.True(t, s.CheckPermission("a", LevelInterprocess))
	assert.False(t, s.CheckPermission("a", LevelUI))
	assert.False(t, s.CheckPermission("b", LevelCore))
}

func TestParseLimitAction(t *testing.T) {
	for in, want := range map[string]LimitAction{"": ActionWarn, "Throttle": ActionThrottle, "suspend": ActionSuspend, "terminate": ActionTerminate} {
		got, err := ParseLimitAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLimitAction("explode")
	assert.Error(t, err)
}
