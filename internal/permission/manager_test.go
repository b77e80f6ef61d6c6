package permission

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/errs"
	"warden/internal/eventbus"
	"warden/internal/storage"
)

type fakePrompter struct {
	calls atomic.Int32
	resp  Response
	err   error
	delay time.Duration
}

func (f *fakePrompter) Prompt(ctx context.Context, _ Request) (Response, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return f.resp, f.err
}

func request(plugin string, caps ...Capability) CheckRequest {
	ds := make([]Descriptor, len(caps))
	for i, c := range caps {
		ds[i] = Descriptor{Capability: c, Reason: "test"}
	}
	return CheckRequest{PluginID: plugin, PluginName: plugin, Requested: ds}
}

func newManager(t *testing.T, st storage.Store, p PromptHandler, s Settings) *Manager {
	t.Helper()
	m := NewManager(st, WithPromptHandler(p), WithSettings(s))
	require.NoError(t, m.Load(context.Background()))
	return m
}

var (
	readData = FileSystem(true, false, "/srv/data")
	notify   = UI(UINotifications)
)

func TestAskOncePromptsOnceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	p := &fakePrompter{resp: Response{Outcome: Allowed}}

	m := newManager(t, st, p, DefaultSettings())
	tok, err := m.Check(ctx, request("a", readData))
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.True(t, tok.Covers(readData))

	// A fresh manager over the same store models a host restart.
	m2 := newManager(t, st, p, DefaultSettings())
	_, err = m2.Check(ctx, request("a", readData))
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "AskOnce must not prompt again for a decided scope")

	ds, err := st.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].Granted)
}

func TestAlwaysAskIgnoresHistory(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	p := &fakePrompter{resp: Response{Outcome: Allowed}}
	s := DefaultSettings()
	s.Policy = AlwaysAsk

	_, err := newManager(t, st, p, s).Check(ctx, request("a", notify))
	require.NoError(t, err)
	_, err = newManager(t, st, p, s).Check(ctx, request("a", notify))
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestLiveTokenShortCircuits(t *testing.T) {
	ctx := context.Background()
	p := &fakePrompter{resp: Response{Outcome: Allowed}}
	s := DefaultSettings()
	s.Policy = AlwaysAsk
	m := newManager(t, nil, p, s)

	first, err := m.Check(ctx, request("a", readData))
	require.NoError(t, err)
	second, err := m.Check(ctx, request("a", FileSystem(true, false, "/srv/data/sub")))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestAutoDenyNeverPromptsOrPersists(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	p := &fakePrompter{resp: Response{Outcome: Allowed}}
	s := DefaultSettings()
	s.Policy = AutoDeny
	m := newManager(t, st, p, s)

	_, err := m.Check(ctx, request("a", readData))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, errs.KindPermission, errs.KindOf(err))
	var de *DeniedError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "policy", de.Source)
	assert.Zero(t, p.calls.Load())

	ds, _ := st.ListDecisions(ctx)
	assert.Empty(t, ds)
	_, ok := m.Token("a")
	assert.False(t, ok)
}

func TestPartialResponseDenies(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	net := Network(false, "api.example.com")
	p := &fakePrompter{resp: Response{Outcome: Partial, Allowed: []Capability{readData}}}
	m := newManager(t, st, p, DefaultSettings())

	_, err := m.Check(ctx, request("a", readData, net))
	require.ErrorIs(t, err, ErrDenied)
	var de *DeniedError
	require.True(t, errors.As(err, &de))
	require.Len(t, de.Capabilities, 1)
	assert.True(t, de.Capabilities[0].Same(net))

	// Both answers are persisted; the denial is remembered under AskOnce.
	ds, _ := st.ListDecisions(ctx)
	assert.Len(t, ds, 2)
	_, err = m.Check(ctx, request("a", net))
	require.ErrorIs(t, err, ErrDenied)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "history", de.Source)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestPromptTimeout(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	p := &fakePrompter{resp: Response{Outcome: Allowed}, delay: time.Second}
	s := DefaultSettings()
	s.PromptTimeout = 20 * time.Millisecond
	m := newManager(t, st, p, s)

	start := time.Now()
	_, err := m.Check(ctx, request("a", readData))
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ds, _ := st.ListDecisions(ctx)
	assert.Empty(t, ds, "timeouts are not decisions")
}

func TestPromptHandlerFailureTripsBreaker(t *testing.T) {
	ctx := context.Background()
	p := &fakePrompter{err: errors.New("display unavailable")}
	m := newManager(t, nil, p, DefaultSettings())

	for i := 0; i < 5; i++ {
		_, err := m.Check(ctx, request("a", readData))
		require.ErrorIs(t, err, ErrPromptFailed)
	}
	assert.Equal(t, int32(3), p.calls.Load(), "breaker should open after three failures")
}

func TestEnforcementLevels(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		level   Enforcement
		policy  Policy
		cap     Capability
		prompts int32
	}{
		{Normal, AutoGrant, notify, 0},
		{Normal, AutoGrant, readData, 1},
		{Strict, AutoGrant, notify, 1},
		{Relaxed, AutoGrant, readData, 0},
		{Relaxed, AutoGrant, System(SysProcesses), 1},
		{Disabled, AutoDeny, System(SysProcesses), 0},
		{Normal, AskOnce, notify, 0},
		{Normal, AlwaysAsk, notify, 1},
	}
	for _, tc := range cases {
		t.Run(tc.level.String()+"/"+tc.policy.String()+"/"+tc.cap.String(), func(t *testing.T) {
			p := &fakePrompter{resp: Response{Outcome: Allowed}}
			s := DefaultSettings()
			s.Enforcement, s.Policy = tc.level, tc.policy
			_, err := newManager(t, nil, p, s).Check(ctx, request("a", tc.cap))
			require.NoError(t, err)
			assert.Equal(t, tc.prompts, p.calls.Load())
		})
	}
}

func TestScopeTooLargeBeforePrompt(t *testing.T) {
	p := &fakePrompter{resp: Response{Outcome: Allowed}}
	m := newManager(t, nil, p, DefaultSettings())
	_, err := m.Check(context.Background(), request("a", FileSystem(true, false, "*")))
	require.ErrorIs(t, err, ErrScopeTooLarge)
	assert.Equal(t, errs.KindPermission, errs.KindOf(err))
	assert.Zero(t, p.calls.Load())
}

func TestTokenExpiryIsLazy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s := DefaultSettings()
	s.Policy, s.TokenTTL = AutoGrant, time.Minute

	m := NewManager(nil, WithSettings(s), WithClock(clock))
	_, err := m.Check(context.Background(), request("a", notify))
	require.NoError(t, err)
	assert.True(t, m.HasPermission("a", notify))

	now = now.Add(2 * time.Minute)
	assert.False(t, m.HasPermission("a", notify))
	assert.Empty(t, m.Tokens())
}

func TestSupersededTokenDropsUnrequested(t *testing.T) {
	s := DefaultSettings()
	s.Enforcement = Disabled
	m := NewManager(nil, WithSettings(s))
	ctx := context.Background()

	_, err := m.Check(ctx, request("a", notify))
	require.NoError(t, err)
	tok, err := m.Check(ctx, request("a", notify, readData))
	require.NoError(t, err)
	assert.True(t, tok.Covers(notify), "previously granted capability inside the new request is kept")
	assert.True(t, tok.Covers(readData))

	tok, err = m.Check(ctx, request("a", System(SysClipboard)))
	require.NoError(t, err)
	assert.False(t, tok.Covers(notify), "re-grant replaces rather than merges")
}

func TestRevokeClearsTokenAndHistory(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := &fakePrompter{resp: Response{Outcome: Allowed}}
	m := NewManager(st, WithPromptHandler(p), WithBus(bus))
	_, err := m.Check(ctx, request("a", readData))
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, "a"))
	_, ok := m.Token("a")
	assert.False(t, ok)
	ds, _ := st.ListDecisions(ctx)
	assert.Empty(t, ds)

	_, err = m.Check(ctx, request("a", readData))
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.PermissionGranted)
	assert.Contains(t, types, eventbus.PermissionRevoked)
}

func TestAutoGrantPersistsDecision(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	s := DefaultSettings()
	s.Policy = AutoGrant
	m := newManager(t, st, nil, s)

	_, err := m.Check(ctx, request("a", notify))
	require.NoError(t, err)
	ds, err := st.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, string(CategoryUI), ds[0].Category)
	assert.Equal(t, notify.ScopeHash(), ds[0].ScopeHash)
}

func TestUnpromptedGrantsPersistDecision(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name        string
		policy      Policy
		enforcement Enforcement
		cap         Capability
	}{
		{"ask_once low risk", AskOnce, Normal, notify},
		{"ask_once disabled", AskOnce, Disabled, readData},
		{"auto_deny disabled", AutoDeny, Disabled, System(SysProcesses)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := storage.NewMemory()
			p := &fakePrompter{resp: Response{Outcome: Denied}}
			s := DefaultSettings()
			s.Policy, s.Enforcement = tc.policy, tc.enforcement
			m := newManager(t, st, p, s)

			_, err := m.Check(ctx, request("a", tc.cap))
			require.NoError(t, err)
			assert.Zero(t, p.calls.Load())

			ds, err := st.ListDecisions(ctx)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			assert.True(t, ds[0].Granted)
			assert.Equal(t, tc.cap.ScopeHash(), ds[0].ScopeHash)
		})
	}
}
