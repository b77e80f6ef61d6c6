package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"warden/internal/errs"
	"warden/internal/eventbus"
	"warden/internal/runtime/keyed"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// CheckRequest asks for every capability a plugin needs.
type CheckRequest struct {
	PluginID   string
	PluginName string
	Reason     string
	Requested  []Descriptor
}

// Manager issues capability tokens. It consults the live token, the policy,
// persisted decisions and, when needed, a PromptHandler.
//
// No lock is held while the prompt handler runs; checks for the same plugin
// are serialized by a per-plugin lock instead.
type Manager struct {
	log     logx.Logger
	store   storage.Store
	bus     eventbus.Bus
	handler PromptHandler
	breaker *gobreaker.CircuitBreaker
	clock   func() time.Time
	locks   keyed.Mutex

	mu       sync.RWMutex
	settings Settings
	tokens   map[string]Token
	history  map[string]bool // decisionKey -> granted
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option        { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option          { return func(m *Manager) { m.bus = bus } }
func WithPromptHandler(h PromptHandler) Option { return func(m *Manager) { m.handler = h } }
func WithSettings(s Settings) Option           { return func(m *Manager) { m.settings = s } }
func WithClock(now func() time.Time) Option    { return func(m *Manager) { m.clock = now } }

func NewManager(store storage.Store, opts ...Option) *Manager {
	if store == nil {
		store = storage.NewMemory()
	}
	m := &Manager{
		store:    store,
		bus:      eventbus.Nop{},
		clock:    time.Now,
		settings: DefaultSettings(),
		tokens:   map[string]Token{},
		history:  map[string]bool{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.OrNop().With(logx.String("comp", "permission"))
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "prompt",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		// An unanswered prompt is the user's choice, not a broken handler.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn("prompt handler breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	if m.settings.Enforcement == Disabled {
		m.log.Warn("permission enforcement is disabled; every capability is auto-granted")
	}
	return m
}

// Load seeds the decision history from the store.
func (m *Manager) Load(ctx context.Context) error {
	ds, err := m.store.ListDecisions(ctx)
	if err != nil {
		return errs.E(errs.KindIO, "load decisions", err)
	}
	m.mu.Lock()
	for _, d := range ds {
		m.history[decisionKey(d.PluginID, Category(d.Category), d.ScopeHash)] = d.Granted
	}
	m.mu.Unlock()
	m.log.Debug("decision history loaded", logx.Int("records", len(ds)))
	return nil
}

// Configure swaps the hot-reloadable settings.
func (m *Manager) Configure(s Settings) {
	m.mu.Lock()
	prev := m.settings
	m.settings = s
	m.mu.Unlock()
	if s.Enforcement == Disabled && prev.Enforcement != Disabled {
		m.log.Warn("permission enforcement is disabled; every capability is auto-granted")
	}
}

func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Validate checks every requested capability without deciding anything.
func Validate(reqs []Descriptor) error {
	for _, d := range reqs {
		if err := d.Capability.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Check returns a token covering everything in req or an error. Errors carry
// errs.KindPermission and wrap ErrDenied, ErrScopeTooLarge,
// ErrInvalidCapability, ErrRequestTimeout or ErrPromptFailed.
func (m *Manager) Check(ctx context.Context, req CheckRequest) (Token, error) {
	const op = "check permissions"
	fail := func(err error) (Token, error) {
		return Token{}, errs.P(errs.KindPermission, op, req.PluginID, err)
	}
	if err := Validate(req.Requested); err != nil {
		return fail(err)
	}

	unlock, err := m.locks.Lock(ctx, req.PluginID)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	requested := make([]Capability, len(req.Requested))
	for i, d := range req.Requested {
		requested[i] = d.Capability
	}

	m.mu.RLock()
	set := m.settings
	tok, hasTok := m.liveTokenLocked(req.PluginID)
	hist := make(map[string]bool, len(req.Requested))
	for _, c := range requested {
		k := decisionKey(req.PluginID, c.Category, c.ScopeHash())
		if g, ok := m.history[k]; ok {
			hist[k] = g
		}
	}
	m.mu.RUnlock()

	if hasTok && tok.CoversAll(requested) {
		return tok, nil
	}

	var (
		denied []Capability
		source string
		ask    []PromptItem
		auto   []Capability
	)
	for _, d := range req.Requested {
		c := d.Capability
		risk := set.Risk.Assess(c)
		g, seen := hist[decisionKey(req.PluginID, c.Category, c.ScopeHash())]
		switch {
		case hasTok && tok.Covers(c):
		case set.Enforcement == Disabled:
			auto = append(auto, c)
		case set.Policy == AutoDeny:
			denied, source = append(denied, c), "policy"
		case set.Policy == AskOnce && seen && g:
		case set.Policy == AskOnce && seen && !g:
			denied, source = append(denied, c), "history"
		case set.Policy != AlwaysAsk && set.Enforcement.autoGrantable(risk):
			auto = append(auto, c)
		default:
			ask = append(ask, PromptItem{Capability: c, Reason: d.Reason, Risk: risk})
		}
	}
	if len(denied) > 0 {
		m.publishDenied(req.PluginID, denied, source)
		return fail(&DeniedError{Plugin: req.PluginID, Capabilities: denied, Source: source})
	}

	if len(ask) > 0 {
		refused, err := m.prompt(ctx, req, ask, set.PromptTimeout)
		if err != nil {
			return fail(err)
		}
		if len(refused) > 0 {
			m.publishDenied(req.PluginID, refused, "user")
			return fail(&DeniedError{Plugin: req.PluginID, Capabilities: refused, Source: "user"})
		}
	}

	now := m.clock()
	for _, c := range auto {
		m.record(ctx, req.PluginID, c, true, now)
	}
	tok = Token{
		ID:           uuid.NewString(),
		PluginID:     req.PluginID,
		Capabilities: requested,
		GrantedAt:    now,
	}
	if set.TokenTTL > 0 {
		tok.ExpiresAt = now.Add(set.TokenTTL)
	}
	m.mu.Lock()
	m.tokens[req.PluginID] = tok
	m.mu.Unlock()

	m.log.Info("permissions granted", logx.Plugin(req.PluginID), logx.Int("capabilities", len(requested)), logx.Int("prompted", len(ask)))
	m.bus.Publish(eventbus.Event{Type: eventbus.PermissionGranted, Plugin: req.PluginID, Data: tok})
	return tok, nil
}

// prompt asks the handler about items and persists every answer. It returns
// the refused capabilities.
func (m *Manager) prompt(ctx context.Context, req CheckRequest, items []PromptItem, timeout time.Duration) ([]Capability, error) {
	if m.handler == nil {
		return nil, ErrNoPromptHandler
	}
	if timeout <= 0 {
		timeout = DefaultSettings().PromptTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := pctx.Deadline()

	preq := Request{
		ID:         uuid.NewString(),
		PluginID:   req.PluginID,
		PluginName: req.PluginName,
		Reason:     req.Reason,
		Items:      items,
		Deadline:   deadline,
	}
	m.log.Debug("prompting for permissions", logx.Plugin(req.PluginID), logx.String("request", preq.ID), logx.Int("items", len(items)))

	out, err := m.breaker.Execute(func() (interface{}, error) { return m.callHandler(pctx, preq) })
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrPromptFailed, err)
		}
	}
	resp := out.(Response)

	var refused []Capability
	now := m.clock()
	for _, it := range items {
		granted := false
		switch resp.Outcome {
		case Allowed:
			granted = true
		case Partial:
			for _, a := range resp.Allowed {
				if a.Covers(it.Capability) {
					granted = true
					break
				}
			}
		}
		if !granted {
			refused = append(refused, it.Capability)
		}
		m.record(ctx, req.PluginID, it.Capability, granted, now)
	}
	return refused, nil
}

// callHandler stops waiting at ctx's deadline even if the handler does not.
func (m *Manager) callHandler(ctx context.Context, req Request) (Response, error) {
	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("prompt handler panic: %v", r)}
			}
		}()
		resp, err := m.handler.Prompt(ctx, req)
		ch <- result{resp, err}
	}()
	select {
	case r := <-ch:
		if r.err == nil && ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (m *Manager) record(ctx context.Context, pluginID string, c Capability, granted bool, at time.Time) {
	hash := c.ScopeHash()
	m.mu.Lock()
	m.history[decisionKey(pluginID, c.Category, hash)] = granted
	m.mu.Unlock()

	scope, _ := json.Marshal(c)
	err := m.store.PutDecision(context.WithoutCancel(ctx), storage.Decision{
		PluginID:  pluginID,
		Category:  string(c.Category),
		ScopeHash: hash,
		Scope:     scope,
		Granted:   granted,
		DecidedAt: at,
	})
	if err != nil {
		m.log.Warn("persist decision failed", logx.Plugin(pluginID), logx.Err(err))
	}
}

func (m *Manager) publishDenied(pluginID string, caps []Capability, source string) {
	m.log.Info("permissions denied", logx.Plugin(pluginID), logx.String("source", source), logx.Int("capabilities", len(caps)))
	m.bus.Publish(eventbus.Event{Type: eventbus.PermissionDenied, Plugin: pluginID, Data: map[string]any{
		"source":       source,
		"capabilities": caps,
	}})
}

// liveTokenLocked returns the token if present and unexpired. Caller holds mu.
func (m *Manager) liveTokenLocked(pluginID string) (Token, bool) {
	t, ok := m.tokens[pluginID]
	if !ok || t.Expired(m.clock()) {
		return Token{}, false
	}
	return t, true
}

// Token returns the plugin's live token. An expired token is dropped here.
func (m *Manager) Token(pluginID string) (Token, bool) {
	m.mu.RLock()
	t, ok := m.tokens[pluginID]
	m.mu.RUnlock()
	if !ok {
		return Token{}, false
	}
	if t.Expired(m.clock()) {
		m.mu.Lock()
		if cur, ok := m.tokens[pluginID]; ok && cur.ID == t.ID {
			delete(m.tokens, pluginID)
		}
		m.mu.Unlock()
		m.log.Debug("token expired", logx.Plugin(pluginID))
		return Token{}, false
	}
	return t, true
}

// HasPermission reports whether the plugin's live token covers c.
func (m *Manager) HasPermission(pluginID string, c Capability) bool {
	t, ok := m.Token(pluginID)
	return ok && t.Covers(c)
}

// Tokens returns every live token.
func (m *Manager) Tokens() []Token {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	out := make([]Token, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.Token(id); ok {
			out = append(out, t)
		}
	}
	return out
}

// DropToken removes the live token but keeps decision history.
func (m *Manager) DropToken(pluginID string) {
	m.mu.Lock()
	delete(m.tokens, pluginID)
	m.mu.Unlock()
}

// Revoke deletes the plugin's token and every persisted decision.
func (m *Manager) Revoke(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	delete(m.tokens, pluginID)
	for k := range m.history {
		if keyPlugin(k) == pluginID {
			delete(m.history, k)
		}
	}
	m.mu.Unlock()

	n, err := m.store.DeleteDecisions(ctx, pluginID)
	if err != nil {
		return errs.P(errs.KindIO, "revoke", pluginID, err)
	}
	m.log.Info("permissions revoked", logx.Plugin(pluginID), logx.Int("decisions", n))
	m.bus.Publish(eventbus.Event{Type: eventbus.PermissionRevoked, Plugin: pluginID})
	return nil
}

func decisionKey(pluginID string, c Category, scopeHash string) string {
	return pluginID + "\x00" + string(c) + "\x00" + scopeHash
}

func keyPlugin(k string) string {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i]
		}
	}
	return k
}
