package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu        sync.Mutex
	decisions map[string]Decision
	audit     []AuditEntry
	closed    bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{decisions: map[string]Decision{}}
}

func (s *memoryStore) PutDecision(_ context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	s.decisions[d.key()] = d
	return nil
}

func (s *memoryStore) ListDecisions(context.Context) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedDecisions(s.decisions), nil
}

func (s *memoryStore) DeleteDecisions(_ context.Context, pluginID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return deletePlugin(s.decisions, pluginID), nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.audit, limit), nil
}

func (s *memoryStore) Compact(context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortedDecisions(m map[string]Decision) []Decision {
	out := make([]Decision, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func deletePlugin(m map[string]Decision, pluginID string) int {
	n := 0
	for k, d := range m {
		if d.PluginID == pluginID {
			delete(m, k)
			n++
		}
	}
	return n
}

// tail returns the newest limit entries, newest first.
func tail(in []AuditEntry, limit int) []AuditEntry {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
