package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "warden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl              (append-only JSON Lines)
//   - <prefix>.decisions.snapshot.json  (atomic snapshot)
//   - <prefix>.decisions.journal.jsonl  (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath    string
	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	decisions map[string]Decision
	writes    int
}

const compactEvery = 500

type journalOp struct {
	Op       string    `json:"op"` // "put" | "del"
	Decision *Decision `json:"decision,omitempty"`
	PluginID string    `json:"plugin_id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditPath:    prefix + ".audit.jsonl",
		snapshotPath: prefix + ".decisions.snapshot.json",
		decisions:    map[string]Decision{},
	}
	journalPath := prefix + ".decisions.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("decision snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var list []Decision
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, d := range list {
		s.decisions[d.key()] = d
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		s.apply(op)
	}
	return sc.Err()
}

func (s *fileStore) apply(op journalOp) int {
	switch op.Op {
	case "put":
		if op.Decision != nil {
			s.decisions[op.Decision.key()] = *op.Decision
		}
	case "del":
		return deletePlugin(s.decisions, op.PluginID)
	}
	return 0
}

func (s *fileStore) appendJournal(op journalOp) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("decision compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutDecision(_ context.Context, d Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendJournal(journalOp{Op: "put", Decision: &d}); err != nil {
		return err
	}
	s.apply(journalOp{Op: "put", Decision: &d})
	return nil
}

func (s *fileStore) ListDecisions(context.Context) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return sortedDecisions(s.decisions), nil
}

func (s *fileStore) DeleteDecisions(_ context.Context, pluginID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := journalOp{Op: "del", PluginID: pluginID}
	if err := s.appendJournal(op); err != nil {
		return 0, err
	}
	return s.apply(op), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var all []AuditEntry
	dec := json.NewDecoder(f)
	for {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return tail(all, limit), nil
		}
		all = append(all, e)
	}
	return tail(all, limit), nil
}

func (s *fileStore) Compact(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(sortedDecisions(s.decisions))
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(s.snapshotPath, b, 0o600); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}
