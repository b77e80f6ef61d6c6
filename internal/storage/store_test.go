package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "warden/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st
}

func TestDecisionsRoundTripAcrossReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")

			st := openDriver(t, driver, path)
			must(t, st.PutDecision(ctx, Decision{PluginID: "a", Category: "filesystem", ScopeHash: "h1", Granted: true}))
			must(t, st.PutDecision(ctx, Decision{PluginID: "a", Category: "network", ScopeHash: "h2", Granted: false}))
			must(t, st.PutDecision(ctx, Decision{PluginID: "b", Category: "ui", ScopeHash: "h3", Granted: true}))
			// Same key overwrites.
			must(t, st.PutDecision(ctx, Decision{PluginID: "a", Category: "network", ScopeHash: "h2", Granted: true}))
			must(t, st.Close())

			st = openDriver(t, driver, path)
			defer st.Close()
			got, err := st.ListDecisions(ctx)
			must(t, err)
			if len(got) != 3 {
				t.Fatalf("decisions = %d, want 3: %+v", len(got), got)
			}
			for _, d := range got {
				if d.PluginID == "a" && d.Category == "network" && !d.Granted {
					t.Fatalf("overwrite lost: %+v", d)
				}
				if d.DecidedAt.IsZero() {
					t.Fatalf("decided_at not stamped: %+v", d)
				}
			}

			n, err := st.DeleteDecisions(ctx, "a")
			must(t, err)
			if n != 2 {
				t.Fatalf("deleted = %d, want 2", n)
			}
			got, err = st.ListDecisions(ctx)
			must(t, err)
			if len(got) != 1 || got[0].PluginID != "b" {
				t.Fatalf("after delete = %+v", got)
			}
		})
	}
}

func TestAuditNewestFirst(t *testing.T) {
	for _, driver := range []string{"file", "sqlite", "memory"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver, filepath.Join(t.TempDir(), "state.db"))
			defer st.Close()

			must(t, st.AppendAudit(ctx, AuditEntry{Plugin: "a", Action: "install", OK: true}))
			must(t, st.AppendAudit(ctx, AuditEntry{Plugin: "a", Action: "enable", OK: false, Error: "denied"}))

			got, err := st.RecentAudit(ctx, 1)
			must(t, err)
			if len(got) != 1 || got[0].Action != "enable" || got[0].OK || got[0].Error != "denied" {
				t.Fatalf("recent = %+v", got)
			}
		})
	}
}

func TestFileStoreCompactTruncatesJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openDriver(t, "file", filepath.Join(dir, "state.json"))
	defer st.Close()

	must(t, st.PutDecision(ctx, Decision{PluginID: "a", Category: "ui", ScopeHash: "h"}))
	must(t, st.Compact(ctx))

	fi, err := os.Stat(filepath.Join(dir, "state.decisions.journal.jsonl"))
	must(t, err)
	if fi.Size() != 0 {
		t.Fatalf("journal size = %d after compact", fi.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "state.decisions.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "doc.json")
	must(t, WriteFileAtomic(p, []byte("one"), 0o600))
	must(t, WriteFileAtomic(p, []byte("two"), 0o600))
	b, err := os.ReadFile(p)
	must(t, err)
	if string(b) != "two" {
		t.Fatalf("content = %q", b)
	}
	entries, err := os.ReadDir(filepath.Dir(p))
	must(t, err)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
