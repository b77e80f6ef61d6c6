package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "warden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// auditRetention bounds the audit table; Compact prunes older rows.
const auditRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) PutDecision(ctx context.Context, d Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions(plugin_id, category, scope_hash, scope, granted, decided_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(plugin_id, category, scope_hash) DO UPDATE SET
		   scope=excluded.scope, granted=excluded.granted, decided_at=excluded.decided_at`,
		d.PluginID, d.Category, d.ScopeHash, nullStr(string(d.Scope)), boolInt(d.Granted),
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plugin_id, category, scope_hash, scope, granted, decided_at
		 FROM decisions ORDER BY plugin_id, category, scope_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d       Decision
			scope   sql.NullString
			granted int
			at      string
		)
		if err := rows.Scan(&d.PluginID, &d.Category, &d.ScopeHash, &scope, &granted, &at); err != nil {
			return nil, err
		}
		if scope.Valid {
			d.Scope = []byte(scope.String)
		}
		d.Granted = granted != 0
		d.DecidedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteDecisions(ctx context.Context, pluginID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, plugin, action, actor, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Plugin), e.Action, nullStr(e.Actor),
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, plugin, action, actor, ok, err, took_ms, meta FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                        AuditEntry
			at                       string
			plugin, actor, msg, meta sql.NullString
			ok                       int
			took                     sql.NullInt64
		)
		if err := rows.Scan(&at, &plugin, &e.Action, &actor, &ok, &msg, &took, &meta); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Plugin, e.Actor, e.Error, e.MetaJSON = plugin.String, actor.String, msg.String, meta.String
		e.OK = ok != 0
		e.TookMS = took.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	cutoff := time.Now().Add(-auditRetention).UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
