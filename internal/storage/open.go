package storage

import (
	"context"
	"fmt"
	"strings"

	logx "warden/pkg/logx"
)

// Store is the persistence API used by the permission manager and loader.
type Store interface {
	PutDecision(ctx context.Context, d Decision) error
	ListDecisions(ctx context.Context) ([]Decision, error)
	DeleteDecisions(ctx context.Context, pluginID string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	// Compact folds journals into snapshots and prunes old data. It is a no-op
	// for drivers that have nothing to fold.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	log = log.OrNop().With(logx.String("comp", "storage"))
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
