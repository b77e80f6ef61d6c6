package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Decision is a persisted terminal answer to a capability prompt, keyed by
// (PluginID, Category, ScopeHash).
type Decision struct {
	PluginID  string          `json:"plugin_id"`
	Category  string          `json:"category"`
	ScopeHash string          `json:"scope_hash"`
	Scope     json.RawMessage `json:"scope,omitempty"`
	Granted   bool            `json:"granted"`
	DecidedAt time.Time       `json:"decided_at"`
}

func (d Decision) key() string { return d.PluginID + "\x00" + d.Category + "\x00" + d.ScopeHash }

// AuditEntry records one lifecycle operation.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Plugin   string    `json:"plugin,omitempty"`
	Action   string    `json:"action"`
	Actor    string    `json:"actor,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
