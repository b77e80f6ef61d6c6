// Package storage persists permission decision records and the lifecycle
// audit trail.
//
// Drivers:
//   - "file": journal + snapshot files, no external dependencies
//   - "sqlite": a single SQLite database file (modernc.org/sqlite)
//   - "memory": process-local maps, used by tests and ephemeral hosts
package storage
