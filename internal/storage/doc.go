// Package storage persists finished publish sessions, session bindings and
// the audit trail.
//
// Drivers: memory (tests/dev), file (JSON Lines journal), sqlite (modernc,
// pure Go) and postgres (lib/pq). Stored results are immutable: the first
// SaveResult for an (event, session) pair wins.
package storage
