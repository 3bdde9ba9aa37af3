// Package store persists session records and the per-session event ledger.
//
// # Architecture
//
// Store is a small interface with two implementations:
//
//   - SQLiteStore: durable storage backed by modernc.org/sqlite (no cgo), WAL mode
//   - MemoryStore: in-process maps, used when no storage path is configured and in tests
//
// # Data Models
//
//   - Session: the registry's view of a session (status, owner, config snapshot)
//   - Event: one delivered notification envelope, keyed by (session_id, sequence)
//
// Ledger entries are append-only and survive session deletion so that
// `kaiak history` can show what a removed session did.
//
// # Pagination
//
// ListEvents returns events with a sequence strictly greater than the given
// cursor, ascending, capped at MaxListLimit.
package store
