// Package session owns the id to Session map and the single-writer lock on
// each session.
//
// # Locking
//
// The registry map is guarded by one RWMutex that is only held long enough to
// look up, insert or remove an entry. Everything about an individual session
// (status, lock holder, timestamps) is guarded by that session's own mutex, so
// work on one session never contends with another.
//
// Acquire never waits: a held session yields ErrBusy immediately. A
// successful Acquire returns a Guard whose Release is idempotent, so callers
// can `defer guard.Release()` and release early on special paths.
//
// # Reuse policy
//
// CreateOrGet with a known id returns the existing session and ignores the
// supplied configuration. Only the creator decides a session's configuration.
//
// # Lifecycle
//
//	Creating -> Ready -> Processing -> {Waiting <-> Processing} -> {Completed | Error}
//	any state -> Terminated
//
// Completed and Error sessions can be driven again, which moves them back to
// Processing.
package session
