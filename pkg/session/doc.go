// Package session tracks active agent runs and their abort handles.
//
// Invariants:
// - Session ids are unique among active entries.
// - Rekeying moves an entry atomically; it is never unreachable under both keys.
// - Remove and Abort are idempotent; unknown ids are not errors.
// - Auxiliary resources are released before an entry is removed.
//
// Usage:
//
//	reg := session.NewRegistry()
//	_ = reg.Add(session.Entry{ID: "pending-1", Provider: "process", Handle: h})
//	_ = reg.Rekey("pending-1", "3f2a...")
//	found := reg.Abort(ctx, "3f2a...")
//	_ = found
package session
