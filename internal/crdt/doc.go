// Package crdt implements the replicated state model shared by every
// Chrysalis instance.
//
// The package is pure: no goroutines, no I/O, no locks. Every operation is
// a total function over in-memory values, and every merge is commutative,
// associative and idempotent so replicas converge regardless of delivery
// order, duplication, or which side initiates an exchange.
//
// # Types
//
//   - VectorClock: per-instance counters giving a causal partial order.
//   - Event: an immutable experience record stamped with a VectorClock.
//   - Log: an append-only, deduplicated set of events kept in a single
//     deterministic order.
//   - LWWMap: a last-writer-wins register map with tombstones.
//   - Delta: the events and register entries a peer may be missing.
//   - ReplicaState: one instance's Log plus its metrics and metadata maps.
//
// # Ordering
//
// Wall-clock timestamps on events are informational only. Ordering uses
// the event's VectorClock: the log is sorted by (clock sum, event id).
// If A happened-before B then sum(A) < sum(B), so the key extends the
// causal order, and concurrent events fall back to a fixed tie-break.
// The resulting sequence depends only on the set of events held.
//
// ReplicaState is not safe for concurrent use. The engine package owns
// each ReplicaState from a single goroutine.
package crdt
