// Package store provides SQLite-backed durable storage for one replica.
//
// The store keeps:
//   - Events: every event the replica has appended, local or remote
//   - LWW entries: the winning metrics and metadata writes, tombstones
//     included
//
// # Critical Patterns
//
// Idempotency
//   - events are keyed by id and written with ON CONFLICT DO NOTHING
//   - LWW upserts only replace a row when the incoming write wins under
//     the same (timestamp, writer, deleted) rule the replica uses
//
// Deterministic reads
//   - events are read ORDER BY clock_sum ASC, id COLLATE BINARY ASC,
//     the canonical log order
//   - wall-clock timestamps are stored for inspection only
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Store implements engine.Sink and engine.EntrySink, so a node can
// persist everything it appends. Restore rebuilds a replica from the
// stored rows after a restart.
package store
