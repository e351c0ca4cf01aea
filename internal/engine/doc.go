// Package engine runs one replica as a single-writer actor.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// A Node owns one gossip.Engine, and through it one crdt.ReplicaState,
// plus one transport.Transport. Every mutation of that pair happens on
// the Run goroutine:
//   - public API calls are queued as commands and executed in FIFO order
//   - inbound messages are drained from the transport and handled in
//     arrival order
//   - send outcomes are queued back and applied to the peer table
//
// Sends run off the loop, bounded by an errgroup limit and a per-send
// timeout, so a gossip round never waits for a peer.
//
// Failures at the edges are logged and the loop continues: one malformed
// message, failed send or sink write never stops replication.
package engine
