// Package gossip implements the epidemic anti-entropy protocol that spreads
// replica state between Chrysalis instances.
//
// The Engine is a deterministic protocol core: it owns one
// crdt.ReplicaState and a table of PeerRecords, decides who to talk to,
// builds outbound Messages and applies inbound ones. It performs no I/O and
// starts no goroutines. Delivering Outbound messages, and reporting the
// outcome back through MarkPeerSeen / MarkPeerFailed, is the caller's job
// (see the engine package).
//
// Thread-safety: Engine is not safe for concurrent use. A single owner
// goroutine drives it.
//
// A round, as produced by InitiateGossip:
//
//  1. Sample up to Fanout eligible peers at random. A peer is eligible when
//     reachable, or when RetryInterval has elapsed since its last failure.
//  2. For each target compute the delta against the peer's last known
//     clock, attach LWW snapshots if the local state changed since the
//     last snapshot sent to that peer, and emit a Push unless empty.
//  3. Emit a Heartbeat to a random sample of up to Fanout known peers,
//     reachable or not, so lost peers can be rediscovered.
package gossip
