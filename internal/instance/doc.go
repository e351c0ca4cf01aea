// Package instance tracks agent instances and binds the local one to its
// replication node.
//
// Registry is the single mutation gateway for instance records: every
// read returns a copy and every status change is checked against the
// lifecycle table in status.go. Coordinator owns one Registry and one
// engine.Node and keeps them consistent: a remote instance takes part in
// gossip only while it is running, and the local node only runs timed
// rounds while the local instance is running.
//
// The replica outlives the local registration. Unregistering or stopping
// the local instance leaves Coordinator.State readable so late peers can
// still catch up from it.
package instance
