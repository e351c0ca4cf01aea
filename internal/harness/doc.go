// Package harness runs scripted multi-replica scenarios for conformance
// testing.
//
// A scenario (YAML, see Scenario) lists instance ids, a seed, a sequence
// of steps and assertions on the final replicas:
//
//	name: partition-heal
//	instances: [a, b, c]
//	seed: 7
//	steps:
//	  - record: {instance: a, kind: memory_created}
//	  - partition: {groups: [[a, b], [c]]}
//	  - record: {instance: c, kind: pattern_discovered}
//	  - rounds: {count: 2}
//	  - heal: {}
//	  - rounds: {count: 3}
//	assertions:
//	  - type: converged
//	  - type: event_count
//	    instance: b
//	    count: 2
//
// Each instance runs a real engine.Node on a shared in-memory network.
// Nodes use manual rounds, a manual clock, sequential event ids and
// seeded peer sampling, so the per-step trace is reproducible and can be
// compared against golden files with RunWithGolden.
//
// Steps:
//   - record: append an event on one instance
//   - metric: write a metric on one instance
//   - rounds: advance the clock one interval and tick every node, count times
//   - partition: split the network into groups
//   - heal: restore full connectivity
//   - full_sync: have "to" pull the whole state of "from"
//
// Assertions: converged, same_order, event_count, metric.
package harness
