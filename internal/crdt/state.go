package crdt

import (
	"encoding/json"
	"math"
	"time"
)

// ReplicaState is everything one instance replicates: its event log plus
// the metrics and metadata LWW maps.
//
// The local causal clock is the log's aggregate clock; recording an event
// ticks the owner's entry on top of everything already observed, so every
// local event causally follows every event the replica has applied.
type ReplicaState struct {
	instanceID string
	log        *Log
	metrics    *LWWMap[float64]
	metadata   *LWWMap[json.RawMessage]
	lastSync   time.Time

	// version counts effective LWW changes, local or merged.
	version uint64
	// lastStamp is the last LWW timestamp issued locally.
	lastStamp float64

	now func() time.Time
	ids IDGenerator
}

// StateOption configures a ReplicaState.
type StateOption func(*ReplicaState)

// WithClock sets the wall-clock source used for event timestamps and LWW
// writes. Defaults to time.Now.
func WithClock(now func() time.Time) StateOption {
	return func(s *ReplicaState) {
		s.now = now
	}
}

// WithIDGenerator sets the event id source. Defaults to UUIDGenerator.
func WithIDGenerator(ids IDGenerator) StateOption {
	return func(s *ReplicaState) {
		s.ids = ids
	}
}

// NewReplicaState creates an empty state owned by instanceID.
func NewReplicaState(instanceID string, opts ...StateOption) *ReplicaState {
	s := &ReplicaState{
		instanceID: instanceID,
		log:        NewLog(),
		metrics:    NewLWWMap[float64](),
		metadata:   NewLWWMap[json.RawMessage](),
		now:        time.Now,
		ids:        UUIDGenerator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID returns the owning instance id.
func (s *ReplicaState) InstanceID() string { return s.instanceID }

// Log returns the underlying log. Callers must treat it as read-only.
func (s *ReplicaState) Log() *Log { return s.log }

// Metrics returns the metrics map. Callers must treat it as read-only.
func (s *ReplicaState) Metrics() *LWWMap[float64] { return s.metrics }

// Metadata returns the metadata map. Callers must treat it as read-only.
func (s *ReplicaState) Metadata() *LWWMap[json.RawMessage] { return s.metadata }

// Clock returns a copy of the aggregate clock.
func (s *ReplicaState) Clock() VectorClock { return s.log.Clock() }

// StateVersion returns a counter bumped on every effective LWW change.
func (s *ReplicaState) StateVersion() uint64 { return s.version }

// LastSync returns the last time MarkSynced was called.
func (s *ReplicaState) LastSync() time.Time { return s.lastSync }

// MarkSynced records a completed exchange with a peer.
func (s *ReplicaState) MarkSynced(t time.Time) { s.lastSync = t }

// RecordEvent creates a local event, appends it and returns a copy.
func (s *ReplicaState) RecordEvent(kind EventKind, payload json.RawMessage) Event {
	clock := s.log.Clock()
	clock.Tick(s.instanceID)

	e := Event{
		ID:        s.ids.Generate(),
		Origin:    s.instanceID,
		Kind:      kind,
		Timestamp: s.now().UTC(),
		Payload:   payload,
		Clock:     clock,
	}
	s.log.Append(e)
	return e.clone()
}

// UpdateMetric writes a metric as the local instance. Returns whether the
// map changed.
func (s *ReplicaState) UpdateMetric(name string, value float64) bool {
	existing, ok := s.metrics.GetEntry(name)
	ts := s.stamp(existing.Timestamp, ok)
	return s.bump(s.metrics.Set(name, value, ts, s.instanceID))
}

// SetMetadata writes a metadata value as the local instance.
func (s *ReplicaState) SetMetadata(key string, value json.RawMessage) bool {
	existing, ok := s.metadata.GetEntry(key)
	ts := s.stamp(existing.Timestamp, ok)
	return s.bump(s.metadata.Set(key, value, ts, s.instanceID))
}

// RemoveMetadata tombstones a metadata key as the local instance.
func (s *ReplicaState) RemoveMetadata(key string) bool {
	existing, ok := s.metadata.GetEntry(key)
	ts := s.stamp(existing.Timestamp, ok)
	return s.bump(s.metadata.Remove(key, ts, s.instanceID))
}

// stamp returns the timestamp for a local LWW write: the wall clock in
// seconds, raised if needed so it is strictly greater than both the last
// local stamp and the entry being overwritten. A local write therefore
// always supersedes what this replica has already observed.
func (s *ReplicaState) stamp(existing float64, hasExisting bool) float64 {
	ts := float64(s.now().UnixNano()) / 1e9
	if ts <= s.lastStamp {
		ts = math.Nextafter(s.lastStamp, math.Inf(1))
	}
	if hasExisting && ts <= existing {
		ts = math.Nextafter(existing, math.Inf(1))
	}
	s.lastStamp = ts
	return ts
}

func (s *ReplicaState) bump(changed bool) bool {
	if changed {
		s.version++
	}
	return changed
}

// DeltaSince packages the events a holder of since may be missing. A
// limit > 0 keeps only the first limit events in canonical order; the
// result is still causally closed because causal predecessors sort first.
// LWW snapshots are not included; see WithStateSnapshot.
func (s *ReplicaState) DeltaSince(since VectorClock, limit int) Delta {
	return Delta{
		From:   since.Clone(),
		To:     s.log.Clock(),
		Events: s.log.EventsSince(since, limit),
	}
}

// WithStateSnapshot returns d with full metrics and metadata snapshots
// attached.
func (s *ReplicaState) WithStateSnapshot(d Delta) Delta {
	d.Metrics = s.metrics.Entries()
	d.Metadata = s.metadata.Entries()
	return d
}

// ApplyDelta merges d into the state and returns the events that were
// new to this replica, in the order they were carried.
//
// d.To is not merged into the local clock. The aggregate clock covers
// only events actually held, and a truncated delta does not carry
// everything To covers.
func (s *ReplicaState) ApplyDelta(d Delta) []Event {
	var applied []Event
	for _, e := range d.Events {
		if s.log.Append(e) {
			applied = append(applied, e.clone())
		}
	}
	if len(d.Metrics) > 0 {
		s.bump(s.metrics.MergeEntries(d.Metrics))
	}
	if len(d.Metadata) > 0 {
		s.bump(s.metadata.MergeEntries(d.Metadata))
	}
	return applied
}

// Merge folds a whole other state into s. Used for full resynchronisation.
func (s *ReplicaState) Merge(other *ReplicaState) {
	if other == nil {
		return
	}
	s.log.Merge(other.log)
	s.bump(s.metrics.Merge(other.metrics))
	s.bump(s.metadata.Merge(other.metadata))
}

// Clone returns an independent deep copy sharing the clock and id
// sources.
func (s *ReplicaState) Clone() *ReplicaState {
	out := *s
	out.log = s.log.Clone()
	out.metrics = s.metrics.Clone()
	out.metadata = s.metadata.Clone()
	return &out
}
