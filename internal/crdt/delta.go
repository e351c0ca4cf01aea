package crdt

import "encoding/json"

// Delta is the difference one replica computes for a requester holding
// From.
//
// Events are the log entries not causally covered by From, in canonical
// order and possibly truncated. To is the sender's aggregate clock at
// computation time. Metrics and Metadata, when present, are full LWW
// snapshots including tombstones; merging them is idempotent.
type Delta struct {
	From     VectorClock                          `json:"from" cbor:"from"`
	To       VectorClock                          `json:"to" cbor:"to"`
	Events   []Event                              `json:"events,omitempty" cbor:"events,omitempty"`
	Metrics  map[string]LWWEntry[float64]         `json:"metrics,omitempty" cbor:"metrics,omitempty"`
	Metadata map[string]LWWEntry[json.RawMessage] `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// IsEmpty reports whether applying d could not change any replica.
func (d Delta) IsEmpty() bool {
	return len(d.Events) == 0 && len(d.Metrics) == 0 && len(d.Metadata) == 0
}

// HasStateUpdates reports whether d carries LWW entries.
func (d Delta) HasStateUpdates() bool {
	return len(d.Metrics) > 0 || len(d.Metadata) > 0
}
