package crdt

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies an experience event.
type EventKind string

const (
	KindMemoryCreated       EventKind = "memory_created"
	KindMemoryUpdated       EventKind = "memory_updated"
	KindPatternDiscovered   EventKind = "pattern_discovered"
	KindSkillLearned        EventKind = "skill_learned"
	KindEvaluationCompleted EventKind = "evaluation_completed"
	KindCollaborationEvent  EventKind = "collaboration_event"
	KindStateTransition     EventKind = "state_transition"
	KindMetricUpdated       EventKind = "metric_updated"
)

// EventKinds lists every valid kind in declaration order.
var EventKinds = []EventKind{
	KindMemoryCreated,
	KindMemoryUpdated,
	KindPatternDiscovered,
	KindSkillLearned,
	KindEvaluationCompleted,
	KindCollaborationEvent,
	KindStateTransition,
	KindMetricUpdated,
}

// Valid reports whether k is one of EventKinds.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ValidPayload reports whether p can be carried by an event: absent or
// well-formed JSON.
func ValidPayload(p json.RawMessage) bool {
	return len(p) == 0 || json.Valid(p)
}

// ParseEventKind converts a string into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Event is one immutable unit of experience.
//
// Events are created only by their origin instance through
// ReplicaState.RecordEvent, propagated by value and never deleted.
// Timestamp is informational; Clock is the only ordering input.
type Event struct {
	ID        string          `json:"id" cbor:"id"`
	Origin    string          `json:"origin" cbor:"origin"`
	Kind      EventKind       `json:"kind" cbor:"kind"`
	Timestamp time.Time       `json:"timestamp" cbor:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
	Clock     VectorClock     `json:"clock" cbor:"clock"`
}

// clone returns a deep copy so callers can never alias log internals.
func (e Event) clone() Event {
	out := e
	out.Clock = e.Clock.Clone()
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

// orderedBefore is the canonical total order used by Log: clock sum, then
// id. It extends the causal order, so it never contradicts HappenedBefore.
func orderedBefore(a, b *Event) bool {
	sa, sb := a.Clock.Sum(), b.Clock.Sum()
	if sa != sb {
		return sa < sb
	}
	return a.ID < b.ID
}
