package crdt

import (
	"slices"
	"sort"
)

// Log is an append-only, deduplicated set of events.
//
// INVARIANTS:
//   - every event id appears at most once
//   - events are always sorted by (clock sum, id), see orderedBefore
//   - clock dominates the clock of every event held
//
// Because the order is a function of the id set alone, two logs holding
// the same events expose byte-identical sequences no matter how they were
// built. The zero value is an empty log ready for use.
type Log struct {
	events []Event
	seen   map[string]struct{}
	clock  VectorClock
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{
		seen:  make(map[string]struct{}),
		clock: NewVectorClock(),
	}
}

// Append adds an event. Returns false, leaving the log untouched, if the
// id has already been seen.
func (l *Log) Append(e Event) bool {
	if l.Contains(e.ID) {
		return false
	}
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	e = e.clone()
	l.seen[e.ID] = struct{}{}
	l.clock.Merge(e.Clock)

	// Binary search for the insertion point keeps the canonical order
	// without resorting. Local records land at the tail in practice.
	i := sort.Search(len(l.events), func(i int) bool {
		return orderedBefore(&e, &l.events[i])
	})
	l.events = slices.Insert(l.events, i, e)
	return true
}

// Contains reports whether an event with the given id is held.
func (l *Log) Contains(id string) bool {
	_, ok := l.seen[id]
	return ok
}

// EventsSince returns, in log order, every event whose clock is not
// causally before-or-equal to since. These are the events a holder of
// since may be missing. A limit > 0 caps the result length.
func (l *Log) EventsSince(since VectorClock, limit int) []Event {
	var out []Event
	for i := range l.events {
		if l.events[i].Clock.LessOrEqual(since) {
			continue
		}
		out = append(out, l.events[i].clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Merge imports every event of other not already held, then restores the
// canonical order. The resulting sequence is the same whichever side
// initiates the merge.
func (l *Log) Merge(other *Log) {
	if other == nil {
		return
	}
	if l.seen == nil {
		l.seen = make(map[string]struct{}, len(other.events))
	}
	added := false
	for i := range other.events {
		e := &other.events[i]
		if _, ok := l.seen[e.ID]; ok {
			continue
		}
		l.seen[e.ID] = struct{}{}
		l.events = append(l.events, e.clone())
		added = true
	}
	l.clock.Merge(other.clock)
	if added {
		slices.SortFunc(l.events, func(a, b Event) int {
			switch {
			case orderedBefore(&a, &b):
				return -1
			case orderedBefore(&b, &a):
				return 1
			default:
				return 0
			}
		})
	}
}

// Events returns a copy of the sequence in canonical order.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	for i := range l.events {
		out[i] = l.events[i].clone()
	}
	return out
}

// IDs returns the event ids in canonical order.
func (l *Log) IDs() []string {
	ids := make([]string, len(l.events))
	for i := range l.events {
		ids[i] = l.events[i].ID
	}
	return ids
}

// Clock returns a copy of the aggregate clock.
func (l *Log) Clock() VectorClock {
	return l.clock.Clone()
}

// Len returns the number of events held.
func (l *Log) Len() int {
	return len(l.events)
}

// IsEmpty reports whether the log holds no events.
func (l *Log) IsEmpty() bool {
	return len(l.events) == 0
}

// Clone returns an independent deep copy.
func (l *Log) Clone() *Log {
	out := &Log{
		events: make([]Event, len(l.events)),
		seen:   make(map[string]struct{}, len(l.seen)),
		clock:  l.clock.Clone(),
	}
	for i := range l.events {
		out.events[i] = l.events[i].clone()
		out.seen[l.events[i].ID] = struct{}{}
	}
	return out
}
