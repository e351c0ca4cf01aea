package crdt

import (
	"math"
	"sort"
)

// LWWEntry is one register in an LWWMap.
//
// Deleted marks a tombstone: the key was removed at Timestamp by Writer.
// Tombstones take part in conflict resolution exactly like values, which
// is what keeps removals convergent under concurrent re-adds.
type LWWEntry[T any] struct {
	Value     T       `json:"value" cbor:"value"`
	Timestamp float64 `json:"timestamp" cbor:"timestamp"`
	Writer    string  `json:"writer" cbor:"writer"`
	Deleted   bool    `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

// FiniteMetric reports whether v can be stored as a metric value.
// NaN and infinities have no JSON encoding.
func FiniteMetric(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// wins reports whether e should replace existing. The comparison is
// lexicographic over (timestamp, writer, deleted); ties keep existing.
// Set, Remove and Merge all use this single rule.
func (e LWWEntry[T]) wins(existing LWWEntry[T]) bool {
	if e.Timestamp != existing.Timestamp {
		return e.Timestamp > existing.Timestamp
	}
	if e.Writer != existing.Writer {
		return e.Writer > existing.Writer
	}
	return e.Deleted && !existing.Deleted
}

// LWWMap is a last-writer-wins map keyed by string.
//
// The zero value is an empty map ready for use. LWWMap is not safe for
// concurrent use.
type LWWMap[T any] struct {
	entries map[string]LWWEntry[T]
}

// NewLWWMap returns an empty map.
func NewLWWMap[T any]() *LWWMap[T] {
	return &LWWMap[T]{entries: make(map[string]LWWEntry[T])}
}

// Set writes value under key unless the existing entry wins. Returns
// whether the map changed.
func (m *LWWMap[T]) Set(key string, value T, timestamp float64, writer string) bool {
	return m.apply(key, LWWEntry[T]{Value: value, Timestamp: timestamp, Writer: writer})
}

// Remove writes a tombstone for key. Returns whether the map changed.
func (m *LWWMap[T]) Remove(key string, timestamp float64, writer string) bool {
	return m.apply(key, LWWEntry[T]{Timestamp: timestamp, Writer: writer, Deleted: true})
}

func (m *LWWMap[T]) apply(key string, incoming LWWEntry[T]) bool {
	if m.entries == nil {
		m.entries = make(map[string]LWWEntry[T])
	}
	if existing, ok := m.entries[key]; ok && !incoming.wins(existing) {
		return false
	}
	m.entries[key] = incoming
	return true
}

// Get returns the live value for key.
func (m *LWWMap[T]) Get(key string) (T, bool) {
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// GetEntry returns the raw entry for key, tombstones included.
func (m *LWWMap[T]) GetEntry(key string) (LWWEntry[T], bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Keys returns the live keys, sorted.
func (m *LWWMap[T]) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *LWWMap[T]) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Merge folds other into m key by key. Returns whether m changed.
func (m *LWWMap[T]) Merge(other *LWWMap[T]) bool {
	if other == nil {
		return false
	}
	return m.MergeEntries(other.entries)
}

// MergeEntries folds raw entries, as carried by a Delta, into m.
func (m *LWWMap[T]) MergeEntries(entries map[string]LWWEntry[T]) bool {
	changed := false
	for k, e := range entries {
		if m.apply(k, e) {
			changed = true
		}
	}
	return changed
}

// Entries returns a snapshot of every entry, tombstones included.
// Returns nil for an empty map so empty deltas stay empty on the wire.
func (m *LWWMap[T]) Entries() map[string]LWWEntry[T] {
	if len(m.entries) == 0 {
		return nil
	}
	out := make(map[string]LWWEntry[T], len(m.entries))
	for k, e := range m.entries {
		out[k] = e
	}
	return out
}

// Clone returns a copy of m. Values are copied shallowly.
func (m *LWWMap[T]) Clone() *LWWMap[T] {
	out := NewLWWMap[T]()
	for k, e := range m.entries {
		out.entries[k] = e
	}
	return out
}
