package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	// Equal means both clocks hold the same counters.
	Equal Ordering = iota
	// Before means the receiver happened-before the argument.
	Before
	// After means the argument happened-before the receiver.
	After
	// Concurrent means neither clock happened-before the other.
	Concurrent
)

// String returns the lowercase name of the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// VectorClock maps instance ids to monotonically increasing counters.
//
// Absent entries read as zero, and a zero entry is indistinguishable from
// an absent one in every comparison. Only the owning instance ticks its
// own entry. A nil VectorClock is a valid empty clock for all read
// operations; mutating methods allocate on first write.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Tick increments the counter for id and returns the new value.
func (vc *VectorClock) Tick(id string) uint64 {
	if *vc == nil {
		*vc = make(VectorClock)
	}
	(*vc)[id]++
	return (*vc)[id]
}

// Get returns the counter for id, zero if absent.
func (vc VectorClock) Get(id string) uint64 {
	return vc[id]
}

// Set overwrites the counter for id.
func (vc *VectorClock) Set(id string, value uint64) {
	if *vc == nil {
		*vc = make(VectorClock)
	}
	(*vc)[id] = value
}

// Compare returns the causal relation of vc to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for id, v := range vc {
		o := other[id]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for id, o := range other {
		if _, ok := vc[id]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappenedBefore reports whether every entry of vc is <= the matching
// entry of other and at least one is strictly less.
func (vc VectorClock) HappenedBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// Concurrent reports whether neither clock happened-before the other.
// Equal clocks are not concurrent.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// LessOrEqual reports whether vc happened-before or equals other.
func (vc VectorClock) LessOrEqual(other VectorClock) bool {
	for id, v := range vc {
		if v > other[id] {
			return false
		}
	}
	return true
}

// Equal reports whether both clocks hold the same non-zero counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Merge raises every entry of vc to the maximum of vc and other.
func (vc *VectorClock) Merge(other VectorClock) {
	if len(other) == 0 {
		return
	}
	if *vc == nil {
		*vc = make(VectorClock, len(other))
	}
	for id, o := range other {
		if o > (*vc)[id] {
			(*vc)[id] = o
		}
	}
}

// Merged returns the entrywise maximum of vc and other without modifying
// either.
func (vc VectorClock) Merged(other VectorClock) VectorClock {
	out := vc.Clone()
	out.Merge(other)
	return out
}

// Clone returns an independent copy. Cloning nil yields an empty clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, v := range vc {
		out[id] = v
	}
	return out
}

// Sum returns the total of all counters.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// IDs returns the instance ids with non-zero counters, sorted.
func (vc VectorClock) IDs() []string {
	ids := make([]string, 0, len(vc))
	for id, v := range vc {
		if v > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// String renders the clock as {a:1 b:2} with ids sorted.
func (vc VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range vc.IDs() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", id, vc[id])
	}
	b.WriteByte('}')
	return b.String()
}
