package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallClocks returns every clock over {a,b,c} with counters 0..2.
// Zero counters are left absent.
func smallClocks() []VectorClock {
	var out []VectorClock
	for a := uint64(0); a < 3; a++ {
		for b := uint64(0); b < 3; b++ {
			for c := uint64(0); c < 3; c++ {
				vc := NewVectorClock()
				for id, v := range map[string]uint64{"a": a, "b": b, "c": c} {
					if v > 0 {
						vc.Set(id, v)
					}
				}
				out = append(out, vc)
			}
		}
	}
	return out
}

func TestVectorClockTick(t *testing.T) {
	var vc VectorClock
	assert.Equal(t, uint64(1), vc.Tick("a"))
	assert.Equal(t, uint64(2), vc.Tick("a"))
	assert.Equal(t, uint64(1), vc.Tick("b"))
	assert.Equal(t, uint64(2), vc.Get("a"))
	assert.Equal(t, uint64(0), vc.Get("missing"))
}

func TestVectorClockHappenedBefore(t *testing.T) {
	vc1 := VectorClock{"a": 1, "b": 2}
	vc2 := VectorClock{"a": 2, "b": 3}

	assert.True(t, vc1.HappenedBefore(vc2))
	assert.False(t, vc2.HappenedBefore(vc1))
	assert.False(t, vc1.Concurrent(vc2))
	assert.True(t, vc1.Merged(vc2).Equal(VectorClock{"a": 2, "b": 3}))
}

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     VectorClock
		expected Ordering
	}{
		{"both empty", nil, NewVectorClock(), Equal},
		{"zero entry equals absent", VectorClock{"a": 0}, nil, Equal},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, Before},
		{"after", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1}, After},
		{"concurrent", VectorClock{"a": 1}, VectorClock{"b": 1}, Concurrent},
		{"concurrent mixed", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
		{"absent counts as zero", nil, VectorClock{"a": 1}, Before},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Compare(tt.b))
			assert.Equal(t, tt.expected == Before || tt.expected == Equal, tt.a.LessOrEqual(tt.b))
		})
	}
}

func TestVectorClockOrderingString(t *testing.T) {
	assert.Equal(t, "before", Before.String())
	assert.Equal(t, "concurrent", Concurrent.String())
	assert.Equal(t, "ordering(9)", Ordering(9).String())
}

func TestVectorClockMergeLaws(t *testing.T) {
	clocks := smallClocks()
	require.Len(t, clocks, 27)

	for _, a := range clocks {
		assert.True(t, a.Merged(a).Equal(a), "idempotent: %s", a)
		for _, b := range clocks {
			ab, ba := a.Merged(b), b.Merged(a)
			require.True(t, ab.Equal(ba), "commutative: %s %s", a, b)
			assert.True(t, a.LessOrEqual(ab) && b.LessOrEqual(ab), "merge dominates both operands")
			for _, c := range clocks {
				left := a.Merged(b).Merged(c)
				right := a.Merged(b.Merged(c))
				require.True(t, left.Equal(right), "associative: %s %s %s", a, b, c)
			}
		}
	}
}

func TestVectorClockSumExtendsCausalOrder(t *testing.T) {
	for _, a := range smallClocks() {
		for _, b := range smallClocks() {
			if a.HappenedBefore(b) {
				assert.Less(t, a.Sum(), b.Sum(), "%s before %s", a, b)
			}
		}
	}
}

func TestVectorClockMergedDoesNotMutate(t *testing.T) {
	a := VectorClock{"a": 1}
	b := VectorClock{"b": 1}
	_ = a.Merged(b)

	assert.Equal(t, VectorClock{"a": 1}, a)
	assert.Equal(t, VectorClock{"b": 1}, b)
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	a := VectorClock{"a": 1}
	c := a.Clone()
	c.Tick("a")

	assert.Equal(t, uint64(1), a.Get("a"))
	assert.NotNil(t, VectorClock(nil).Clone())
}

func TestVectorClockString(t *testing.T) {
	assert.Equal(t, "{a:1 b:2}", VectorClock{"b": 2, "a": 1, "z": 0}.String())
	assert.Equal(t, "{}", VectorClock(nil).String())
	assert.Equal(t, []string{"a", "b"}, VectorClock{"b": 2, "a": 1, "z": 0}.IDs())
}
