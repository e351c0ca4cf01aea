package testutil

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// ScriptedIDs hands out a fixed list of ids, then falls back to
// "<fallback>-NNNN" once the list is exhausted.
//
// Useful when a test needs to control the lexicographic order of
// concurrent events.
//
// Thread-safety: safe for concurrent use.
type ScriptedIDs struct {
	mu       sync.Mutex
	ids      []string
	fallback string
	n        int
}

// NewScriptedIDs creates a generator returning ids in order.
func NewScriptedIDs(fallback string, ids ...string) *ScriptedIDs {
	if fallback == "" {
		fallback = "id"
	}
	return &ScriptedIDs{ids: ids, fallback: fallback}
}

// Generate returns the next id.
func (g *ScriptedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.n <= len(g.ids) {
		return g.ids[g.n-1]
	}
	return fmt.Sprintf("%s-%04d", g.fallback, g.n-len(g.ids))
}

// NewRand returns a reproducible random source for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
