package crdt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces globally unique event ids.
// Implemented by UUIDGenerator (production) and SequenceGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 event ids.
//
// UUIDv7 embeds a millisecond timestamp in its most significant bits, which
// keeps ids from one origin roughly ordered when read from storage. Order
// in the log never depends on this.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Falls back to a random UUIDv4 if the v7 source fails.
func (UUIDGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SequenceGenerator returns "<prefix>-<n>" ids with n counting from 1.
//
// It makes event ids, and therefore log order and digests, reproducible
// across test runs.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator for the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
