package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScriptedIDs(t *testing.T) {
	g := NewScriptedIDs("evt", "z", "a")

	assert.Equal(t, "z", g.Generate())
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "evt-0001", g.Generate())
	assert.Equal(t, "evt-0002", g.Generate())
}

func TestScriptedIDs_DefaultFallback(t *testing.T) {
	assert.Equal(t, "id-0001", NewScriptedIDs("").Generate())
}

func TestNewRand_Reproducible(t *testing.T) {
	a, b := NewRand(42), NewRand(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, NewRand(1).Uint64(), NewRand(2).Uint64())
}
