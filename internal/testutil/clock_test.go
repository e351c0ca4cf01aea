package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, start.Add(time.Second), clock.Advance(-time.Hour), "never goes backwards")
	assert.Equal(t, start.Add(time.Second), clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(Epoch)

	clock.Set(Epoch.Add(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestManualClock_ConcurrentAccess(t *testing.T) {
	clock := NewManualClock(Epoch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(50*time.Millisecond), clock.Now())
}
