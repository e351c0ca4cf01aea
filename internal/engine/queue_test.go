package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

func resultsFor(ids ...string) []sendResult {
	out := make([]sendResult, len(ids))
	for i, id := range ids {
		out[i] = sendResult{Outbound: gossip.Outbound{PeerID: id}}
	}
	return out
}

func TestCommandQueue_FIFO(t *testing.T) {
	q := newCommandQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(command{Type: commandSendResults, Results: resultsFor(id)}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		c, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, c.Results[0].PeerID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestCommandQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newCommandQueue()
	require.True(t, q.Enqueue(command{Type: commandCall}))
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(command{Type: commandCall}))
	assert.False(t, q.Drained(), "queued command survives close")

	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, q.Drained())

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue must wake waiters")
	}
}

func TestCommandQueue_WaitSignalsEnqueue(t *testing.T) {
	q := newCommandQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(command{Type: commandCall})
	}()

	select {
	case <-q.Wait():
		_, ok := q.TryDequeue()
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after enqueue")
	}
}

func TestCommandQueue_ConcurrentEnqueue(t *testing.T) {
	q := newCommandQueue()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(command{Type: commandCall})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}

func TestTracker(t *testing.T) {
	var tr tracker
	require.NoError(t, tr.wait(context.Background()), "idle tracker returns at once")

	tr.add()
	tr.add()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.wait(ctx), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- tr.wait(context.Background()) }()
	tr.done()
	tr.done()

	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the last done")
	}
}
