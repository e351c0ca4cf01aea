package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/testutil"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

var (
	_ engine.Sink      = (*Store)(nil)
	_ engine.EntrySink = (*Store)(nil)
)

func TestRestore_RebuildsReplica(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	clock := testutil.NewManualClock(time.Time{})

	original := crdt.NewReplicaState("a",
		crdt.WithClock(clock.Now),
		crdt.WithIDGenerator(crdt.NewSequenceGenerator("a")),
	)
	original.ApplyDelta(crdt.Delta{Events: []crdt.Event{
		createTestEvent("b-0001", "b", crdt.VectorClock{"b": 1}),
	}})
	original.RecordEvent(crdt.KindSkillLearned, json.RawMessage(`{"skill":"go"}`))
	original.UpdateMetric("accuracy", 0.75)
	original.SetMetadata("role", json.RawMessage(`"planner"`))
	original.SetMetadata("tmp", json.RawMessage(`1`))
	original.RemoveMetadata("tmp")

	require.NoError(t, s.WriteEvents(ctx, original.Log().Events()))
	require.NoError(t, s.WriteMetrics(ctx, original.Metrics().Entries()))
	require.NoError(t, s.WriteMetadata(ctx, original.Metadata().Entries()))

	restored, err := s.Restore(ctx, "a", crdt.WithClock(clock.Now))
	require.NoError(t, err)
	assert.Equal(t, "a", restored.InstanceID())
	assert.Equal(t, original.Log().IDs(), restored.Log().IDs())
	assert.True(t, original.Clock().Equal(restored.Clock()))
	assert.Equal(t, original.Digest(), restored.Digest())

	// The local counter resumes after the restored events.
	next := restored.RecordEvent(crdt.KindMemoryCreated, nil)
	assert.Equal(t, uint64(2), next.Clock.Get("a"))
}

func TestRestore_EmptyStore(t *testing.T) {
	s := createTestStore(t)
	restored, err := s.Restore(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, restored.Log().IsEmpty())
}

// A node writing through the store survives a restart with its replica
// intact.
func TestStore_AsNodeSink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "node.db")
	clock := testutil.NewManualClock(time.Time{})

	s, err := Open(path)
	require.NoError(t, err)

	network := transport.NewMemoryNetwork()
	peer := crdt.NewReplicaState("b", crdt.WithIDGenerator(crdt.NewSequenceGenerator("b")))
	peer.RecordEvent(crdt.KindPatternDiscovered, nil)
	peer.UpdateMetric("peer_metric", 3)
	trB, err := transport.NewMemoryTransport(network, "b", transport.DefaultConfig())
	require.NoError(t, err)
	defer trB.Close()
	nodeB := engine.NewNode(peer, trB, engine.Config{}, engine.WithManualRounds())

	trA, err := transport.NewMemoryTransport(network, "a", transport.DefaultConfig())
	require.NoError(t, err)
	defer trA.Close()
	state := crdt.NewReplicaState("a",
		crdt.WithClock(clock.Now),
		crdt.WithIDGenerator(crdt.NewSequenceGenerator("a")),
	)
	nodeA := engine.NewNode(state, trA, engine.Config{}, engine.WithManualRounds(), engine.WithSink(s))

	runCtx, stop := context.WithCancel(ctx)
	go nodeA.Run(runCtx)
	go nodeB.Run(runCtx)

	_, err = nodeA.Record(ctx, crdt.KindMemoryCreated, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = nodeA.UpdateMetric(ctx, "local_metric", 1.5)
	require.NoError(t, err)

	require.NoError(t, nodeA.RequestFullSync(ctx, "b"))
	require.NoError(t, nodeA.Flush(ctx))
	_, err = nodeB.Drain(ctx)
	require.NoError(t, err)
	_, err = nodeA.Drain(ctx)
	require.NoError(t, err)

	live, err := nodeA.Snapshot(ctx)
	require.NoError(t, err)
	stop()
	<-nodeA.Done()
	<-nodeB.Done()
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored, err := reopened.Restore(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0001", "b-0001"}, restored.Log().IDs())
	assert.Equal(t, live.Digest(), restored.Digest())

	v, ok := restored.Metrics().Get("peer_metric")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
}
