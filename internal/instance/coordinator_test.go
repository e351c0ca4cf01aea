package instance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/testutil"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

type coordinatorFixture struct {
	ctx     context.Context
	clock   *testutil.ManualClock
	network *transport.MemoryNetwork
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return &coordinatorFixture{
		ctx:     ctx,
		clock:   testutil.NewManualClock(time.Time{}),
		network: transport.NewMemoryNetwork(),
	}
}

// coordinator builds a manual-round coordinator whose address is its id.
func (f *coordinatorFixture) coordinator(t *testing.T, id string) *Coordinator {
	t.Helper()
	tr, err := transport.NewMemoryTransport(f.network, id, transport.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	state := crdt.NewReplicaState(id,
		crdt.WithClock(f.clock.Now),
		crdt.WithIDGenerator(crdt.NewSequenceGenerator(id)),
	)
	c, err := NewCoordinator(DefaultConfig(id), state, tr,
		WithNow(f.clock.Now),
		WithNodeConfig(engine.Config{Gossip: gossip.DefaultConfig(), SendTimeout: time.Second}),
		WithNodeOptions(
			engine.WithManualRounds(),
			engine.WithGossipOptions(gossip.WithNow(f.clock.Now), gossip.WithRand(testutil.NewRand(1))),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func (f *coordinatorFixture) peerIDs(t *testing.T, c *Coordinator) []string {
	t.Helper()
	peers, err := c.Node().Peers(f.ctx)
	require.NoError(t, err)
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

func TestNewCoordinator_RejectsForeignReplica(t *testing.T) {
	network := transport.NewMemoryNetwork()
	tr, err := transport.NewMemoryTransport(network, "a", transport.DefaultConfig())
	require.NoError(t, err)

	_, err = NewCoordinator(DefaultConfig("a"), crdt.NewReplicaState("b"), tr)
	assert.Error(t, err)
}

func TestCoordinator_Lifecycle(t *testing.T) {
	f := newCoordinatorFixture(t)
	c := f.coordinator(t, "local")

	inst, ok := c.Registry().Get("local")
	require.True(t, ok)
	assert.Equal(t, StatusStarting, inst.Status)
	assert.False(t, c.Node().Gossiping())

	require.NoError(t, c.Start(f.ctx))
	stats := c.Stats()
	assert.Equal(t, 1, stats.Running)
	assert.True(t, stats.HasLocal)
	assert.True(t, c.Node().Gossiping())

	require.NoError(t, c.UpdateStatus(f.ctx, "local", StatusPaused))
	assert.False(t, c.Node().Gossiping(), "only a running instance drives gossip")
	require.NoError(t, c.UpdateStatus(f.ctx, "local", StatusRunning))
	assert.True(t, c.Node().Gossiping())

	assert.ErrorIs(t, c.Start(f.ctx), ErrAlreadyStarted)

	require.NoError(t, c.Stop())
	inst, _ = c.Registry().Get("local")
	assert.Equal(t, StatusStopped, inst.Status)
	assert.False(t, c.Node().Gossiping())
	require.NoError(t, c.Stop(), "second stop is a no-op")
}

func TestCoordinator_StopWhileCleanupRuns(t *testing.T) {
	f := newCoordinatorFixture(t)

	for i := range 200 {
		id := fmt.Sprintf("n%03d", i)
		tr, err := transport.NewMemoryTransport(f.network, id, transport.DefaultConfig())
		require.NoError(t, err)

		c, err := NewCoordinator(DefaultConfig(id), crdt.NewReplicaState(id), tr,
			WithNodeConfig(engine.Config{
				Gossip:          gossip.DefaultConfig(),
				SendTimeout:     time.Second,
				CleanupInterval: time.Nanosecond,
			}),
			WithNodeOptions(engine.WithManualRounds()),
		)
		require.NoError(t, err)
		require.NoError(t, c.Start(f.ctx))

		stopped := make(chan error, 1)
		go func() { stopped <- c.Stop() }()
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatalf("Stop of %s did not return while stale cleanup was running", id)
		}
		inst, ok := c.Registry().Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusStopped, inst.Status)
		tr.Close()
	}
}

func TestCoordinator_FailedStartShutsDown(t *testing.T) {
	f := newCoordinatorFixture(t)
	c := f.coordinator(t, "a")
	_, err := c.RegisterRemote(DefaultConfig("b"), "b")
	require.NoError(t, err)
	require.NoError(t, c.UpdateStatus(f.ctx, "b", StatusRunning))

	// A node that refuses commands cannot take the running remote as a peer.
	c.Node().Stop()
	err = c.Start(f.ctx)
	require.Error(t, err)
	assert.True(t, engine.IsStopped(err))

	select {
	case <-c.Node().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("node still running after failed start")
	}
	inst, ok := c.Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, 1, inst.Health.ErrorCount)
	assert.False(t, c.Node().Gossiping())

	require.NoError(t, c.Stop(), "nothing left to stop")
	assert.ErrorIs(t, c.Start(f.ctx), ErrAlreadyStarted)
}

func TestCoordinator_PartitionedPeersRejoinAfterHeal(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	b := f.coordinator(t, "b")
	require.NoError(t, a.Start(f.ctx))
	require.NoError(t, b.Start(f.ctx))
	for _, pair := range [][2]*Coordinator{{a, b}, {b, a}} {
		local, remote := pair[0], pair[1]
		_, err := local.RegisterRemote(DefaultConfig(remote.LocalID()), remote.LocalID())
		require.NoError(t, err)
		require.NoError(t, local.UpdateStatus(f.ctx, remote.LocalID(), StatusRunning))
	}

	f.network.Partition([]string{"a"}, []string{"b"})
	_, err := a.Node().Record(f.ctx, crdt.KindPatternDiscovered, nil)
	require.NoError(t, err)

	// Silent for longer than the gossip peer timeout, but not long enough
	// for the registry to give up on either instance.
	f.clock.Advance(gossip.DefaultPeerTimeout + time.Second)
	for _, c := range []*Coordinator{a, b} {
		evicted, err := c.Node().CleanupStalePeers(f.ctx)
		require.NoError(t, err)
		assert.Len(t, evicted, 1)
	}

	hasPeer := func(c *Coordinator, id string) func() bool {
		return func() bool {
			peers, err := c.Node().Peers(f.ctx)
			return err == nil && len(peers) == 1 && peers[0].ID == id
		}
	}
	require.Eventually(t, hasPeer(a, "b"), 3*time.Second, 10*time.Millisecond, "a restores b")
	require.Eventually(t, hasPeer(b, "a"), 3*time.Second, 10*time.Millisecond, "b restores a")

	f.network.Heal()
	require.NoError(t, a.Node().Tick(f.ctx))
	require.NoError(t, a.Node().Flush(f.ctx))
	_, err = b.Node().Drain(f.ctx)
	require.NoError(t, err)

	state, err := b.State(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0001"}, state.Log().IDs())
}

func TestCoordinator_SyncDisabledNeverGossips(t *testing.T) {
	network := transport.NewMemoryNetwork()
	tr, err := transport.NewMemoryTransport(network, "a", transport.DefaultConfig())
	require.NoError(t, err)
	cfg := DefaultConfig("a")
	cfg.SyncEnabled = false

	c, err := NewCoordinator(cfg, crdt.NewReplicaState("a"), tr, WithNodeOptions(engine.WithManualRounds()))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	assert.False(t, c.Node().Gossiping())
}

func TestCoordinator_RemoteJoinsGossipWhileRunning(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	b := f.coordinator(t, "b")
	require.NoError(t, a.Start(f.ctx))
	require.NoError(t, b.Start(f.ctx))

	_, err := a.RegisterRemote(DefaultConfig("b"), "b")
	require.NoError(t, err)
	assert.Empty(t, f.peerIDs(t, a), "a starting remote is not a peer")

	require.NoError(t, a.UpdateStatus(f.ctx, "b", StatusRunning))
	assert.Equal(t, []string{"b"}, f.peerIDs(t, a))

	_, err = a.Node().Record(f.ctx, crdt.KindSkillLearned, nil)
	require.NoError(t, err)
	require.NoError(t, a.Node().Tick(f.ctx))
	require.NoError(t, a.Node().Flush(f.ctx))
	_, err = b.Node().Drain(f.ctx)
	require.NoError(t, err)

	state, err := b.State(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0001"}, state.Log().IDs())

	require.NoError(t, a.UpdateStatus(f.ctx, "b", StatusPaused))
	assert.Empty(t, f.peerIDs(t, a))

	err = a.UpdateStatus(f.ctx, "b", StatusStopped)
	assert.True(t, IsTransitionError(err))
}

func TestCoordinator_RunningRemotesJoinOnStart(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")

	_, err := a.RegisterRemote(DefaultConfig("b"), "b")
	require.NoError(t, err)
	require.NoError(t, a.UpdateStatus(f.ctx, "b", StatusRunning))
	require.NoError(t, a.Start(f.ctx))

	assert.Equal(t, []string{"b"}, f.peerIDs(t, a))
}

func TestCoordinator_RegisterRemoteRejectsLocalID(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	_, err := a.RegisterRemote(DefaultConfig("a"), "a")
	assert.Error(t, err)
}

func TestCoordinator_PeerSeenRefreshesRegistry(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	b := f.coordinator(t, "b")
	require.NoError(t, a.Start(f.ctx))
	require.NoError(t, b.Start(f.ctx))

	_, err := a.RegisterRemote(DefaultConfig("b"), "b")
	require.NoError(t, err)
	require.NoError(t, a.UpdateStatus(f.ctx, "b", StatusRunning))
	_, err = b.RegisterRemote(DefaultConfig("a"), "a")
	require.NoError(t, err)

	now := f.clock.Advance(time.Minute)
	require.NoError(t, a.Node().Tick(f.ctx))
	require.NoError(t, a.Node().Flush(f.ctx))
	_, err = b.Node().Drain(f.ctx)
	require.NoError(t, err)

	inst, ok := b.Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, now, inst.LastSeen, "heartbeat from a refreshed its registry record")
}

func TestCoordinator_CleanupStale(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	f.coordinator(t, "b")
	require.NoError(t, a.Start(f.ctx))

	_, err := a.RegisterRemote(DefaultConfig("b"), "b")
	require.NoError(t, err)
	require.NoError(t, a.UpdateStatus(f.ctx, "b", StatusRunning))

	f.clock.Advance(10 * time.Minute)
	evicted, err := a.CleanupStale(f.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Empty(t, f.peerIDs(t, a))
	_, ok := a.Registry().Get("a")
	assert.True(t, ok)
}

func TestCoordinator_StateOutlivesLocalInstance(t *testing.T) {
	f := newCoordinatorFixture(t)
	a := f.coordinator(t, "a")
	require.NoError(t, a.Start(f.ctx))
	_, err := a.Node().Record(f.ctx, crdt.KindMemoryCreated, nil)
	require.NoError(t, err)

	removed, err := a.Unregister(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, a.Stats().HasLocal)

	state, err := a.State(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Log().Len())

	require.NoError(t, a.Stop())
	state, err = a.State(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Log().Len(), "replica is readable after stop")
}
