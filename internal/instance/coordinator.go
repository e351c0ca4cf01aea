package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// ErrAlreadyStarted is returned by Start on a coordinator that has
// already been started once. A node runs at most once.
var ErrAlreadyStarted = errors.New("coordinator already started")

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*coordinatorOptions)

type coordinatorOptions struct {
	nodeCfg  engine.Config
	nodeOpts []engine.Option
	now      func() time.Time
}

// WithNodeConfig sets the configuration of the local node.
func WithNodeConfig(cfg engine.Config) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.nodeCfg = cfg
	}
}

// WithNodeOptions passes options through to engine.NewNode.
func WithNodeOptions(opts ...engine.Option) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.nodeOpts = append(o.nodeOpts, opts...)
	}
}

// WithNow sets the registry time source. Defaults to time.Now.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.now = now
	}
}

// Coordinator binds the registry to the local replication node.
//
// Thread-safety: All methods are safe for concurrent use. Coordinator is
// also the node's engine.PeerObserver and only touches the registry from
// those callbacks.
type Coordinator struct {
	cfg      Config
	registry *Registry
	node     *engine.Node
	state    *crdt.ReplicaState

	cleanupInterval time.Duration

	// evicted wakes the maintenance loop after gossip drops a peer.
	evicted chan struct{}

	// stopMu serializes shutdowns; mu guards the fields below and is
	// never held while waiting on the group.
	stopMu  sync.Mutex
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewCoordinator registers cfg as the local instance and builds its node
// around state and tr. The node's instance id must match cfg.
func NewCoordinator(cfg Config, state *crdt.ReplicaState, tr transport.Transport, opts ...CoordinatorOption) (*Coordinator, error) {
	if state.InstanceID() != cfg.InstanceID {
		return nil, fmt.Errorf("replica belongs to %q, not %q", state.InstanceID(), cfg.InstanceID)
	}
	o := coordinatorOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		cfg:             cfg,
		registry:        NewRegistry(WithClock(o.now)),
		state:           state,
		cleanupInterval: o.nodeCfg.CleanupInterval,
		evicted:         make(chan struct{}, 1),
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = engine.DefaultCleanupInterval
	}
	if _, err := c.registry.RegisterLocal(cfg); err != nil {
		return nil, err
	}

	nodeOpts := append([]engine.Option{engine.WithPeerObserver(c)}, o.nodeOpts...)
	c.node = engine.NewNode(state, tr, o.nodeCfg, nodeOpts...)
	// Timed rounds start once the local instance is running.
	c.node.SetGossiping(false)
	return c, nil
}

// Registry returns the underlying registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Node returns the local replication node.
func (c *Coordinator) Node() *engine.Node { return c.node }

// LocalID returns the id the coordinator was built for.
func (c *Coordinator) LocalID() string { return c.cfg.InstanceID }

// Start moves the local instance to running and starts the node and the
// maintenance loop in the background. Remote instances already running
// become gossip peers. Stop ends both. If a peer cannot be added the
// node is shut down again and the local instance is marked failed.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := c.setLocalStatus(StatusRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.node.Run(gctx)
	})
	g.Go(func() error {
		c.maintain(gctx)
		return nil
	})
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	if err := c.addRunningPeers(ctx); err != nil {
		if serr := c.shutdown(StatusFailed); serr != nil {
			slog.Warn("node shutdown after failed start", "instance_id", c.cfg.InstanceID, "error", serr)
		}
		return err
	}

	slog.Info("coordinator started", "instance_id", c.cfg.InstanceID, "sync_enabled", c.cfg.SyncEnabled)
	return nil
}

// addRunningPeers adds every running remote instance missing from the
// node's peer table.
func (c *Coordinator) addRunningPeers(ctx context.Context) error {
	peers, err := c.node.Peers(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	known := make(map[string]bool, len(peers))
	for _, p := range peers {
		known[p.ID] = true
	}
	for _, inst := range c.registry.Running() {
		if inst.ID() == c.cfg.InstanceID || known[inst.ID()] {
			continue
		}
		if _, err := c.node.AddPeer(ctx, inst.ID(), inst.Address); err != nil {
			return fmt.Errorf("add peer %s: %w", inst.ID(), err)
		}
		slog.Debug("running instance joined gossip", "local_id", c.cfg.InstanceID, "peer_id", inst.ID())
	}
	return nil
}

// Stop moves the local instance through stopping, shuts the node down and
// records the outcome: stopped on a clean shutdown, failed otherwise.
// Calling Stop on a coordinator that is not running is a no-op.
func (c *Coordinator) Stop() error {
	return c.shutdown(StatusStopped)
}

// shutdown stops the background goroutines and records final, or failed
// if the node returned an error. mu is released before waiting so the
// maintenance loop can finish its current step.
func (c *Coordinator) shutdown(final Status) error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	g, cancel := c.group, c.cancel
	c.group, c.cancel = nil, nil
	c.mu.Unlock()
	if g == nil {
		return nil
	}

	if err := c.setLocalStatus(StatusStopping); err != nil && !errors.Is(err, ErrUnknownInstance) {
		slog.Warn("local instance cannot enter stopping", "instance_id", c.cfg.InstanceID, "error", err)
	}

	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if err != nil {
		final = StatusFailed
	}
	if final == StatusFailed {
		_ = c.registry.RecordError(c.cfg.InstanceID)
	}
	if serr := c.setLocalStatus(final); serr != nil && !errors.Is(serr, ErrUnknownInstance) {
		slog.Warn("local instance status not recorded", "instance_id", c.cfg.InstanceID, "status", final, "error", serr)
	}
	slog.Info("coordinator stopped", "instance_id", c.cfg.InstanceID, "status", final)
	return err
}

// active reports whether the node is running.
func (c *Coordinator) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group != nil
}

// setLocalStatus updates the local record and enables timed rounds only
// while it is running.
func (c *Coordinator) setLocalStatus(status Status) error {
	if _, err := c.registry.UpdateStatus(c.cfg.InstanceID, status); err != nil {
		return err
	}
	c.node.SetGossiping(status == StatusRunning && c.cfg.SyncEnabled)
	return nil
}

// RegisterRemote registers a remote instance reachable at address. It
// joins gossip once its status becomes running.
func (c *Coordinator) RegisterRemote(cfg Config, address string) (string, error) {
	if cfg.InstanceID == c.cfg.InstanceID {
		return "", fmt.Errorf("instance %s is local", cfg.InstanceID)
	}
	return c.registry.Register(cfg, address)
}

// UpdateStatus changes the status of any registered instance. A remote
// instance is a gossip peer exactly while it is running.
func (c *Coordinator) UpdateStatus(ctx context.Context, id string, status Status) error {
	if id == c.cfg.InstanceID {
		return c.setLocalStatus(status)
	}
	if _, err := c.registry.UpdateStatus(id, status); err != nil {
		return err
	}
	if !c.active() {
		return nil
	}
	inst, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if status == StatusRunning {
		if _, err := c.node.AddPeer(ctx, id, inst.Address); err != nil {
			return fmt.Errorf("add peer %s: %w", id, err)
		}
		return nil
	}
	if _, err := c.node.RemovePeer(ctx, id); err != nil {
		return fmt.Errorf("remove peer %s: %w", id, err)
	}
	return nil
}

// Unregister removes an instance. A remote instance also leaves gossip.
// Unregistering the local instance keeps the replica readable.
func (c *Coordinator) Unregister(ctx context.Context, id string) (bool, error) {
	if _, ok := c.registry.Unregister(id); !ok {
		return false, nil
	}
	if id == c.cfg.InstanceID {
		c.node.SetGossiping(false)
		return true, nil
	}
	if !c.active() {
		return true, nil
	}
	if _, err := c.node.RemovePeer(ctx, id); err != nil {
		return true, fmt.Errorf("remove peer %s: %w", id, err)
	}
	return true, nil
}

// Heartbeat refreshes the liveness of id.
func (c *Coordinator) Heartbeat(id string) error {
	return c.registry.Heartbeat(id)
}

// CleanupStale evicts remote instances silent for longer than timeout
// and drops them from gossip. Returns the evicted ids.
func (c *Coordinator) CleanupStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	evicted := c.registry.CleanupStale(timeout)
	if !c.active() {
		return evicted, nil
	}
	for _, id := range evicted {
		if _, err := c.node.RemovePeer(ctx, id); err != nil {
			return evicted, fmt.Errorf("remove peer %s: %w", id, err)
		}
	}
	return evicted, nil
}

// State returns a copy of the local replica. It stays readable before
// Start, after Stop and after the local instance is unregistered.
func (c *Coordinator) State(ctx context.Context) (*crdt.ReplicaState, error) {
	if c.active() {
		s, err := c.node.Snapshot(ctx)
		if !engine.IsStopped(err) {
			return s, err
		}
	}
	// Holding stopMu waits out a concurrent Stop, after which no goroutine
	// touches the replica.
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	return c.state.Clone(), nil
}

// Stats returns registry counts.
func (c *Coordinator) Stats() Stats {
	return c.registry.Stats()
}

// PeerSeen refreshes a registered instance whenever gossip hears from it.
// Implements engine.PeerObserver.
func (c *Coordinator) PeerSeen(id, _ string) {
	if err := c.registry.Heartbeat(id); err != nil && !errors.Is(err, ErrUnknownInstance) {
		slog.Warn("registry heartbeat failed", "instance_id", id, "error", err)
	}
}

// PeerEvicted is called when gossip drops a stale peer. The registry
// record is left to CleanupStale; while it stays running the maintenance
// loop adds the peer back, so a healed partition converges. Implements
// engine.PeerObserver.
func (c *Coordinator) PeerEvicted(id string) {
	slog.Debug("gossip evicted peer", "local_id", c.cfg.InstanceID, "peer_id", id)
	select {
	case c.evicted <- struct{}{}:
	default:
	}
}

// maintain runs the periodic lifecycle work until ctx is done: local
// heartbeats, sync bookkeeping, stale instance eviction and re-adding
// running instances that gossip evicted.
func (c *Coordinator) maintain(ctx context.Context) {
	heartbeat := time.NewTicker(positive(c.cfg.HeartbeatInterval, DefaultHeartbeatInterval))
	defer heartbeat.Stop()
	syncTicker := time.NewTicker(positive(c.cfg.SyncInterval, DefaultSyncInterval))
	defer syncTicker.Stop()
	cleanup := time.NewTicker(c.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			_ = c.registry.Heartbeat(c.cfg.InstanceID)

		case <-syncTicker.C:
			c.recordSync(ctx)

		case <-cleanup.C:
			timeout := positive(c.cfg.MaxOfflineDuration, DefaultMaxOfflineDuration)
			if _, err := c.CleanupStale(ctx, timeout); err != nil && ctx.Err() == nil {
				slog.Warn("stale instance cleanup failed", "instance_id", c.cfg.InstanceID, "error", err)
			}
			c.restorePeers(ctx)

		case <-c.evicted:
			c.restorePeers(ctx)
		}
	}
}

func (c *Coordinator) restorePeers(ctx context.Context) {
	if err := c.addRunningPeers(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("running instances not restored to gossip", "instance_id", c.cfg.InstanceID, "error", err)
	}
}

// recordSync stamps the local record with the replica size.
func (c *Coordinator) recordSync(ctx context.Context) {
	stats, err := c.node.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("node stats unavailable", "instance_id", c.cfg.InstanceID, "error", err)
			_ = c.registry.RecordError(c.cfg.InstanceID)
		}
		return
	}
	_ = c.registry.RecordSync(c.cfg.InstanceID, stats.EventCount)
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
