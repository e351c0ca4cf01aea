package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConcurrentSends = 8
	DefaultCleanupInterval    = 30 * time.Second
)

// Sink receives every event newly appended to the local log, whether
// recorded locally or applied from a peer. Implemented by store.Store.
type Sink interface {
	WriteEvents(ctx context.Context, events []crdt.Event) error
}

// EntrySink is an optional Sink extension that also receives the LWW
// entries of the replica whenever they change. Entries are full
// snapshots, tombstones included, so writes must be LWW-guarded.
// Implemented by store.Store.
type EntrySink interface {
	WriteMetrics(ctx context.Context, entries map[string]crdt.LWWEntry[float64]) error
	WriteMetadata(ctx context.Context, entries map[string]crdt.LWWEntry[json.RawMessage]) error
}

// PeerObserver is told about peer liveness as the loop learns it. Calls
// happen on the Run goroutine and must not call back into the Node.
type PeerObserver interface {
	// PeerSeen is called for every accepted message from a known peer.
	PeerSeen(id, address string)

	// PeerEvicted is called for every peer dropped as stale.
	PeerEvicted(id string)
}

// Config controls the loop around the gossip engine.
type Config struct {
	Gossip gossip.Config

	// SendTimeout bounds every Connect and Send.
	SendTimeout time.Duration

	// MaxConcurrentSends caps parallel sends within one batch.
	MaxConcurrentSends int

	// CleanupInterval is the period of stale peer eviction.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = transport.DefaultTimeout
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = DefaultMaxConcurrentSends
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Option configures a Node.
type Option func(*Node)

// WithSink persists appended events to s. If s is also an EntrySink,
// changed LWW entries are persisted too.
func WithSink(s Sink) Option {
	return func(n *Node) {
		n.sink = s
		n.entries, _ = s.(EntrySink)
	}
}

// WithPeerObserver reports peer liveness to o.
func WithPeerObserver(o PeerObserver) Option {
	return func(n *Node) {
		n.observer = o
	}
}

// WithMetrics records loop activity in m.
func WithMetrics(m *Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithGossipOptions passes options through to gossip.New.
func WithGossipOptions(opts ...gossip.Option) Option {
	return func(n *Node) {
		n.gossipOpts = append(n.gossipOpts, opts...)
	}
}

// WithManualRounds disables the round and cleanup timers and the wake-up
// on inbound arrivals. Rounds then happen only through Tick and inbound
// messages are handled only by Tick and Drain, which keeps simulations
// deterministic.
func WithManualRounds() Option {
	return func(n *Node) {
		n.manual = true
	}
}

// Node is the single-writer actor around one replica.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine, once
//   - every other exported method: safe from any goroutine
//
// INVARIANTS:
//   - the gossip engine and its replica are touched only on the Run goroutine
//   - a round never waits for a send to complete
//   - every send is bounded by SendTimeout
type Node struct {
	engine    *gossip.Engine
	transport transport.Transport
	cfg       Config

	queue    *commandQueue
	inflight tracker
	metrics  *Metrics
	sink     Sink
	entries  EntrySink
	observer PeerObserver
	manual   bool

	gossipOpts []gossip.Option

	running atomic.Bool
	paused  atomic.Bool
	done    chan struct{}
	runCtx  context.Context // set on the Run goroutine, used by hooks

	// persistedVersion is the StateVersion last handed to entries.
	persistedVersion uint64
}

// NewNode creates a Node replicating state over tr. The Node does not
// own tr: closing it remains the caller's job.
func NewNode(state *crdt.ReplicaState, tr transport.Transport, cfg Config, opts ...Option) *Node {
	n := &Node{
		transport: tr,
		cfg:       cfg.withDefaults(),
		queue:     newCommandQueue(),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = NewMetrics(nil)
	}
	gopts := append([]gossip.Option{gossip.WithAppliedHook(n.onApplied)}, n.gossipOpts...)
	n.engine = gossip.New(state, n.cfg.Gossip, gopts...)
	return n
}

// ID returns the local instance id.
func (n *Node) ID() string { return n.engine.ID() }

// Done returns a channel closed when Run returns.
func (n *Node) Done() <-chan struct{} { return n.done }

// Run starts the event loop. Blocks until ctx is cancelled or Stop is
// called; returns ctx.Err() or nil respectively.
//
// ERROR HANDLING: failures handling one inbound message, send or sink
// write are logged and the loop continues.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("node already running")
	}
	defer close(n.done)
	n.runCtx = ctx

	var (
		tick, cleanup <-chan time.Time
		inbound       <-chan struct{}
	)
	if !n.manual {
		roundTicker := time.NewTicker(n.engine.Config().Interval)
		defer roundTicker.Stop()
		cleanupTicker := time.NewTicker(n.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		tick, cleanup = roundTicker.C, cleanupTicker.C

		if nt, ok := n.transport.(transport.Notifier); ok {
			inbound = nt.Notify()
		}
	}

	slog.Info("gossip node starting",
		"instance_id", n.ID(),
		"interval", n.engine.Config().Interval,
		"fanout", n.engine.Config().Fanout,
		"manual_rounds", n.manual)

	for {
		if cmd, ok := n.queue.TryDequeue(); ok {
			n.process(ctx, cmd)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("gossip node stopping: context cancelled", "instance_id", n.ID())
			n.queue.Close()
			n.shutdown()
			return ctx.Err()

		case <-n.queue.Wait():
			// The signal channel closes when the queue is closed.
			if n.queue.Drained() {
				slog.Info("gossip node stopping: queue closed", "instance_id", n.ID())
				n.shutdown()
				return nil
			}

		case <-inbound:
			n.drainInbound(ctx)

		case <-tick:
			n.drainInbound(ctx)
			if !n.paused.Load() && n.engine.ShouldGossip() {
				n.round(ctx)
			}

		case <-cleanup:
			n.cleanup()
		}
	}
}

// SetGossiping enables or disables timed rounds. Inbound messages are
// still handled while disabled and Tick still forces a round.
func (n *Node) SetGossiping(enabled bool) {
	n.paused.Store(!enabled)
}

// Gossiping reports whether timed rounds are enabled.
func (n *Node) Gossiping() bool {
	return !n.paused.Load()
}

// Stop closes the command queue. Run finishes the queued commands, then
// returns nil.
func (n *Node) Stop() {
	n.queue.Close()
}

// shutdown waits briefly for in-flight sends so their goroutines do not
// outlive the loop.
func (n *Node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
	defer cancel()
	if err := n.inflight.wait(ctx); err != nil {
		slog.Warn("gossip node stopped with sends in flight", "instance_id", n.ID(), "error", err)
	}
	slog.Info("gossip node stopped", "instance_id", n.ID())
}

// process runs one command.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) process(ctx context.Context, cmd command) {
	switch cmd.Type {
	case commandCall:
		cmd.Call(ctx)
	case commandSendResults:
		n.applyResults(cmd.Results)
	default:
		slog.Error("unknown command type", "type", int(cmd.Type))
	}
}

// do runs fn on the loop and waits for it to finish. fn is skipped if ctx
// is done by the time the loop reaches it. A caller whose ctx ends while
// fn is running gets ctx.Err() although fn took effect.
func (n *Node) do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	ok := n.queue.Enqueue(command{
		Type: commandCall,
		Call: func(loopCtx context.Context) {
			defer close(finished)
			if ctx.Err() != nil {
				return
			}
			fn(loopCtx)
		},
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// round runs one gossip round and dispatches its messages.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) round(ctx context.Context) {
	out := n.engine.InitiateGossip()
	n.metrics.Rounds.Inc()
	n.dispatch(ctx, out)
}

// drainInbound handles every queued inbound message and dispatches the
// replies. Returns the number of messages handled.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) drainInbound(ctx context.Context) int {
	msgs, err := n.transport.Receive(ctx)
	if err != nil {
		slog.Warn("gossip receive failed", "instance_id", n.ID(), "error", err)
		return 0
	}

	var replies []gossip.Outbound
	for _, in := range msgs {
		n.metrics.MessagesReceived.WithLabelValues(string(in.Message.Type)).Inc()
		reply := n.engine.HandleMessage(in.From, in.Message)

		_, known := n.engine.Peer(in.Message.SenderID)
		if known && n.observer != nil {
			n.observer.PeerSeen(in.Message.SenderID, in.From)
		}
		if reply == nil {
			continue
		}
		if in.From == "" {
			slog.Warn("dropping reply to sender without address",
				"instance_id", n.ID(),
				"sender_id", in.Message.SenderID,
				"type", reply.Type)
			continue
		}
		o := gossip.Outbound{Address: in.From, Message: *reply}
		if known {
			o.PeerID = in.Message.SenderID
		}
		replies = append(replies, o)
	}

	n.dispatch(ctx, replies)
	if len(msgs) > 0 {
		n.persistEntries(ctx)
		n.metrics.observePeers(n.engine.Stats())
	}
	return len(msgs)
}

// dispatch sends out concurrently and queues the results back to the
// loop. It returns immediately.
func (n *Node) dispatch(ctx context.Context, out []gossip.Outbound) {
	if len(out) == 0 {
		return
	}
	n.inflight.add()
	go func() {
		defer n.inflight.done()

		results := make([]sendResult, len(out))
		var g errgroup.Group
		g.SetLimit(n.cfg.MaxConcurrentSends)
		for i, o := range out {
			g.Go(func() error {
				results[i] = sendResult{Outbound: o, Err: n.send(ctx, o)}
				return nil
			})
		}
		_ = g.Wait()

		if !n.queue.Enqueue(command{Type: commandSendResults, Results: results}) {
			slog.Debug("discarding send results after stop", "instance_id", n.ID(), "messages", len(results))
		}
	}()
}

// send delivers one message, connecting first if needed.
func (n *Node) send(ctx context.Context, o gossip.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()

	if !n.transport.IsConnected(o.Address) {
		if err := n.transport.Connect(ctx, o.Address); err != nil {
			return err
		}
	}
	return n.transport.Send(ctx, o.Address, o.Message)
}

// applyResults feeds send outcomes into the peer table. A successful
// send counts as contact.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) applyResults(results []sendResult) {
	for _, r := range results {
		if r.Err != nil {
			code := transport.Code(r.Err)
			if code == "" {
				code = transport.CodeSendFailed
			}
			n.metrics.SendFailures.WithLabelValues(string(code)).Inc()
			slog.Debug("gossip send failed",
				"instance_id", n.ID(),
				"peer_id", r.PeerID,
				"address", r.Address,
				"type", r.Message.Type,
				"error", r.Err)
			if r.PeerID != "" {
				n.engine.MarkPeerFailed(r.PeerID)
			}
			continue
		}
		n.metrics.MessagesSent.WithLabelValues(string(r.Message.Type)).Inc()
		if r.PeerID != "" {
			n.engine.MarkPeerSeen(r.PeerID)
		}
	}
	n.metrics.observePeers(n.engine.Stats())
}

// cleanup evicts stale peers.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) cleanup() []string {
	evicted := n.engine.CleanupStalePeers()
	if n.observer != nil {
		for _, id := range evicted {
			n.observer.PeerEvicted(id)
		}
	}
	n.metrics.observePeers(n.engine.Stats())
	return evicted
}

// onApplied is the gossip hook for remote events.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) onApplied(events []crdt.Event) {
	n.metrics.EventsApplied.Add(float64(len(events)))
	n.persist(n.runCtx, events)
}

// persist hands events to the sink. Sink failures are logged and ignored.
func (n *Node) persist(ctx context.Context, events []crdt.Event) {
	n.metrics.ReplicaEvents.Set(float64(n.engine.State().Log().Len()))
	if n.sink == nil || len(events) == 0 {
		return
	}
	if err := n.sink.WriteEvents(ctx, events); err != nil {
		slog.Error("event sink write failed",
			"instance_id", n.ID(),
			"events", len(events),
			"first_id", events[0].ID,
			"error", err)
	}
}

// persistEntries hands the LWW maps to the entry sink when they changed
// since the last call. Failures are logged and retried on the next change.
// CRITICAL: Called only from the Run goroutine.
func (n *Node) persistEntries(ctx context.Context) {
	state := n.engine.State()
	version := state.StateVersion()
	if n.entries == nil || version == n.persistedVersion {
		return
	}
	if err := n.entries.WriteMetrics(ctx, state.Metrics().Entries()); err != nil {
		slog.Error("metric sink write failed", "instance_id", n.ID(), "error", err)
		return
	}
	if err := n.entries.WriteMetadata(ctx, state.Metadata().Entries()); err != nil {
		slog.Error("metadata sink write failed", "instance_id", n.ID(), "error", err)
		return
	}
	n.persistedVersion = version
}

// Record appends a local event and returns a copy of it.
func (n *Node) Record(ctx context.Context, kind crdt.EventKind, payload json.RawMessage) (crdt.Event, error) {
	if !kind.Valid() {
		return crdt.Event{}, &InvalidKindError{Kind: kind}
	}
	if !crdt.ValidPayload(payload) {
		return crdt.Event{}, &InvalidValueError{Op: "record event", Reason: "payload is not valid JSON"}
	}
	var ev crdt.Event
	err := n.do(ctx, func(ctx context.Context) {
		ev = n.engine.State().RecordEvent(kind, payload)
		n.persist(ctx, []crdt.Event{ev})
	})
	if err != nil {
		return crdt.Event{}, err
	}
	return ev, nil
}

// UpdateMetric writes a metric as the local instance. Returns whether the
// value changed.
func (n *Node) UpdateMetric(ctx context.Context, name string, value float64) (bool, error) {
	if !crdt.FiniteMetric(value) {
		return false, &InvalidValueError{Op: "update metric", Key: name, Reason: "value is not finite"}
	}
	var changed bool
	err := n.do(ctx, func(ctx context.Context) {
		changed = n.engine.State().UpdateMetric(name, value)
		n.persistEntries(ctx)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// SetMetadata writes a metadata value as the local instance.
func (n *Node) SetMetadata(ctx context.Context, key string, value json.RawMessage) (bool, error) {
	if !crdt.ValidPayload(value) {
		return false, &InvalidValueError{Op: "set metadata", Key: key, Reason: "value is not valid JSON"}
	}
	var changed bool
	err := n.do(ctx, func(ctx context.Context) {
		changed = n.engine.State().SetMetadata(key, value)
		n.persistEntries(ctx)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// RemoveMetadata tombstones a metadata key as the local instance.
func (n *Node) RemoveMetadata(ctx context.Context, key string) (bool, error) {
	var changed bool
	err := n.do(ctx, func(ctx context.Context) {
		changed = n.engine.State().RemoveMetadata(key)
		n.persistEntries(ctx)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// AddPeer registers a peer. Returns whether a record was created.
func (n *Node) AddPeer(ctx context.Context, id, address string) (bool, error) {
	var added bool
	err := n.do(ctx, func(context.Context) {
		added = n.engine.AddPeer(id, address)
		n.metrics.observePeers(n.engine.Stats())
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemovePeer forgets a peer and disconnects its address.
func (n *Node) RemovePeer(ctx context.Context, id string) (bool, error) {
	var (
		removed bool
		address string
	)
	err := n.do(ctx, func(context.Context) {
		if p, ok := n.engine.Peer(id); ok {
			address = p.Address
		}
		removed = n.engine.RemovePeer(id)
		n.metrics.observePeers(n.engine.Stats())
	})
	if err != nil {
		return false, err
	}
	if removed && address != "" {
		if err := n.transport.Disconnect(ctx, address); err != nil {
			slog.Debug("disconnect after peer removal failed", "peer_id", id, "address", address, "error", err)
		}
	}
	return removed, nil
}

// Peers returns copies of all peer records sorted by id.
func (n *Node) Peers(ctx context.Context) ([]gossip.PeerRecord, error) {
	var peers []gossip.PeerRecord
	err := n.do(ctx, func(context.Context) {
		peers = n.engine.Peers()
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

// RequestFullSync asks the peer at address for its complete state.
func (n *Node) RequestFullSync(ctx context.Context, address string) error {
	return n.do(ctx, func(ctx context.Context) {
		n.dispatch(ctx, []gossip.Outbound{n.engine.RequestFullSync(address)})
	})
}

// Announce sends a membership update to every known peer.
func (n *Node) Announce(ctx context.Context, joined []gossip.PeerInfo, left []string) error {
	return n.do(ctx, func(ctx context.Context) {
		n.dispatch(ctx, n.engine.AnnounceMembership(joined, left))
	})
}

// Tick handles pending inbound messages, then runs one gossip round
// whether or not Interval has elapsed.
func (n *Node) Tick(ctx context.Context) error {
	return n.do(ctx, func(ctx context.Context) {
		n.drainInbound(ctx)
		n.round(ctx)
	})
}

// Drain handles pending inbound messages, then waits for the resulting
// sends to settle. Returns the number of messages handled.
func (n *Node) Drain(ctx context.Context) (int, error) {
	var handled int
	err := n.do(ctx, func(ctx context.Context) {
		handled = n.drainInbound(ctx)
	})
	if err != nil {
		return 0, err
	}
	return handled, n.Flush(ctx)
}

// Flush waits until every dispatched send has completed and its result
// has been applied to the peer table.
func (n *Node) Flush(ctx context.Context) error {
	if err := n.inflight.wait(ctx); err != nil {
		return err
	}
	// Results are queued before a batch counts as done, so a no-op queued
	// now runs after them.
	return n.do(ctx, func(context.Context) {})
}

// CleanupStalePeers evicts stale peers now and returns their ids.
func (n *Node) CleanupStalePeers(ctx context.Context) ([]string, error) {
	var evicted []string
	err := n.do(ctx, func(context.Context) {
		evicted = n.cleanup()
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Snapshot returns an independent copy of the replica.
func (n *Node) Snapshot(ctx context.Context) (*crdt.ReplicaState, error) {
	var s *crdt.ReplicaState
	err := n.do(ctx, func(context.Context) {
		s = n.engine.State().Clone()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stats returns gossip statistics.
func (n *Node) Stats(ctx context.Context) (gossip.Stats, error) {
	var s gossip.Stats
	err := n.do(ctx, func(context.Context) {
		s = n.engine.Stats()
	})
	if err != nil {
		return gossip.Stats{}, err
	}
	return s, nil
}

// Status is the summary served on /status.
type Status struct {
	InstanceID string             `json:"instance_id"`
	Digest     string             `json:"digest"`
	Stats      gossip.Stats       `json:"stats"`
	Peers      []PeerStatus       `json:"peers"`
	Connected  []string           `json:"connected"`
	Clock      crdt.VectorClock   `json:"clock"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// PeerStatus is the JSON view of one peer record.
type PeerStatus struct {
	ID             string    `json:"peer_id"`
	Address        string    `json:"address"`
	Reachable      bool      `json:"reachable"`
	FailedAttempts int       `json:"failed_attempts"`
	LastSeen       time.Time `json:"last_seen"`
}

// Status returns a consistent summary of the replica and peer table.
func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func(context.Context) {
		state := n.engine.State()
		st = Status{
			InstanceID: n.ID(),
			Digest:     state.Digest(),
			Stats:      n.engine.Stats(),
			Clock:      state.Clock(),
		}
		for _, p := range n.engine.Peers() {
			st.Peers = append(st.Peers, PeerStatus{
				ID:             p.ID,
				Address:        p.Address,
				Reachable:      p.Reachable,
				FailedAttempts: p.FailedAttempts,
				LastSeen:       p.LastSeen,
			})
		}
		for _, name := range state.Metrics().Keys() {
			if st.Metrics == nil {
				st.Metrics = make(map[string]float64)
			}
			st.Metrics[name], _ = state.Metrics().Get(name)
		}
	})
	if err != nil {
		return Status{}, err
	}
	st.Connected = n.transport.ConnectedPeers()
	return st, nil
}
