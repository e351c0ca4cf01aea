package gossip

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// Engine drives anti-entropy for one replica.
//
// INVARIANTS:
//   - the local instance never appears in the peer table
//   - the peer table is mutated only through Engine methods
//   - Peers and Peer return copies, never live records
type Engine struct {
	id    string
	cfg   Config
	state *crdt.ReplicaState
	peers map[string]*PeerRecord

	rng       *rand.Rand
	now       func() time.Time
	onApplied func([]crdt.Event)

	lastGossip time.Time
	rounds     uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the random source used for target sampling. Tests pass a
// seeded source for reproducible rounds.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = r
	}
}

// WithNow sets the time source. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithAppliedHook registers fn to receive the events newly applied from
// every inbound Push or PullResponse.
func WithAppliedHook(fn func([]crdt.Event)) Option {
	return func(e *Engine) {
		e.onApplied = fn
	}
}

// New creates an Engine owning state.
func New(state *crdt.ReplicaState, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		id:    state.InstanceID(),
		cfg:   cfg.withDefaults(),
		state: state,
		peers: make(map[string]*PeerRecord),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	e.lastGossip = e.now()
	return e
}

// ID returns the local instance id.
func (e *Engine) ID() string { return e.id }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns the owned replica. Callers on the owning goroutine may
// mutate it directly, e.g. to record events.
func (e *Engine) State() *crdt.ReplicaState { return e.state }

// AddPeer registers a peer. Adding the local instance, or an id already
// known, is a no-op. Returns whether a record was created.
func (e *Engine) AddPeer(id, address string) bool {
	if id == "" || id == e.id {
		return false
	}
	if _, ok := e.peers[id]; ok {
		return false
	}
	e.peers[id] = NewPeerRecord(id, address, e.now())
	slog.Debug("gossip peer added", "instance_id", e.id, "peer_id", id, "address", address)
	return true
}

// RemovePeer forgets a peer. Returns whether it was known.
func (e *Engine) RemovePeer(id string) bool {
	if _, ok := e.peers[id]; !ok {
		return false
	}
	delete(e.peers, id)
	slog.Debug("gossip peer removed", "instance_id", e.id, "peer_id", id)
	return true
}

// Peer returns a copy of one peer record.
func (e *Engine) Peer(id string) (PeerRecord, bool) {
	p, ok := e.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return p.clone(), true
}

// Peers returns copies of all peer records sorted by id.
func (e *Engine) Peers() []PeerRecord {
	out := make([]PeerRecord, 0, len(e.peers))
	for _, id := range e.sortedPeerIDs() {
		out = append(out, e.peers[id].clone())
	}
	return out
}

func (e *Engine) sortedPeerIDs() []string {
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ShouldGossip reports whether Interval has elapsed since the last round.
func (e *Engine) ShouldGossip() bool {
	return e.now().Sub(e.lastGossip) >= e.cfg.Interval
}

// SelectTargets returns up to Fanout push targets sampled uniformly from
// the eligible peers. A peer is eligible when reachable, or when
// RetryInterval has elapsed since its last failure.
func (e *Engine) SelectTargets() []PeerRecord {
	now := e.now()
	var eligible []*PeerRecord
	for _, id := range e.sortedPeerIDs() {
		p := e.peers[id]
		if p.Reachable || now.Sub(p.LastFailure) >= e.cfg.RetryInterval {
			eligible = append(eligible, p)
		}
	}
	eligible = e.sample(eligible, e.cfg.Fanout)

	out := make([]PeerRecord, len(eligible))
	for i, p := range eligible {
		out[i] = p.clone()
	}
	return out
}

// sample shuffles peers in place and returns the first n. The input must
// be in a fixed order for a seeded source to be reproducible.
func (e *Engine) sample(peers []*PeerRecord, n int) []*PeerRecord {
	if len(peers) <= n {
		return peers
	}
	e.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	return peers[:n]
}

// InitiateGossip runs one round and returns the messages to deliver. It
// never blocks and never waits for acknowledgement.
func (e *Engine) InitiateGossip() []Outbound {
	e.lastGossip = e.now()
	e.rounds++

	var out []Outbound
	version := e.state.StateVersion()
	for _, target := range e.SelectTargets() {
		p := e.peers[target.ID]
		delta := e.state.DeltaSince(p.LastClock, e.cfg.MaxEventsPerMessage)
		if version > p.SentStateVersion {
			delta = e.state.WithStateSnapshot(delta)
			p.SentStateVersion = version
		}
		if delta.IsEmpty() {
			continue
		}
		out = append(out, Outbound{
			PeerID:  p.ID,
			Address: p.Address,
			Message: NewPush(e.id, delta),
		})
	}

	all := make([]*PeerRecord, 0, len(e.peers))
	for _, id := range e.sortedPeerIDs() {
		all = append(all, e.peers[id])
	}
	clock := e.state.Clock()
	for _, p := range e.sample(all, e.cfg.Fanout) {
		out = append(out, Outbound{
			PeerID:  p.ID,
			Address: p.Address,
			Message: NewHeartbeat(e.id, clock, len(e.peers)),
		})
	}

	slog.Debug("gossip round",
		"instance_id", e.id,
		"round", e.rounds,
		"messages", len(out),
		"clock", clock.String())
	return out
}

// HandleMessage processes one inbound message and returns the reply to
// send back to fromAddress, if any. Invalid messages and messages from
// the local instance are dropped with a diagnostic.
func (e *Engine) HandleMessage(fromAddress string, msg Message) *Message {
	if err := msg.Validate(); err != nil {
		slog.Warn("dropping gossip message",
			"instance_id", e.id,
			"from", fromAddress,
			"error", err)
		return nil
	}
	if msg.SenderID == e.id {
		return nil
	}

	switch msg.Type {
	case TypePush, TypePullResponse:
		if p, ok := e.peers[msg.SenderID]; ok {
			p.MarkSeen(e.now())
			p.observeClock(msg.Delta.To)
		}
		e.apply(*msg.Delta)
		return nil

	case TypePull:
		e.markSeen(msg.SenderID)
		delta := e.state.WithStateSnapshot(e.state.DeltaSince(msg.SinceClock, e.cfg.MaxEventsPerMessage))
		reply := NewPullResponse(e.id, delta)
		return &reply

	case TypeHeartbeat:
		p, ok := e.peers[msg.SenderID]
		if !ok {
			if fromAddress == "" || !e.AddPeer(msg.SenderID, fromAddress) {
				return nil
			}
			p = e.peers[msg.SenderID]
		}
		p.MarkSeen(e.now())
		p.observeClock(msg.Clock)
		if fromAddress != "" && p.Address != fromAddress {
			slog.Debug("gossip peer address changed",
				"instance_id", e.id,
				"peer_id", p.ID,
				"old", p.Address,
				"new", fromAddress)
			p.Address = fromAddress
		}
		return nil

	case TypeMembershipUpdate:
		e.markSeen(msg.SenderID)
		for _, j := range msg.Joined {
			e.AddPeer(j.ID, j.Address)
		}
		for _, id := range msg.Left {
			e.RemovePeer(id)
		}
		return nil
	}
	return nil
}

func (e *Engine) apply(delta crdt.Delta) {
	applied := e.state.ApplyDelta(delta)
	e.state.MarkSynced(e.now())
	if len(applied) > 0 && e.onApplied != nil {
		e.onApplied(applied)
	}
}

func (e *Engine) markSeen(id string) {
	if p, ok := e.peers[id]; ok {
		p.MarkSeen(e.now())
	}
}

// MarkPeerSeen records a successful exchange with a peer.
func (e *Engine) MarkPeerSeen(id string) {
	e.markSeen(id)
}

// MarkPeerFailed records a failed exchange with a peer.
func (e *Engine) MarkPeerFailed(id string) {
	p, ok := e.peers[id]
	if !ok {
		return
	}
	wasReachable := p.Reachable
	p.MarkFailed(e.now())
	if wasReachable && !p.Reachable {
		slog.Info("gossip peer unreachable",
			"instance_id", e.id,
			"peer_id", id,
			"failed_attempts", p.FailedAttempts)
	}
}

// CleanupStalePeers evicts every peer silent for longer than PeerTimeout,
// reachable or not, and returns the evicted ids sorted.
func (e *Engine) CleanupStalePeers() []string {
	now := e.now()
	var evicted []string
	for _, id := range e.sortedPeerIDs() {
		if e.peers[id].IsStale(now, e.cfg.PeerTimeout) {
			delete(e.peers, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		slog.Info("gossip evicted stale peers", "instance_id", e.id, "peers", evicted)
	}
	return evicted
}

// RequestFullSync builds a pull for the complete state of the peer at
// address.
func (e *Engine) RequestFullSync(address string) Outbound {
	out := Outbound{
		Address: address,
		Message: NewPull(e.id, crdt.NewVectorClock()),
	}
	for _, id := range e.sortedPeerIDs() {
		if e.peers[id].Address == address {
			out.PeerID = id
			break
		}
	}
	return out
}

// AnnounceMembership builds one membership update per known peer.
func (e *Engine) AnnounceMembership(joined []PeerInfo, left []string) []Outbound {
	out := make([]Outbound, 0, len(e.peers))
	for _, id := range e.sortedPeerIDs() {
		p := e.peers[id]
		out = append(out, Outbound{
			PeerID:  p.ID,
			Address: p.Address,
			Message: NewMembershipUpdate(e.id, joined, left),
		})
	}
	return out
}

// Stats summarises the peer table and replica.
type Stats struct {
	TotalPeers     int              `json:"total_peers"`
	ReachablePeers int              `json:"reachable_peers"`
	EventCount     int              `json:"event_count"`
	StateVersion   uint64           `json:"state_version"`
	Rounds         uint64           `json:"rounds"`
	CurrentClock   crdt.VectorClock `json:"current_clock"`
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		TotalPeers:   len(e.peers),
		EventCount:   e.state.Log().Len(),
		StateVersion: e.state.StateVersion(),
		Rounds:       e.rounds,
		CurrentClock: e.state.Clock(),
	}
	for _, p := range e.peers {
		if p.Reachable {
			s.ReachablePeers++
		}
	}
	return s
}
