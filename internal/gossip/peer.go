package gossip

import (
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// PeerRecord is the local knowledge of one remote instance.
//
// LastClock is the clock the peer last advertised; deltas for the peer
// are computed against it. SentStateVersion is the local
// StateVersion last snapshotted to the peer, reset on failure so the next
// push resends the snapshot.
type PeerRecord struct {
	ID               string
	Address          string
	LastSeen         time.Time
	LastClock        crdt.VectorClock
	FailedAttempts   int
	LastFailure      time.Time
	Reachable        bool
	SentStateVersion uint64
}

// NewPeerRecord returns a reachable record last seen at now.
func NewPeerRecord(id, address string, now time.Time) *PeerRecord {
	return &PeerRecord{
		ID:        id,
		Address:   address,
		LastSeen:  now,
		LastClock: crdt.NewVectorClock(),
		Reachable: true,
	}
}

// MarkSeen records a successful contact: the failure count resets and the
// peer becomes reachable again.
func (p *PeerRecord) MarkSeen(now time.Time) {
	p.LastSeen = now
	p.FailedAttempts = 0
	p.Reachable = true
}

// MarkFailed records a failed contact. The peer becomes unreachable once
// FailureThreshold consecutive failures accumulate.
func (p *PeerRecord) MarkFailed(now time.Time) {
	p.FailedAttempts++
	p.LastFailure = now
	p.SentStateVersion = 0
	if p.FailedAttempts >= FailureThreshold {
		p.Reachable = false
	}
}

// IsStale reports whether the peer has been silent for longer than timeout.
func (p *PeerRecord) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}

// observeClock records the clock the peer advertised for itself. The
// advertised clock replaces LastClock even when it is lower: a peer that
// restarted without its log must be sent its history again. A clock that
// does not cover the recorded one also resets SentStateVersion so the
// next push carries the LWW snapshot. A stale heartbeat arriving late
// costs one redundant push.
func (p *PeerRecord) observeClock(clock crdt.VectorClock) {
	if !p.LastClock.LessOrEqual(clock) {
		p.SentStateVersion = 0
	}
	p.LastClock = clock.Clone()
}

func (p *PeerRecord) clone() PeerRecord {
	out := *p
	out.LastClock = p.LastClock.Clone()
	return out
}
