package gossip

import (
	"errors"
	"fmt"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// MessageType tags a gossip Message.
type MessageType string

const (
	TypePush             MessageType = "push"
	TypePull             MessageType = "pull"
	TypePullResponse     MessageType = "pull_response"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeMembershipUpdate MessageType = "membership_update"
)

// MessageTypes lists every message type, used for metric label
// pre-registration.
var MessageTypes = []MessageType{
	TypePush,
	TypePull,
	TypePullResponse,
	TypeHeartbeat,
	TypeMembershipUpdate,
}

// PeerInfo names a peer in a membership update.
type PeerInfo struct {
	ID      string `json:"peer_id" cbor:"peer_id"`
	Address string `json:"address" cbor:"address"`
}

// Message is the single wire type for all gossip traffic. Which fields are
// meaningful depends on Type:
//
//	push, pull_response: Delta
//	pull:                SinceClock
//	heartbeat:           Clock, PeerCount
//	membership_update:   Joined, Left
type Message struct {
	Type       MessageType      `json:"type" cbor:"type"`
	SenderID   string           `json:"sender_id" cbor:"sender_id"`
	Delta      *crdt.Delta      `json:"delta,omitempty" cbor:"delta,omitempty"`
	SinceClock crdt.VectorClock `json:"since_clock,omitempty" cbor:"since_clock,omitempty"`
	Clock      crdt.VectorClock `json:"clock,omitempty" cbor:"clock,omitempty"`
	PeerCount  int              `json:"peer_count,omitempty" cbor:"peer_count,omitempty"`
	Joined     []PeerInfo       `json:"joined,omitempty" cbor:"joined,omitempty"`
	Left       []string         `json:"left,omitempty" cbor:"left,omitempty"`
}

// NewPush builds a push carrying delta.
func NewPush(sender string, delta crdt.Delta) Message {
	return Message{Type: TypePush, SenderID: sender, Delta: &delta}
}

// NewPull builds a request for everything not covered by since.
func NewPull(sender string, since crdt.VectorClock) Message {
	return Message{Type: TypePull, SenderID: sender, SinceClock: since.Clone()}
}

// NewPullResponse builds the reply to a pull.
func NewPullResponse(sender string, delta crdt.Delta) Message {
	return Message{Type: TypePullResponse, SenderID: sender, Delta: &delta}
}

// NewHeartbeat builds a liveness message advertising the sender's clock.
func NewHeartbeat(sender string, clock crdt.VectorClock, peerCount int) Message {
	return Message{Type: TypeHeartbeat, SenderID: sender, Clock: clock.Clone(), PeerCount: peerCount}
}

// NewMembershipUpdate builds a join/leave announcement.
func NewMembershipUpdate(sender string, joined []PeerInfo, left []string) Message {
	return Message{Type: TypeMembershipUpdate, SenderID: sender, Joined: joined, Left: left}
}

// ErrInvalidMessage is wrapped by every Validate failure.
var ErrInvalidMessage = errors.New("invalid gossip message")

// Validate checks that m is well formed for its type.
func (m Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidMessage)
	}
	switch m.Type {
	case TypePush, TypePullResponse:
		if m.Delta == nil {
			return fmt.Errorf("%w: %s without delta", ErrInvalidMessage, m.Type)
		}
		if err := validateDelta(m.Type, m.Delta); err != nil {
			return err
		}
	case TypePull, TypeHeartbeat:
	case TypeMembershipUpdate:
		for i, p := range m.Joined {
			if p.ID == "" || p.Address == "" {
				return fmt.Errorf("%w: joined[%d] missing peer_id or address", ErrInvalidMessage, i)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// validateDelta rejects content a replica could apply but never persist.
func validateDelta(t MessageType, d *crdt.Delta) error {
	for i, e := range d.Events {
		if e.ID == "" || e.Origin == "" {
			return fmt.Errorf("%w: %s event[%d] missing id or origin", ErrInvalidMessage, t, i)
		}
		if !crdt.ValidPayload(e.Payload) {
			return fmt.Errorf("%w: %s event %s payload is not JSON", ErrInvalidMessage, t, e.ID)
		}
	}
	for name, e := range d.Metrics {
		if !e.Deleted && !crdt.FiniteMetric(e.Value) {
			return fmt.Errorf("%w: %s metric %q is not finite", ErrInvalidMessage, t, name)
		}
	}
	for key, e := range d.Metadata {
		if !e.Deleted && !crdt.ValidPayload(e.Value) {
			return fmt.Errorf("%w: %s metadata %q is not JSON", ErrInvalidMessage, t, key)
		}
	}
	return nil
}

// Outbound is a message the caller must deliver to Address.
type Outbound struct {
	PeerID  string
	Address string
	Message Message
}
