package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// Compile-time interface checks.
var (
	_ Transport = (*MemoryTransport)(nil)
	_ Notifier  = (*MemoryTransport)(nil)
)

// ErrUnknownAddress is wrapped when no transport listens at an address.
var ErrUnknownAddress = errors.New("no transport at address")

// ErrUnreachable is wrapped when a partition or a downed link separates
// two addresses.
var ErrUnreachable = errors.New("address unreachable")

// link is an unordered pair of addresses.
type link struct{ a, b string }

func newLink(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// MemoryNetwork is an in-process hub connecting MemoryTransports by
// address. It injects failures for tests: Partition splits the network
// into groups and SetLinkDown cuts single links.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*MemoryTransport
	groups map[string]int // nil when not partitioned
	down   map[link]bool
}

// NewMemoryNetwork creates an empty, fully connected network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes: make(map[string]*MemoryTransport),
		down:  make(map[link]bool),
	}
}

// Partition splits the network. Addresses in the same group reach each
// other; addresses not listed in any group form one more group together.
// A new call replaces the previous partition.
func (n *MemoryNetwork) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[string]int)
	for i, g := range groups {
		for _, addr := range g {
			n.groups[addr] = i + 1
		}
	}
}

// Heal restores full connectivity, clearing the partition and every
// downed link.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = nil
	n.down = make(map[link]bool)
}

// SetLinkDown cuts or restores the link between a and b in both
// directions.
func (n *MemoryNetwork) SetLinkDown(a, b string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down[newLink(a, b)] = true
	} else {
		delete(n.down, newLink(a, b))
	}
}

// Reachable reports whether a message from a can currently reach b.
func (n *MemoryNetwork) Reachable(a, b string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachableLocked(a, b)
}

func (n *MemoryNetwork) reachableLocked(a, b string) bool {
	if n.down[newLink(a, b)] {
		return false
	}
	if n.groups != nil && n.groups[a] != n.groups[b] {
		return false
	}
	return true
}

// Addresses returns every registered address, sorted.
func (n *MemoryNetwork) Addresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.nodes))
	for a := range n.nodes {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// route returns the transport at to if from can reach it.
func (n *MemoryNetwork) route(from, to string) (*MemoryTransport, *Error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	target, ok := n.nodes[to]
	if !ok {
		return nil, newError(CodeConnectionFailed, to, ErrUnknownAddress)
	}
	if !n.reachableLocked(from, to) {
		return nil, newError(CodeConnectionFailed, to, ErrUnreachable)
	}
	return target, nil
}

func (n *MemoryNetwork) register(t *MemoryTransport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[t.address]; ok {
		return fmt.Errorf("memory network: address %q already registered", t.address)
	}
	n.nodes[t.address] = t
	return nil
}

func (n *MemoryNetwork) unregister(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[t.address] == t {
		delete(n.nodes, t.address)
	}
}

// MemoryTransport delivers frames synchronously into the inbox of the
// transport registered at the target address.
//
// Messages still pass through the codec, so every delivery is a deep copy
// and size limits apply as they would on a real network.
type MemoryTransport struct {
	receiver

	network *MemoryNetwork
	address string

	mu     sync.Mutex
	peers  addressSet
	closed bool
}

// NewMemoryTransport registers a transport at address on network. The
// address doubles as the advertised sender address.
func NewMemoryTransport(network *MemoryNetwork, address string, cfg Config) (*MemoryTransport, error) {
	cfg = cfg.withDefaults()
	t := &MemoryTransport{
		receiver: newReceiver(cfg),
		network:  network,
		address:  address,
		peers:    make(addressSet),
	}
	if err := network.register(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Address returns the address this transport is registered at.
func (t *MemoryTransport) Address() string { return t.address }

// Connect checks that address is registered and reachable, then tracks it.
func (t *MemoryTransport) Connect(_ context.Context, address string) error {
	if t.isClosed() {
		return newError(CodeConnectionFailed, address, ErrClosed)
	}
	if _, err := t.network.route(t.address, address); err != nil {
		return err
	}
	t.mu.Lock()
	t.peers[address] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Disconnect stops tracking address.
func (t *MemoryTransport) Disconnect(_ context.Context, address string) error {
	t.mu.Lock()
	delete(t.peers, address)
	t.mu.Unlock()
	return nil
}

// Send encodes msg and hands the frame to the transport at address.
func (t *MemoryTransport) Send(ctx context.Context, address string, msg gossip.Message) error {
	if err := ctx.Err(); err != nil {
		return classify(address, CodeSendFailed, err)
	}
	if t.isClosed() {
		return newError(CodeSendFailed, address, ErrClosed)
	}
	frame, err := t.codec.Encode(envelope(t.address, msg))
	if err != nil {
		return encodeError(address, err)
	}
	target, rerr := t.network.route(t.address, address)
	if rerr != nil {
		return rerr
	}
	if target.isClosed() {
		return newError(CodeConnectionFailed, address, ErrClosed)
	}
	if err := target.HandleFrame(frame); err != nil {
		return classify(address, CodeSendFailed, err)
	}
	return nil
}

// Receive drains the inbox.
func (t *MemoryTransport) Receive(ctx context.Context) ([]Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.inbox.drain(), nil
}

// IsConnected reports whether address is tracked.
func (t *MemoryTransport) IsConnected(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[address]
	return ok
}

// ConnectedPeers returns the tracked addresses.
func (t *MemoryTransport) ConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers.sorted()
}

// Close unregisters the transport from its network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.peers = make(addressSet)
	t.mu.Unlock()
	t.network.unregister(t)
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
