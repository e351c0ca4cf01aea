package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// Transport delivers gossip messages to peer addresses and collects the
// messages peers deliver back.
//
// Every method is safe for concurrent use. Send may be called for
// distinct addresses in parallel; the caller bounds each call with ctx.
type Transport interface {
	// Connect prepares a link to address. Request-response transports
	// only track the address.
	Connect(ctx context.Context, address string) error

	// Disconnect closes the link to address, if any.
	Disconnect(ctx context.Context, address string) error

	// Send delivers msg to address. A failure returns an *Error.
	Send(ctx context.Context, address string, msg gossip.Message) error

	// Receive drains the inbox without blocking.
	Receive(ctx context.Context) ([]Inbound, error)

	// IsConnected reports whether address is tracked or linked.
	IsConnected(address string) bool

	// ConnectedPeers returns the tracked addresses, sorted.
	ConnectedPeers() []string

	// Close releases every link. Later calls fail with ErrClosed.
	Close() error
}

// Inbound is one received message and the address its sender advertised.
type Inbound struct {
	From    string
	Message gossip.Message
}

// Notifier is implemented by transports that can signal inbound arrivals,
// letting a consumer wake up instead of polling Receive.
type Notifier interface {
	Notify() <-chan struct{}
}

// FrameHandler is implemented by transports that accept raw frames from
// Server's POST /sync endpoint.
type FrameHandler interface {
	HandleFrame(frame []byte) error
}

// Kind selects a Transport implementation.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindMemory    Kind = "memory"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindHTTP, KindWebSocket, KindMemory:
		return k, nil
	case "":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// Defaults for Config fields.
const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxMessageSize = codec.DefaultMaxSize
	DefaultRetryCount     = 3
	DefaultRetryDelay     = time.Second
	DefaultInboxSize      = 1024
)

// Config controls framing, timeouts and inbound backpressure.
type Config struct {
	// Advertise is the address peers should use to reach this node. It
	// travels in every envelope as the sender address.
	Advertise string

	// Timeout bounds dials and writes not already bounded by a context.
	Timeout time.Duration

	// MaxMessageSize bounds every frame, sent or received.
	MaxMessageSize int

	// RetryCount is the number of extra attempts after a failed request.
	RetryCount int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Compression applied to frames of at least CompressionThreshold bytes.
	Compression codec.Compression

	CompressionThreshold int

	// InboundRate caps accepted inbound messages per second. Zero means
	// unlimited.
	InboundRate float64

	// InboxSize caps queued inbound messages. The newest arrival is
	// dropped when the inbox is full.
	InboxSize int
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		Timeout:              DefaultTimeout,
		MaxMessageSize:       DefaultMaxMessageSize,
		RetryCount:           DefaultRetryCount,
		RetryDelay:           DefaultRetryDelay,
		CompressionThreshold: codec.DefaultCompressionThreshold,
		InboxSize:            DefaultInboxSize,
	}
}

// withDefaults fills sizes and timeouts left at zero. RetryCount and
// RetryDelay are kept because zero is meaningful for both.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

func (c Config) codec() *codec.Codec {
	return codec.New(c.Compression, c.CompressionThreshold, c.MaxMessageSize)
}

// envelope wraps msg for the wire with the local address.
func envelope(from string, msg gossip.Message) codec.Envelope {
	return codec.Envelope{From: from, SentAt: time.Now().UTC(), Message: msg}
}

// addressSet tracks connected addresses. Callers hold the owner's lock.
type addressSet map[string]struct{}

func (s addressSet) sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// baseURL turns a peer address into an HTTP base URL. Bare host:port
// addresses default to plain http.
func baseURL(address string) string {
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/")
	}
	return "http://" + address
}

// websocketURL turns a peer address into the URL of its /ws endpoint.
func websocketURL(address string) string {
	u := baseURL(address)
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
