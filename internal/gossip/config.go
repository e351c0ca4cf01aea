package gossip

import "time"

// Default protocol parameters.
const (
	DefaultInterval            = time.Second
	DefaultFanout              = 3
	DefaultMaxEventsPerMessage = 100
	DefaultPeerTimeout         = 30 * time.Second
	DefaultRetryInterval       = 10 * time.Second

	// FailureThreshold is the number of consecutive failures after which a
	// peer is marked unreachable.
	FailureThreshold = 3
)

// Config controls gossip pacing and message size.
type Config struct {
	// Interval is the minimum time between rounds.
	Interval time.Duration

	// Fanout caps the number of push targets, and separately the number of
	// heartbeat targets, per round.
	Fanout int

	// MaxEventsPerMessage truncates each delta to the first N events in
	// log order. Zero means unlimited.
	MaxEventsPerMessage int

	// PeerTimeout is how long a peer may stay silent before
	// CleanupStalePeers evicts it.
	PeerTimeout time.Duration

	// RetryInterval is how long an unreachable peer is skipped as a push
	// target after its last failure.
	RetryInterval time.Duration
}

// DefaultConfig returns the default protocol parameters.
func DefaultConfig() Config {
	return Config{
		Interval:            DefaultInterval,
		Fanout:              DefaultFanout,
		MaxEventsPerMessage: DefaultMaxEventsPerMessage,
		PeerTimeout:         DefaultPeerTimeout,
		RetryInterval:       DefaultRetryInterval,
	}
}

// withDefaults replaces non-positive fields with their defaults.
// MaxEventsPerMessage is left alone because zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Fanout <= 0 {
		c.Fanout = d.Fanout
	}
	if c.MaxEventsPerMessage < 0 {
		c.MaxEventsPerMessage = 0
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	return c
}
