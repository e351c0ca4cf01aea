package transport

import (
	"errors"
	"fmt"
)

type options struct {
	network *MemoryNetwork
}

// Option configures New.
type Option func(*options)

// WithNetwork attaches memory transports to network instead of a fresh
// private one.
func WithNetwork(network *MemoryNetwork) Option {
	return func(o *options) {
		o.network = network
	}
}

// New creates the Transport selected by kind. Memory transports register
// at cfg.Advertise.
func New(kind Kind, cfg Config, opts ...Option) (Transport, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch kind {
	case KindHTTP, "":
		return NewHTTPTransport(cfg), nil
	case KindWebSocket:
		return NewWebSocketTransport(cfg), nil
	case KindMemory:
		if cfg.Advertise == "" {
			return nil, errors.New("memory transport requires an advertise address")
		}
		if o.network == nil {
			o.network = NewMemoryNetwork()
		}
		t, err := NewMemoryTransport(o.network, cfg.Advertise, cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
