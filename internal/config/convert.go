package config

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/instance"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// AdvertiseAddress is the address peers should dial. It defaults to the
// listen address, with "localhost" filled in for a bare ":port".
func (c Config) AdvertiseAddress() string {
	if c.Transport.Advertise != "" {
		return c.Transport.Advertise
	}
	if strings.HasPrefix(c.Transport.Listen, ":") {
		return "localhost" + c.Transport.Listen
	}
	return c.Transport.Listen
}

// TransportKind returns the configured transport kind.
func (c Config) TransportKind() (transport.Kind, error) {
	return transport.ParseKind(c.Transport.Kind)
}

// TransportConfig converts the transport section.
func (c Config) TransportConfig() (transport.Config, error) {
	compression, err := codec.ParseCompression(c.Transport.Compression)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport.compression: %w", err)
	}
	return transport.Config{
		Advertise:            c.AdvertiseAddress(),
		Timeout:              c.Transport.Timeout.Std(),
		MaxMessageSize:       c.Transport.MaxMessageSize,
		RetryCount:           c.Transport.RetryCount,
		RetryDelay:           c.Transport.RetryDelay.Std(),
		Compression:          compression,
		CompressionThreshold: c.Transport.CompressionThreshold,
		InboundRate:          c.Transport.InboundRate,
		InboxSize:            c.Transport.InboxSize,
	}, nil
}

// GossipConfig converts the gossip section.
func (c Config) GossipConfig() gossip.Config {
	return gossip.Config{
		Interval:            c.Gossip.Interval.Std(),
		Fanout:              c.Gossip.Fanout,
		MaxEventsPerMessage: c.Gossip.MaxEventsPerMessage,
		PeerTimeout:         c.Gossip.PeerTimeout.Std(),
		RetryInterval:       c.Gossip.RetryInterval.Std(),
	}
}

// GossipOptions returns engine options implied by the gossip section: a
// seeded random source when Seed is set.
func (c Config) GossipOptions() []gossip.Option {
	if c.Gossip.Seed == 0 {
		return nil
	}
	seed := c.Gossip.Seed
	return []gossip.Option{gossip.WithRand(rand.New(rand.NewPCG(seed, seed)))}
}

// EngineConfig converts the gossip section plus the send timeout and
// cleanup period.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Gossip:          c.GossipConfig(),
		SendTimeout:     c.Transport.Timeout.Std(),
		CleanupInterval: c.Lifecycle.CleanupInterval.Std(),
	}
}

// InstanceConfig converts the instance and lifecycle sections. An empty
// instance id is replaced by a random UUID, so callers should convert
// once and reuse the result.
func (c Config) InstanceConfig() instance.Config {
	cfg := instance.DefaultConfig(c.Instance.ID)
	cfg.Metadata = instance.Metadata{
		Version:      c.Instance.Version,
		AgentID:      c.Instance.AgentID,
		Framework:    c.Instance.Framework,
		Capabilities: append([]string(nil), c.Instance.Capabilities...),
	}
	if cfg.Metadata.Version == "" {
		cfg.Metadata.Version = instance.DefaultVersion
	}
	if len(c.Instance.Tags) > 0 {
		cfg.Metadata.Tags = make(map[string]string, len(c.Instance.Tags))
		for k, v := range c.Instance.Tags {
			cfg.Metadata.Tags[k] = v
		}
	}
	cfg.HeartbeatInterval = c.Lifecycle.HeartbeatInterval.Std()
	cfg.SyncInterval = c.Lifecycle.SyncInterval.Std()
	cfg.MaxOfflineDuration = c.Lifecycle.MaxOffline.Std()
	return cfg
}

// SlogLevel parses the log level. Unknown names fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Handler builds the slog handler selected by Format, writing to w.
func (l LogConfig) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
