package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/instance"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// Default lifecycle and listen settings. Gossip and transport defaults
// come from their packages.
const (
	DefaultListen          = ":7946"
	DefaultCleanupInterval = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Config is one node's complete configuration.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance" json:"instance"`
	Gossip    GossipConfig    `yaml:"gossip" json:"gossip"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Peers     []PeerConfig    `yaml:"peers" json:"peers" validate:"dive"`
}

// InstanceConfig identifies the local instance. An empty ID is replaced
// by a random UUID when the node is built.
type InstanceConfig struct {
	ID           string            `yaml:"id" json:"id" validate:"omitempty,max=128,printascii"`
	AgentID      string            `yaml:"agent_id" json:"agent_id"`
	Version      string            `yaml:"version" json:"version"`
	Framework    string            `yaml:"framework" json:"framework"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities" validate:"dive,required"`
	Tags         map[string]string `yaml:"tags" json:"tags"`
}

// GossipConfig mirrors gossip.Config. A zero Seed samples targets from a
// random source; any other value makes target selection reproducible.
type GossipConfig struct {
	Interval            Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	Fanout              int      `yaml:"fanout" json:"fanout" validate:"min=1"`
	MaxEventsPerMessage int      `yaml:"max_events_per_message" json:"max_events_per_message" validate:"min=0"`
	PeerTimeout         Duration `yaml:"peer_timeout" json:"peer_timeout" validate:"gt=0"`
	RetryInterval       Duration `yaml:"retry_interval" json:"retry_interval" validate:"gt=0"`
	Seed                uint64   `yaml:"seed" json:"seed"`
}

// TransportConfig selects and tunes the transport and its listener.
type TransportConfig struct {
	Kind                 string   `yaml:"kind" json:"kind" validate:"oneof=http websocket memory"`
	Listen               string   `yaml:"listen" json:"listen"`
	Advertise            string   `yaml:"advertise" json:"advertise"`
	Timeout              Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxMessageSize       int      `yaml:"max_message_size" json:"max_message_size" validate:"min=1"`
	RetryCount           int      `yaml:"retry_count" json:"retry_count" validate:"min=0,max=10"`
	RetryDelay           Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
	Compression          string   `yaml:"compression" json:"compression" validate:"oneof=none zstd lz4"`
	CompressionThreshold int      `yaml:"compression_threshold" json:"compression_threshold" validate:"min=0"`
	InboundRate          float64  `yaml:"inbound_rate" json:"inbound_rate" validate:"min=0"`
	InboxSize            int      `yaml:"inbox_size" json:"inbox_size" validate:"min=1"`
}

// LifecycleConfig paces the coordinator's maintenance loop.
type LifecycleConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" validate:"gt=0"`
	SyncInterval      Duration `yaml:"sync_interval" json:"sync_interval" validate:"gt=0"`
	MaxOffline        Duration `yaml:"max_offline" json:"max_offline" validate:"gt=0"`
	CleanupInterval   Duration `yaml:"cleanup_interval" json:"cleanup_interval" validate:"gt=0"`
}

// StoreConfig locates the durable sink. An empty Path disables it.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// PeerConfig is a statically known peer.
type PeerConfig struct {
	ID      string `yaml:"id" json:"id" validate:"required"`
	Address string `yaml:"address" json:"address" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	g := gossip.DefaultConfig()
	return Config{
		Instance: InstanceConfig{
			Version: instance.DefaultVersion,
		},
		Gossip: GossipConfig{
			Interval:            Duration(g.Interval),
			Fanout:              g.Fanout,
			MaxEventsPerMessage: g.MaxEventsPerMessage,
			PeerTimeout:         Duration(g.PeerTimeout),
			RetryInterval:       Duration(g.RetryInterval),
		},
		Transport: TransportConfig{
			Kind:                 string(transport.KindHTTP),
			Listen:               DefaultListen,
			Timeout:              Duration(transport.DefaultTimeout),
			MaxMessageSize:       transport.DefaultMaxMessageSize,
			RetryCount:           transport.DefaultRetryCount,
			RetryDelay:           Duration(transport.DefaultRetryDelay),
			Compression:          codec.CompressionNone.String(),
			CompressionThreshold: codec.DefaultCompressionThreshold,
			InboxSize:            transport.DefaultInboxSize,
		},
		Lifecycle: LifecycleConfig{
			HeartbeatInterval: Duration(instance.DefaultHeartbeatInterval),
			SyncInterval:      Duration(instance.DefaultSyncInterval),
			MaxOffline:        Duration(instance.DefaultMaxOfflineDuration),
			CleanupInterval:   Duration(DefaultCleanupInterval),
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Only scalar strings are
// accepted; a bare integer is rejected rather than read as nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!int" || node.Tag == "!!float" {
		return fmt.Errorf("line %d: duration must be a string such as \"1s\"", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
