package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle defaults.
const (
	DefaultVersion            = "1.0.0"
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultSyncInterval       = 5 * time.Second
	DefaultMaxOfflineDuration = 5 * time.Minute
)

var (
	// ErrUnknownInstance is returned for operations on an id that is not
	// registered.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrMissingID is returned when registering a config without an id.
	ErrMissingID = errors.New("instance id is required")
)

// Metadata describes an agent instance. It is static for the life of a
// registration.
type Metadata struct {
	Version      string            `json:"version"`
	AgentID      string            `json:"agent_id"`
	Framework    string            `json:"framework,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (m Metadata) clone() Metadata {
	m.Capabilities = slices.Clone(m.Capabilities)
	m.Tags = maps.Clone(m.Tags)
	return m
}

// Config is the static configuration of one instance.
type Config struct {
	InstanceID         string        `json:"instance_id"`
	Metadata           Metadata      `json:"metadata"`
	SyncEnabled        bool          `json:"sync_enabled"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	SyncInterval       time.Duration `json:"sync_interval"`
	MaxOfflineDuration time.Duration `json:"max_offline_duration"`
}

// DefaultConfig returns the lifecycle defaults for id. An empty id gets a
// random UUID.
func DefaultConfig(id string) Config {
	if id == "" {
		id = uuid.NewString()
	}
	return Config{
		InstanceID:         id,
		Metadata:           Metadata{Version: DefaultVersion},
		SyncEnabled:        true,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		SyncInterval:       DefaultSyncInterval,
		MaxOfflineDuration: DefaultMaxOfflineDuration,
	}
}

// Health is the mutable health snapshot of an instance.
type Health struct {
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastSync      time.Time `json:"last_sync,omitzero"`
	ErrorCount    int       `json:"error_count"`
	EventCount    int       `json:"event_count"`
}

// RegisteredInstance is one registry record.
type RegisteredInstance struct {
	Config    Config    `json:"config"`
	Status    Status    `json:"status"`
	Health    Health    `json:"health"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// ID returns the instance id.
func (r RegisteredInstance) ID() string {
	return r.Config.InstanceID
}

// IsStale reports whether the instance has been silent for longer than
// timeout.
func (r RegisteredInstance) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastSeen) > timeout
}

func (r *RegisteredInstance) clone() RegisteredInstance {
	out := *r
	out.Config.Metadata = r.Config.Metadata.clone()
	return out
}

// Stats summarises the registry.
type Stats struct {
	Total    int  `json:"total_instances"`
	Running  int  `json:"running_instances"`
	Syncing  int  `json:"syncing_instances"`
	Failed   int  `json:"failed_instances"`
	HasLocal bool `json:"has_local"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used for liveness. Defaults to time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry holds every known instance, local and remote.
//
// Thread-safety: All methods are safe for concurrent use via internal
// mutex. Returned records are copies.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*RegisteredInstance
	localID   string
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		instances: make(map[string]*RegisteredInstance),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a remote instance in the starting status, replacing any
// previous registration under the same id. Returns the id.
func (r *Registry) Register(cfg Config, address string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(cfg, address)
}

// RegisterLocal registers the instance this process runs.
func (r *Registry) RegisterLocal(cfg Config) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.register(cfg, "")
	if err != nil {
		return "", err
	}
	r.localID = id
	return id, nil
}

func (r *Registry) register(cfg Config, address string) (string, error) {
	if cfg.InstanceID == "" {
		return "", ErrMissingID
	}
	now := r.now()
	if _, ok := r.instances[cfg.InstanceID]; ok {
		slog.Debug("instance re-registered", "instance_id", cfg.InstanceID, "address", address)
	}
	cfg.Metadata = cfg.Metadata.clone()
	r.instances[cfg.InstanceID] = &RegisteredInstance{
		Config: cfg,
		Status: StatusStarting,
		Health: Health{
			Status:        StatusStarting,
			LastHeartbeat: now,
		},
		Address:   address,
		CreatedAt: now,
		LastSeen:  now,
	}
	return cfg.InstanceID, nil
}

// LocalID returns the id of the local instance, if one is registered.
func (r *Registry) LocalID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID, r.localID != ""
}

// lookup returns the record for id.
// CRITICAL: Caller must hold r.mu.
func (r *Registry) lookup(id string) (*RegisteredInstance, error) {
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return inst, nil
}

// Heartbeat refreshes the liveness of id.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	now := r.now()
	inst.LastSeen = now
	inst.Health.LastHeartbeat = now
	return nil
}

// UpdateStatus moves id to status. Returns the previous status. A
// transition outside the lifecycle table returns *TransitionError and
// leaves the record unchanged.
func (r *Registry) UpdateStatus(id string, status Status) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	prev := inst.Status
	if !CanTransition(prev, status) {
		return prev, &TransitionError{InstanceID: id, From: prev, To: status}
	}
	inst.Status = status
	inst.Health.Status = status
	if prev != status {
		slog.Info("instance status changed", "instance_id", id, "from", prev, "to", status)
	}
	return prev, nil
}

// RecordError increments the error count of id.
func (r *Registry) RecordError(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	inst.Health.ErrorCount++
	return nil
}

// RecordSync stamps a completed synchronisation and the event count it
// left behind.
func (r *Registry) RecordSync(id string, eventCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	inst.Health.LastSync = r.now()
	inst.Health.EventCount = eventCount
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (RegisteredInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return RegisteredInstance{}, false
	}
	return inst.clone(), true
}

// Unregister removes id and returns its last record. Unregistering the
// local instance clears LocalID.
func (r *Registry) Unregister(id string) (RegisteredInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return RegisteredInstance{}, false
	}
	delete(r.instances, id)
	if r.localID == id {
		r.localID = ""
	}
	return inst.clone(), true
}

// All returns every record sorted by id.
func (r *Registry) All() []RegisteredInstance {
	return r.filter(func(*RegisteredInstance) bool { return true })
}

// Running returns the running records sorted by id.
func (r *Registry) Running() []RegisteredInstance {
	return r.filter(func(inst *RegisteredInstance) bool {
		return inst.Status == StatusRunning
	})
}

// Remote returns every record except the local one, sorted by id.
func (r *Registry) Remote() []RegisteredInstance {
	return r.filter(func(inst *RegisteredInstance) bool {
		return inst.Config.InstanceID != r.localID
	})
}

func (r *Registry) filter(keep func(*RegisteredInstance) bool) []RegisteredInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(r.instances))
	out := make([]RegisteredInstance, 0, len(ids))
	for _, id := range ids {
		if inst := r.instances[id]; keep(inst) {
			out = append(out, inst.clone())
		}
	}
	return out
}

// CleanupStale removes every instance silent for longer than timeout,
// except the local one. Returns the removed ids sorted.
func (r *Registry) CleanupStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var evicted []string
	for _, id := range slices.Sorted(maps.Keys(r.instances)) {
		if id == r.localID {
			continue
		}
		if r.instances[id].IsStale(now, timeout) {
			delete(r.instances, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		slog.Info("evicted stale instances", "instances", evicted, "timeout", timeout)
	}
	return evicted
}

// Stats returns registry counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:    len(r.instances),
		HasLocal: r.localID != "",
	}
	for _, inst := range r.instances {
		switch inst.Status {
		case StatusRunning:
			s.Running++
		case StatusSyncing:
			s.Syncing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
