package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// Restore rebuilds the replica owned by instanceID from stored rows: every
// event, then every metrics and metadata entry. opts are passed to
// crdt.NewReplicaState.
//
// The id generator given in opts must not reissue stored ids; a reused
// id is deduplicated away. UUIDGenerator never does.
func (s *Store) Restore(ctx context.Context, instanceID string, opts ...crdt.StateOption) (*crdt.ReplicaState, error) {
	events, err := s.ReadEvents(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	metrics, err := s.ReadMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	metadata, err := s.ReadMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	state := crdt.NewReplicaState(instanceID, opts...)
	state.ApplyDelta(crdt.Delta{
		Events:   events,
		Metrics:  metrics,
		Metadata: metadata,
	})

	slog.Info("replica restored",
		"instance_id", instanceID,
		"events", len(events),
		"metrics", len(metrics),
		"metadata", len(metadata),
		"clock", state.Clock().String())
	return state, nil
}
