package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

func TestReadEvents_CanonicalOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Written out of order; read back by (clock sum, id).
	events := []crdt.Event{
		createTestEvent("b-0001", "b", crdt.VectorClock{"a": 1, "b": 1}),
		createTestEvent("a-0002", "a", crdt.VectorClock{"a": 2}),
		createTestEvent("a-0001", "a", crdt.VectorClock{"a": 1}),
		createTestEvent("c-0001", "c", crdt.VectorClock{"c": 1}),
	}
	require.NoError(t, s.WriteEvents(ctx, events))

	got, err := s.ReadEvents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0001", "c-0001", "a-0002", "b-0001"}, eventIDs(got))

	log := crdt.NewLog()
	for _, e := range events {
		log.Append(e)
	}
	assert.Equal(t, log.IDs(), eventIDs(got), "same order as the in-memory log")
}

func TestReadEvents_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	e := createTestEvent("a-0001", "a", crdt.VectorClock{"a": 1, "b": 3})

	require.NoError(t, s.WriteEvent(ctx, e))
	got, err := s.ReadEvents(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, e.Origin, got[0].Origin)
	assert.Equal(t, e.Kind, got[0].Kind)
	assert.True(t, e.Timestamp.Equal(got[0].Timestamp))
	assert.Equal(t, e.Clock, got[0].Clock)
	assert.JSONEq(t, string(e.Payload), string(got[0].Payload))
}

func TestReadEvents_NilPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	e := createTestEvent("a-0001", "a", crdt.VectorClock{"a": 1})
	e.Payload = nil

	require.NoError(t, s.WriteEvent(ctx, e))
	got, err := s.ReadEvents(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload)
}

func TestReadEvents_FilterByOrigin(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteEvents(ctx, []crdt.Event{
		createTestEvent("a-0001", "a", crdt.VectorClock{"a": 1}),
		createTestEvent("b-0001", "b", crdt.VectorClock{"b": 1}),
		createTestEvent("a-0002", "a", crdt.VectorClock{"a": 2, "b": 1}),
	}))

	got, err := s.ReadEvents(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0001", "a-0002"}, eventIDs(got))

	count, err := s.CountEvents(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	origins, err := s.Origins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, origins)
}

func TestReadEvents_EmptyStore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	events, err := s.ReadEvents(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	metrics, err := s.ReadMetrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, metrics)
}
