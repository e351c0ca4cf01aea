package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/testutil"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent creates an event with a fixed timestamp.
func createTestEvent(id, origin string, clock crdt.VectorClock) crdt.Event {
	return crdt.Event{
		ID:        id,
		Origin:    origin,
		Kind:      crdt.KindMemoryCreated,
		Timestamp: testutil.Epoch.Add(time.Duration(clock.Sum()) * time.Second),
		Payload:   json.RawMessage(`{"note":"` + id + `"}`),
		Clock:     clock,
	}
}

func eventIDs(events []crdt.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
