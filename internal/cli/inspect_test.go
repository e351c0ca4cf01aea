package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/store"
	"github.com/Replicant-Partners/Chrysalis/internal/testutil"
)

// seedStore persists a two-origin replica and returns it with the db path.
func seedStore(t *testing.T) (*crdt.ReplicaState, string) {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewManualClock(time.Time{})

	remote := crdt.NewReplicaState("b",
		crdt.WithClock(clock.Now),
		crdt.WithIDGenerator(crdt.NewSequenceGenerator("b")),
	)
	remote.RecordEvent(crdt.KindPatternDiscovered, json.RawMessage(`{"pattern":"retry"}`))

	state := crdt.NewReplicaState("a",
		crdt.WithClock(clock.Now),
		crdt.WithIDGenerator(crdt.NewSequenceGenerator("a")),
	)
	state.ApplyDelta(remote.DeltaSince(nil, 0))
	clock.Advance(time.Second)
	state.RecordEvent(crdt.KindSkillLearned, json.RawMessage(`{"skill":"go"}`))
	state.UpdateMetric("accuracy", 0.75)
	state.SetMetadata("role", json.RawMessage(`"planner"`))
	state.SetMetadata("tmp", json.RawMessage(`1`))
	state.RemoveMetadata("tmp")

	path := filepath.Join(t.TempDir(), "node.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.WriteEvents(ctx, state.Log().Events()))
	require.NoError(t, st.WriteMetrics(ctx, state.Metrics().Entries()))
	require.NoError(t, st.WriteMetadata(ctx, state.Metadata().Entries()))
	require.NoError(t, st.Close())
	return state, path
}

func executeInspect(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInspect_JSON(t *testing.T) {
	state, path := seedStore(t)

	out, err := executeInspect(t, "json", "--db", path)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	r := resp.Data
	assert.Equal(t, []string{"a", "b"}, r.Origins)
	assert.Equal(t, state.Digest(), r.Digest)
	assert.Equal(t, state.Clock().String(), r.Clock)

	require.Len(t, r.Events, 2)
	assert.Equal(t, "b-0001", r.Events[0].ID)
	assert.Equal(t, "a-0001", r.Events[1].ID)
	assert.Equal(t, "skill_learned", r.Events[1].Kind)
	assert.Equal(t, map[string]uint64{"a": 1, "b": 1}, r.Events[1].Clock)
	assert.JSONEq(t, `{"skill":"go"}`, string(r.Events[1].Payload))

	require.Len(t, r.Metrics, 1)
	assert.Equal(t, "accuracy", r.Metrics[0].Key)
	assert.Equal(t, 0.75, r.Metrics[0].Value)
	assert.Equal(t, "a", r.Metrics[0].Writer)

	require.Len(t, r.Metadata, 2)
	assert.Equal(t, "role", r.Metadata[0].Key)
	assert.Equal(t, "planner", r.Metadata[0].Value)
	assert.Equal(t, "tmp", r.Metadata[1].Key)
	assert.True(t, r.Metadata[1].Deleted)
	assert.Nil(t, r.Metadata[1].Value)
}

func TestInspect_InstanceFilter(t *testing.T) {
	state, path := seedStore(t)

	out, err := executeInspect(t, "json", "--db", path, "--instance", "b")
	require.NoError(t, err)

	var resp struct {
		Data InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Events, 1)
	assert.Equal(t, "b", resp.Data.Events[0].Origin)
	// The digest always covers the whole store.
	assert.Equal(t, state.Digest(), resp.Data.Digest)
}

func TestInspect_Text(t *testing.T) {
	state, path := seedStore(t)

	out, err := executeInspect(t, "text", "--db", path)
	require.NoError(t, err)

	assert.Contains(t, out, "Origins: a, b")
	assert.Contains(t, out, "Digest:  "+state.Digest())
	assert.Contains(t, out, "Events (2):")
	assert.Contains(t, out, `{"skill":"go"}`)
	assert.Contains(t, out, "Metrics (1):")
	assert.Contains(t, out, "accuracy = 0.75  (a)")
	assert.Contains(t, out, `role = "planner"  (a)`)
	assert.Contains(t, out, "tmp  (deleted by a)")
}

func TestInspect_MissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")

	out, err := executeInspect(t, "text", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]: database not found")
	assert.NoFileExists(t, path)
}

func TestInspect_RequiresDB(t *testing.T) {
	_, err := executeInspect(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
