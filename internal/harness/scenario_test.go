package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Files(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Name)
			assert.NotEmpty(t, s.Steps)
		})
	}
}

func TestParseScenario_Steps(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: steps
instances: [a, b]
steps:
  - record: {instance: a, kind: memory_created, payload: {n: 1}}
  - metric: {instance: b, name: load, value: 0.5}
  - rounds: {count: 2}
  - partition: {groups: [[a], [b]]}
  - heal: {}
  - full_sync: {from: a, to: b}
`))
	require.NoError(t, err)
	require.Len(t, s.Steps, 6)

	assert.Equal(t, "record a memory_created", s.Steps[0].Describe())
	assert.Equal(t, map[string]any{"n": 1}, s.Steps[0].Record.Payload)
	assert.Equal(t, "metric b load=0.5", s.Steps[1].Describe())
	assert.Equal(t, "rounds 2", s.Steps[2].Describe())
	assert.Equal(t, "partition [[a] [b]]", s.Steps[3].Describe())
	assert.Equal(t, "heal", s.Steps[4].Describe())
	assert.Equal(t, "full_sync a -> b", s.Steps[5].Describe())
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ninstances: [a]\nsteps: [{heal: {}}]\nassertion: []\n",
			wantErr: "field assertion not found",
		},
		{
			name:    "missing name",
			yaml:    "instances: [a]\nsteps: [{heal: {}}]\n",
			wantErr: "name is required",
		},
		{
			name:    "no instances",
			yaml:    "name: x\nsteps: [{heal: {}}]\n",
			wantErr: "instances list is required",
		},
		{
			name:    "duplicate instance",
			yaml:    "name: x\ninstances: [a, a]\nsteps: [{heal: {}}]\n",
			wantErr: `duplicate id "a"`,
		},
		{
			name:    "no steps",
			yaml:    "name: x\ninstances: [a]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ninstances: [a]\nsteps: [{heal: {}, rounds: {count: 1}}]\n",
			wantErr: "exactly one action is required, got 2",
		},
		{
			name:    "empty step",
			yaml:    "name: x\ninstances: [a]\nsteps: [{}]\n",
			wantErr: "exactly one action is required, got 0",
		},
		{
			name:    "unknown instance",
			yaml:    "name: x\ninstances: [a]\nsteps: [{record: {instance: z, kind: memory_created}}]\n",
			wantErr: `unknown instance "z"`,
		},
		{
			name:    "unknown kind",
			yaml:    "name: x\ninstances: [a]\nsteps: [{record: {instance: a, kind: dreamt}}]\n",
			wantErr: `unknown event kind "dreamt"`,
		},
		{
			name:    "zero rounds",
			yaml:    "name: x\ninstances: [a]\nsteps: [{rounds: {count: 0}}]\n",
			wantErr: "count must be positive",
		},
		{
			name:    "self sync",
			yaml:    "name: x\ninstances: [a]\nsteps: [{full_sync: {from: a, to: a}}]\n",
			wantErr: "from and to must differ",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ninstances: [a]\nsteps: [{heal: {}}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "metric assertion without name",
			yaml:    "name: x\ninstances: [a]\nsteps: [{heal: {}}]\nassertions: [{type: metric, instance: a}]\n",
			wantErr: "name is required for metric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
