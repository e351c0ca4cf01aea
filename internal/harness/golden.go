package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/Replicant-Partners/Chrysalis/internal/canonical"
)

// MarshalTrace renders a trace as canonical JSON, one step per line.
// Digests are left out: the class labels already say which replicas
// agree, and the lines stay readable.
func MarshalTrace(trace []TraceStep) ([]byte, error) {
	var buf bytes.Buffer
	for _, step := range trace {
		replicas := make(map[string]any, len(step.Replicas))
		for id, r := range step.Replicas {
			clock := make(map[string]any, len(r.Clock))
			for k, v := range r.Clock {
				clock[k] = v
			}
			replicas[id] = map[string]any{
				"class":  r.Class,
				"events": r.Events,
				"clock":  clock,
			}
		}
		line, err := canonical.Marshal(map[string]any{
			"index":    step.Index,
			"action":   step.Action,
			"replicas": replicas,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)
	return nil
}
