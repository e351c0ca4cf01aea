package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResult() *Result {
	r := NewResult()
	r.Final["a"] = FinalState{Digest: "d1", IDs: []string{"a-0001", "b-0001"}, Metrics: map[string]float64{"load": 0.5}}
	r.Final["b"] = FinalState{Digest: "d1", IDs: []string{"a-0001", "b-0001"}, Metrics: map[string]float64{"load": 0.5}}
	r.Final["c"] = FinalState{Digest: "d2", IDs: []string{"a-0001"}}
	return r
}

func TestEvaluateAssertions(t *testing.T) {
	order := []string{"a", "b", "c"}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{name: "converged subset", assertion: Assertion{Type: AssertConverged, Instances: []string{"a", "b"}}},
		{name: "converged all", assertion: Assertion{Type: AssertConverged}, wantErr: "2 digests: [a b] [c]"},
		{name: "same order subset", assertion: Assertion{Type: AssertSameOrder, Instances: []string{"b", "a"}}},
		{name: "same order all", assertion: Assertion{Type: AssertSameOrder}, wantErr: "c order [a-0001]"},
		{name: "event count", assertion: Assertion{Type: AssertEventCount, Instance: "c", Count: 1}},
		{name: "event count wrong", assertion: Assertion{Type: AssertEventCount, Instance: "a", Count: 3}, wantErr: "got 2 events"},
		{name: "metric", assertion: Assertion{Type: AssertMetric, Instance: "b", Name: "load", Value: 0.5}},
		{name: "metric wrong", assertion: Assertion{Type: AssertMetric, Instance: "a", Name: "load", Value: 1}, wantErr: "got 0.5"},
		{name: "metric missing", assertion: Assertion{Type: AssertMetric, Instance: "c", Name: "load", Value: 0.5}, wantErr: "no live value"},
		{name: "unknown", assertion: Assertion{Type: "vibes"}, wantErr: `unknown assertion type "vibes"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := EvaluateAssertions(testResult(), []Assertion{tt.assertion}, order)
			if tt.wantErr == "" {
				assert.Empty(t, failures)
				return
			}
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], tt.wantErr)
		})
	}
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
