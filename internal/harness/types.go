package harness

import "github.com/Replicant-Partners/Chrysalis/internal/crdt"

// ReplicaSummary is the observable state of one replica after a step.
type ReplicaSummary struct {
	// Class labels digests within one step: the first distinct digest
	// seen in instance order is "A", the next "B", and so on. Replicas
	// share a class iff they have converged.
	Class  string           `json:"class"`
	Events int              `json:"events"`
	Clock  crdt.VectorClock `json:"clock"`
	Digest string           `json:"digest"`
}

// TraceStep records every replica after one step.
type TraceStep struct {
	Index    int                       `json:"index"`
	Action   string                    `json:"action"`
	Replicas map[string]ReplicaSummary `json:"replicas"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per step, in order.
	Trace []TraceStep `json:"trace"`

	// Errors lists failed assertions. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final holds each replica's log ids and live metrics after the last
	// step, keyed by instance id.
	Final map[string]FinalState `json:"final"`
}

// FinalState is the end state of one replica used by assertions.
type FinalState struct {
	Digest  string             `json:"digest"`
	IDs     []string           `json:"ids"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceStep{},
		Errors: []string{},
		Final:  make(map[string]FinalState),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
