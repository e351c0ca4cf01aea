package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// Scenario is a scripted multi-replica run.
//
// Every listed instance starts a node on one in-memory network and knows
// every other instance as a peer. Steps run in order; assertions are
// evaluated against the final replicas.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Instances lists the replica ids. Each id is also the node address.
	Instances []string `yaml:"instances"`

	// Seed makes peer sampling reproducible. Node i uses Seed+i.
	Seed uint64 `yaml:"seed"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Record    *RecordStep    `yaml:"record,omitempty"`
	Metric    *MetricStep    `yaml:"metric,omitempty"`
	Rounds    *RoundsStep    `yaml:"rounds,omitempty"`
	Partition *PartitionStep `yaml:"partition,omitempty"`
	Heal      *HealStep      `yaml:"heal,omitempty"`
	FullSync  *FullSyncStep  `yaml:"full_sync,omitempty"`
}

// RecordStep records one event on an instance.
type RecordStep struct {
	Instance string `yaml:"instance"`
	Kind     string `yaml:"kind"`

	// Payload is rendered as canonical JSON. Nil records no payload.
	Payload map[string]any `yaml:"payload,omitempty"`
}

// MetricStep writes a metric on an instance.
type MetricStep struct {
	Instance string  `yaml:"instance"`
	Name     string  `yaml:"name"`
	Value    float64 `yaml:"value"`
}

// RoundsStep advances the clock by one gossip interval and ticks every
// node, Count times. Each round settles before the next starts.
type RoundsStep struct {
	Count int `yaml:"count"`
}

// PartitionStep splits the network. Instances in different groups cannot
// reach each other; instances in no group form one more group together.
type PartitionStep struct {
	Groups [][]string `yaml:"groups"`
}

// HealStep removes every partition.
type HealStep struct{}

// FullSyncStep makes To pull the complete state of From.
type FullSyncStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Assertion checks the final replicas.
type Assertion struct {
	// Type is one of converged, event_count, same_order, metric.
	Type string `yaml:"type"`

	// Instances narrows converged and same_order. Empty means all.
	Instances []string `yaml:"instances,omitempty"`

	// Instance is the replica checked by event_count and metric.
	Instance string `yaml:"instance,omitempty"`

	// Count is the expected log length (event_count).
	Count int `yaml:"count,omitempty"`

	// Name and Value are the expected live metric (metric).
	Name  string  `yaml:"name,omitempty"`
	Value float64 `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged  = "converged"
	AssertEventCount = "event_count"
	AssertSameOrder  = "same_order"
	AssertMetric     = "metric"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so typos
// like "assertion:" fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and instance references.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Instances) == 0 {
		return fmt.Errorf("instances list is required and must be non-empty")
	}
	known := make(map[string]bool, len(s.Instances))
	for i, id := range s.Instances {
		if id == "" {
			return fmt.Errorf("instances[%d]: id is required", i)
		}
		if known[id] {
			return fmt.Errorf("instances[%d]: duplicate id %q", i, id)
		}
		known[id] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	ref := func(where, id string) error {
		if !known[id] {
			return fmt.Errorf("%s: unknown instance %q", where, id)
		}
		return nil
	}

	for i, step := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if n := step.count(); n != 1 {
			return fmt.Errorf("%s: exactly one action is required, got %d", where, n)
		}
		switch {
		case step.Record != nil:
			if err := ref(where+".record", step.Record.Instance); err != nil {
				return err
			}
			if _, err := crdt.ParseEventKind(step.Record.Kind); err != nil {
				return fmt.Errorf("%s.record: %w", where, err)
			}
		case step.Metric != nil:
			if err := ref(where+".metric", step.Metric.Instance); err != nil {
				return err
			}
			if step.Metric.Name == "" {
				return fmt.Errorf("%s.metric: name is required", where)
			}
		case step.Rounds != nil:
			if step.Rounds.Count < 1 {
				return fmt.Errorf("%s.rounds: count must be positive", where)
			}
		case step.Partition != nil:
			if len(step.Partition.Groups) == 0 {
				return fmt.Errorf("%s.partition: groups are required", where)
			}
			for _, group := range step.Partition.Groups {
				for _, id := range group {
					if err := ref(where+".partition", id); err != nil {
						return err
					}
				}
			}
		case step.FullSync != nil:
			if err := ref(where+".full_sync.from", step.FullSync.From); err != nil {
				return err
			}
			if err := ref(where+".full_sync.to", step.FullSync.To); err != nil {
				return err
			}
			if step.FullSync.From == step.FullSync.To {
				return fmt.Errorf("%s.full_sync: from and to must differ", where)
			}
		}
	}

	for i, a := range s.Assertions {
		where := fmt.Sprintf("assertions[%d]", i)
		for _, id := range a.Instances {
			if err := ref(where, id); err != nil {
				return err
			}
		}
		switch a.Type {
		case AssertConverged, AssertSameOrder:
		case AssertEventCount:
			if err := ref(where, a.Instance); err != nil {
				return err
			}
			if a.Count < 0 {
				return fmt.Errorf("%s: count must be non-negative for event_count", where)
			}
		case AssertMetric:
			if err := ref(where, a.Instance); err != nil {
				return err
			}
			if a.Name == "" {
				return fmt.Errorf("%s: name is required for metric", where)
			}
		case "":
			return fmt.Errorf("%s: type is required", where)
		default:
			return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
		}
	}
	return nil
}

func (s Step) count() int {
	n := 0
	for _, set := range []bool{
		s.Record != nil,
		s.Metric != nil,
		s.Rounds != nil,
		s.Partition != nil,
		s.Heal != nil,
		s.FullSync != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Describe renders the step for traces and logs.
func (s Step) Describe() string {
	switch {
	case s.Record != nil:
		return fmt.Sprintf("record %s %s", s.Record.Instance, s.Record.Kind)
	case s.Metric != nil:
		return fmt.Sprintf("metric %s %s=%g", s.Metric.Instance, s.Metric.Name, s.Metric.Value)
	case s.Rounds != nil:
		return fmt.Sprintf("rounds %d", s.Rounds.Count)
	case s.Partition != nil:
		return fmt.Sprintf("partition %v", s.Partition.Groups)
	case s.Heal != nil:
		return "heal"
	case s.FullSync != nil:
		return fmt.Sprintf("full_sync %s -> %s", s.FullSync.From, s.FullSync.To)
	default:
		return "empty"
	}
}
