package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/canonical"
	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/testutil"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// maxSettlePasses bounds the drain loop after each action. A mesh of a
// handful of nodes settles in two or three passes.
const maxSettlePasses = 20

// ErrNotSettled is returned when message exchange does not quiesce.
var ErrNotSettled = errors.New("cluster did not settle")

// Harness drives one scenario's nodes in lockstep.
//
// Nodes run with manual rounds over a private memory network. The clock
// only moves one gossip interval per round and event ids are per-instance
// sequences, so a scenario produces the same trace on every run.
type Harness struct {
	scenario *Scenario
	clock    *testutil.ManualClock
	network  *transport.MemoryNetwork
	nodes    map[string]*engine.Node
	order    []string
	cfg      engine.Config
}

// Run executes a scenario and returns the result. The returned error
// reports a harness failure (setup, timeout, a node stopping); failed
// assertions are reported in Result.Errors instead.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)

	h := &Harness{
		scenario: scenario,
		clock:    testutil.NewManualClock(time.Time{}),
		network:  transport.NewMemoryNetwork(),
		nodes:    make(map[string]*engine.Node, len(scenario.Instances)),
		order:    scenario.Instances,
		cfg: engine.Config{
			Gossip:      gossip.DefaultConfig(),
			SendTimeout: time.Second,
		},
	}
	defer func() {
		cancel()
		for _, n := range h.nodes {
			<-n.Done()
		}
	}()

	if err := h.start(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Describe(), err)
		}
		trace, err := h.observe(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Describe(), err)
		}
		result.Trace = append(result.Trace, trace)
		slog.Debug("scenario step completed",
			"scenario", scenario.Name,
			"step", i,
			"action", trace.Action)
	}

	for _, id := range h.order {
		s, err := h.nodes[id].Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		result.Final[id] = finalState(s)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.order) {
		result.AddError(msg)
	}
	return result, nil
}

// start launches one node per instance and meshes the peer tables.
func (h *Harness) start(ctx context.Context) error {
	for i, id := range h.order {
		tr, err := transport.NewMemoryTransport(h.network, id, transport.DefaultConfig())
		if err != nil {
			return fmt.Errorf("transport %s: %w", id, err)
		}
		state := crdt.NewReplicaState(id,
			crdt.WithClock(h.clock.Now),
			crdt.WithIDGenerator(crdt.NewSequenceGenerator(id)),
		)
		n := engine.NewNode(state, tr, h.cfg,
			engine.WithManualRounds(),
			engine.WithGossipOptions(
				gossip.WithNow(h.clock.Now),
				gossip.WithRand(testutil.NewRand(h.scenario.Seed+uint64(i))),
			),
		)
		go func() {
			defer tr.Close()
			if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("scenario node stopped", "instance_id", id, "error", err)
			}
		}()
		h.nodes[id] = n
	}

	for _, a := range h.order {
		for _, b := range h.order {
			if a == b {
				continue
			}
			if _, err := h.nodes[a].AddPeer(ctx, b, b); err != nil {
				return fmt.Errorf("add peer %s to %s: %w", b, a, err)
			}
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Record != nil:
		kind, err := crdt.ParseEventKind(step.Record.Kind)
		if err != nil {
			return err
		}
		var payload []byte
		if step.Record.Payload != nil {
			if payload, err = canonical.Marshal(step.Record.Payload); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		}
		_, err = h.nodes[step.Record.Instance].Record(ctx, kind, payload)
		return err

	case step.Metric != nil:
		_, err := h.nodes[step.Metric.Instance].UpdateMetric(ctx, step.Metric.Name, step.Metric.Value)
		return err

	case step.Rounds != nil:
		for range step.Rounds.Count {
			if err := h.round(ctx); err != nil {
				return err
			}
		}
		return nil

	case step.Partition != nil:
		h.network.Partition(step.Partition.Groups...)
		return nil

	case step.Heal != nil:
		h.network.Heal()
		return nil

	case step.FullSync != nil:
		to := h.nodes[step.FullSync.To]
		if err := to.RequestFullSync(ctx, step.FullSync.From); err != nil {
			return err
		}
		if err := to.Flush(ctx); err != nil {
			return err
		}
		return h.settle(ctx)
	}
	return errors.New("empty step")
}

// round advances the clock one interval, ticks and flushes every node in
// instance order, then settles.
func (h *Harness) round(ctx context.Context) error {
	h.clock.Advance(h.cfg.Gossip.Interval)
	for _, id := range h.order {
		if err := h.nodes[id].Tick(ctx); err != nil {
			return fmt.Errorf("tick %s: %w", id, err)
		}
		if err := h.nodes[id].Flush(ctx); err != nil {
			return fmt.Errorf("flush %s: %w", id, err)
		}
	}
	return h.settle(ctx)
}

// settle drains every node until a full pass handles nothing.
func (h *Harness) settle(ctx context.Context) error {
	for range maxSettlePasses {
		handled := 0
		for _, id := range h.order {
			n, err := h.nodes[id].Drain(ctx)
			if err != nil {
				return fmt.Errorf("drain %s: %w", id, err)
			}
			handled += n
		}
		if handled == 0 {
			return nil
		}
	}
	return ErrNotSettled
}

// observe snapshots every replica and assigns digest classes.
func (h *Harness) observe(ctx context.Context, index int, step Step) (TraceStep, error) {
	trace := TraceStep{
		Index:    index,
		Action:   step.Describe(),
		Replicas: make(map[string]ReplicaSummary, len(h.order)),
	}
	classes := make(map[string]string)
	for _, id := range h.order {
		s, err := h.nodes[id].Snapshot(ctx)
		if err != nil {
			return TraceStep{}, fmt.Errorf("snapshot %s: %w", id, err)
		}
		digest := s.Digest()
		class, ok := classes[digest]
		if !ok {
			class = classLabel(len(classes))
			classes[digest] = class
		}
		trace.Replicas[id] = ReplicaSummary{
			Class:  class,
			Events: s.Log().Len(),
			Clock:  s.Clock(),
			Digest: digest,
		}
	}
	return trace, nil
}

// classLabel returns "A".."Z", then "C26", "C27", ...
func classLabel(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprintf("C%d", i)
}

func finalState(s *crdt.ReplicaState) FinalState {
	fs := FinalState{
		Digest: s.Digest(),
		IDs:    s.Log().IDs(),
	}
	for _, name := range s.Metrics().Keys() {
		if fs.Metrics == nil {
			fs.Metrics = make(map[string]float64)
		}
		fs.Metrics[name], _ = s.Metrics().Get(name)
	}
	return fs
}
