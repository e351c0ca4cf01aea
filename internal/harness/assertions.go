package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the final replicas and
// returns one message per failure. order lists all instance ids.
func EvaluateAssertions(result *Result, assertions []Assertion, order []string) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a, order); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion, order []string) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(result, scope(a, order))
	case AssertSameOrder:
		return assertSameOrder(result, scope(a, order))
	case AssertEventCount:
		return assertEventCount(result, a)
	case AssertMetric:
		return assertMetric(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func scope(a Assertion, order []string) []string {
	if len(a.Instances) > 0 {
		return a.Instances
	}
	return order
}

// assertConverged checks that every replica in ids has the same digest.
func assertConverged(result *Result, ids []string) error {
	groups := make(map[string][]string)
	var digests []string
	for _, id := range ids {
		d := result.Final[id].Digest
		if _, ok := groups[d]; !ok {
			digests = append(digests, d)
		}
		groups[d] = append(groups[d], id)
	}
	if len(groups) <= 1 {
		return nil
	}
	parts := make([]string, len(digests))
	for i, d := range digests {
		parts[i] = "[" + strings.Join(groups[d], " ") + "]"
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: "one digest across " + strings.Join(ids, ", "),
		Actual:   fmt.Sprintf("%d digests: %s", len(digests), strings.Join(parts, " ")),
	}
}

// assertSameOrder checks that every replica in ids lists the same event
// ids in the same order.
func assertSameOrder(result *Result, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := result.Final[ids[0]].IDs
	for _, id := range ids[1:] {
		got := result.Final[id].IDs
		if !slices.Equal(want, got) {
			return &AssertionError{
				Type:     AssertSameOrder,
				Expected: fmt.Sprintf("%s order %v", ids[0], want),
				Actual:   fmt.Sprintf("%s order %v", id, got),
			}
		}
	}
	return nil
}

func assertEventCount(result *Result, a Assertion) error {
	got := len(result.Final[a.Instance].IDs)
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%s holds %d events", a.Instance, a.Count),
		Actual:   fmt.Sprintf("%d events", got),
	}
}

func assertMetric(result *Result, a Assertion) error {
	got, ok := result.Final[a.Instance].Metrics[a.Name]
	if ok && got == a.Value {
		return nil
	}
	actual := "no live value"
	if ok {
		actual = fmt.Sprintf("%g", got)
	}
	return &AssertionError{
		Type:     AssertMetric,
		Expected: fmt.Sprintf("%s %s=%g", a.Instance, a.Name, a.Value),
		Actual:   actual,
	}
}
