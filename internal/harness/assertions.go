package harness

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/roach88/recordflow/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s by %s (%s)\n", event.Seq, event.Action, event.Actor, event.Outcome)
		}
	}
	return buf.String()
}

// AssertionContext gives state assertions access to the scenario's
// components.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertRecordState:
		return assertRecordState(actx, a)
	case AssertRunState:
		return assertRunState(actx, a)
	case AssertChainValid:
		return assertChainValid(actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matchesEvent(e TraceEvent, a Assertion) bool {
	if e.Action != a.Action {
		return false
	}
	if a.Actor != "" && e.Actor != a.Actor {
		return false
	}
	return a.Outcome == "" || string(e.Outcome) == a.Outcome
}

// assertTraceContains checks that some entry matches the action and the
// optional actor and outcome.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if matchesEvent(e, a) {
			return nil
		}
	}
	expected := a.Action
	if a.Actor != "" {
		expected += " by " + a.Actor
	}
	if a.Outcome != "" {
		expected += " (" + a.Outcome + ")"
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "no matching entry",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the actions occur in order. Other entries
// may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range trace {
		if next < len(a.Actions) && e.Action == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Actions, " -> "),
		Actual:   fmt.Sprintf("%q not found after %s", a.Actions[next], strings.Join(a.Actions[:next], " -> ")),
		Trace:    trace,
	}
}

// assertTraceCount checks the exact number of entries with the action,
// restricted by actor and outcome when given.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, e := range trace {
		if matchesEvent(e, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s", a.Count, a.Action),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

// assertRecordState compares the record's fields and metadata against the
// expected subset.
func assertRecordState(actx *AssertionContext, a Assertion) error {
	h := actx.Harness
	id := h.resolve(a.Record)
	rec, err := h.records.Get(actx.Ctx, id)
	if err != nil {
		return fmt.Errorf("record %s: %w", a.Record, err)
	}

	actual := rec.Data.Native()
	actual["version"] = rec.CurrentVersion
	actual["deleted"] = rec.Deleted
	actual["locked_by"] = rec.LockedBy

	for _, key := range slices.Sorted(maps.Keys(a.Expect)) {
		want := a.Expect[key]
		got, ok := actual[key]
		if !ok && want == nil {
			continue
		}
		if !ok || !valuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertRecordState,
				Expected: fmt.Sprintf("%s.%s = %v", a.Record, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

// assertRunState compares the run's state, status and history length.
func assertRunState(actx *AssertionContext, a Assertion) error {
	h := actx.Harness
	run, err := h.workflows.GetRun(actx.Ctx, h.resolve(a.Run))
	if err != nil {
		return fmt.Errorf("run %s: %w", a.Run, err)
	}
	actual := map[string]any{
		"state":   run.CurrentState,
		"status":  string(run.Status),
		"history": len(run.History),
	}
	for _, key := range slices.Sorted(maps.Keys(a.Expect)) {
		if want, got := a.Expect[key], actual[key]; !valuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertRunState,
				Expected: fmt.Sprintf("%s.%s = %v", a.Run, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func assertChainValid(actx *AssertionContext) error {
	if _, err := actx.Harness.audit.Verify(actx.Ctx); err != nil {
		return &AssertionError{
			Type:     AssertChainValid,
			Expected: "intact audit chain",
			Actual:   err.Error(),
		}
	}
	return nil
}

// valuesEqual compares a YAML-decoded value with a stored one. Numbers are
// compared by value regardless of their Go type; times by instant.
func valuesEqual(want, got any) bool {
	return reflect.DeepEqual(normalize(want), normalize(got))
}

func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case model.Value:
		return normalize(x.Native())
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}
