package rules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func createTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store, *audit.Log) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := clock.NewManual(testTime)
	log := audit.New(s, audit.WithClock(c), audit.WithIDs(ids.NewSequential("aud")))
	opts = append([]Option{WithClock(c), WithIDs(ids.NewSequential("rule"))}, opts...)
	e, err := New(context.Background(), s, log, opts...)
	require.NoError(t, err)
	return e, s, log
}

func leafCond(field string, op model.CompareOp, value any) model.Condition {
	return model.Condition{Field: field, Op: op, Value: value}
}

func setField(field string, value any) model.Action {
	return model.Action{Type: model.ActionSetField, Field: field, Value: value}
}

func TestEvaluateOperators(t *testing.T) {
	ec := EvalContext{
		Record: model.Data{
			"total":  model.Number(50),
			"status": model.Enum("open"),
			"notes":  model.String("rush order"),
			"due":    model.Date(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)),
			"tags":   model.JSON(`["a","b"]`),
			"blank":  model.String(""),
			"limit":  model.Number(40),
		},
		Actor:     "alice",
		Timestamp: testTime,
		State:     "draft",
		Entity:    "ent-1",
		Event:     "updated",
	}

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"zero condition", model.Condition{}, true},
		{"eq number", leafCond("total", model.OpEq, 50), true},
		{"eq enum vs string", leafCond("status", model.OpEq, "open"), true},
		{"ne", leafCond("status", model.OpNe, "closed"), true},
		{"gt", leafCond("total", model.OpGt, 0), true},
		{"gt false", leafCond("total", model.OpGt, 50), false},
		{"gte", leafCond("total", model.OpGte, 50), true},
		{"lt", leafCond("total", model.OpLt, 100), true},
		{"lte", leafCond("total", model.OpLte, 49.9), false},
		{"mismatched kinds never order", leafCond("total", model.OpGt, "10"), false},
		{"date against string", leafCond("due", model.OpGt, "2024-06-15"), true},
		{"in", leafCond("status", model.OpIn, []any{"open", "held"}), true},
		{"in miss", leafCond("status", model.OpIn, []any{"closed"}), false},
		{"contains substring", leafCond("notes", model.OpContains, "rush"), true},
		{"contains json array", leafCond("tags", model.OpContains, "b"), true},
		{"exists", model.Condition{Field: "total", Op: model.OpExists}, true},
		{"exists missing", model.Condition{Field: "nope", Op: model.OpExists}, false},
		{"empty blank", model.Condition{Field: "blank", Op: model.OpEmpty}, true},
		{"empty missing", model.Condition{Field: "nope", Op: model.OpEmpty}, true},
		{"value field", model.Condition{Field: "total", Op: model.OpGt, ValueField: "limit"}, true},
		{"actor", leafCond("$actor", model.OpEq, "alice"), true},
		{"state", leafCond("$state", model.OpEq, "review"), false},
		{"timestamp", leafCond("$timestamp", model.OpLt, "2025-01-01T00:00:00Z"), true},
		{"entity and event", model.Condition{All: []model.Condition{
			leafCond("$entity", model.OpEq, "ent-1"),
			leafCond("$event", model.OpEq, "updated"),
		}}, true},
		{"all", model.Condition{All: []model.Condition{
			leafCond("total", model.OpGt, 10),
			leafCond("status", model.OpEq, "closed"),
		}}, false},
		{"any", model.Condition{Any: []model.Condition{
			leafCond("total", model.OpGt, 100),
			leafCond("status", model.OpEq, "open"),
		}}, true},
		{"not", model.Condition{Not: &model.Condition{Field: "total", Op: model.OpLt, Value: 10}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(model.Rule{ID: "r", Conditions: tt.cond, Actions: []model.Action{setField("x", 1)}}, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Matched)
			if tt.want {
				assert.Len(t, res.Actions, 1)
			} else {
				assert.Empty(t, res.Actions)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rule := model.Rule{ID: "r", Conditions: leafCond("total", model.OpGt, 0)}
	ec := EvalContext{Record: model.Data{"total": model.Number(3)}}
	first, err := Evaluate(rule, ec)
	require.NoError(t, err)
	for range 50 {
		again, err := Evaluate(rule, ec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateAllPriorityAndStop(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	mk := func(name string, priority int, scope string, actions ...model.Action) model.Rule {
		r, err := e.Create(ctx, "alice", model.Rule{
			Name:     name,
			Priority: priority,
			Enabled:  true,
			Scope:    model.Scope{Entity: scope},
			Actions:  actions,
		})
		require.NoError(t, err)
		return r
	}
	low := mk("low", 1, "order", setField("tier", "low"))
	high := mk("high", 10, "order", model.Action{Type: model.ActionEmitEvent, Event: "seen"})
	global := mk("global", 5, "", setField("flag", true))
	mk("other entity", 99, "invoice", setField("tier", "other"))

	ev, err := e.EvaluateAll("order", EvalContext{})
	require.NoError(t, err)
	require.Len(t, ev.Results, 3)
	assert.Equal(t, []string{low.ID, global.ID, high.ID},
		[]string{ev.Results[0].RuleID, ev.Results[1].RuleID, ev.Results[2].RuleID})
	assert.Len(t, ev.Actions, 3)
	assert.Empty(t, ev.StoppedBy)

	stopper := mk("stopper", 3, "order", setField("tier", "stopped"), model.Action{Type: model.ActionStop})
	ev, err = e.EvaluateAll("order", EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, stopper.ID, ev.StoppedBy)
	require.Len(t, ev.Results, 2, "evaluation ends at the first matched stop")
	assert.Equal(t, []string{low.ID, stopper.ID}, []string{ev.Results[0].RuleID, ev.Results[1].RuleID})
	assert.Equal(t, []model.Action{setField("tier", "low"), setField("tier", "stopped")}, ev.Actions)

	_, err = e.Disable(ctx, "alice", stopper.ID)
	require.NoError(t, err)
	ev, err = e.EvaluateAll("order", EvalContext{})
	require.NoError(t, err)
	assert.Len(t, ev.Results, 3)
}

func TestStopOnLowPriorityRuleSkipsHigher(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, "alice", model.Rule{
		Name: "first", Priority: 1, Enabled: true, Scope: model.Scope{Entity: "order"},
		Actions: []model.Action{setField("tier", "first"), {Type: model.ActionStop}},
	})
	require.NoError(t, err)
	_, err = e.Create(ctx, "alice", model.Rule{
		Name: "later", Priority: 10, Enabled: true, Scope: model.Scope{Entity: "order"},
		Actions: []model.Action{setField("tier", "later")},
	})
	require.NoError(t, err)

	ev, err := e.EvaluateAll("order", EvalContext{})
	require.NoError(t, err)
	require.Len(t, ev.Results, 1)
	assert.Equal(t, first.ID, ev.Results[0].RuleID)
	assert.Equal(t, first.ID, ev.StoppedBy)
}

func TestSnapshotLookupOnUnknownIndexPanics(t *testing.T) {
	e, _, _ := createTestEngine(t)
	snap := e.Snapshot()
	assert.PanicsWithValue(t, `rules: lookup on index "colour": invalid index 'colour'`, func() {
		snap.collect("colour", "red")
	})
	assert.NotPanics(t, func() { snap.ForScope("order") })
}

func TestPriorityTiesBreakByID(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := e.Create(ctx, "alice", model.Rule{Name: name, Enabled: true})
		require.NoError(t, err)
	}
	ev, err := e.EvaluateAll("", EvalContext{})
	require.NoError(t, err)
	require.Len(t, ev.Results, 3)
	assert.Equal(t, "rule-1", ev.Results[0].RuleID)
	assert.Equal(t, "rule-3", ev.Results[2].RuleID)
}

func TestCreateValidates(t *testing.T) {
	e, _, log := createTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rule model.Rule
	}{
		{"missing name", model.Rule{}},
		{"bad operator", model.Rule{Name: "x", Conditions: leafCond("a", "like", 1)}},
		{"mixed node", model.Rule{Name: "x", Conditions: model.Condition{Field: "a", Op: model.OpEq, All: []model.Condition{{}}}}},
		{"bad action", model.Rule{Name: "x", Actions: []model.Action{{Type: model.ActionSetField}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(ctx, "alice", tt.rule)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}

	page, err := log.Query(ctx, audit.Query{Filter: `action = "rule.create" AND outcome = "failure"`})
	require.NoError(t, err)
	assert.Len(t, page.Entries, len(tests))
}

func TestVersionedUpdate(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	v1, err := e.Create(ctx, "alice", model.Rule{Name: "hasTotal", Enabled: true, Conditions: leafCond("total", model.OpGt, 0)})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v1.Lineage)
	assert.Equal(t, 1, v1.Version)

	before := e.Snapshot()

	v2, err := e.Update(ctx, "bob", v1.ID, model.Rule{Name: "hasTotal", Enabled: true, Conditions: leafCond("total", model.OpGt, 10)})
	require.NoError(t, err)
	assert.Equal(t, v1.Lineage, v2.Lineage)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	_, err = e.Update(ctx, "bob", v1.ID, model.Rule{Name: "again"})
	assert.True(t, apperr.IsValidation(err), "retired versions are read-only")

	history, err := e.History(v2.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Retired)
	assert.Equal(t, v2.ID, history[0].SupersededBy)

	eff, err := e.Effective(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, eff.ID, "guards pinned to an old id follow the lineage")

	ec := EvalContext{Record: model.Data{"total": model.Number(5)}}
	ok, _, err := before.Guard(v1.ID, ec)
	require.NoError(t, err)
	assert.True(t, ok, "an older snapshot keeps the rule it saw")

	ok, _, err = e.Snapshot().Guard(v1.ID, ec)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, e.List(), 1)
	st := e.Status()
	assert.Equal(t, 1, st.Rules)
	assert.Equal(t, 1, st.Retired)
	assert.Equal(t, PolicyWarn, st.Policy)
}

type fakeRefs map[string][]string

func (f fakeRefs) TransitionsGuardedBy(_ context.Context, ids []string) ([]string, error) {
	out := []string{}
	for _, id := range ids {
		out = append(out, f[id]...)
	}
	return out, nil
}

func TestDeleteBlockedByGuardReference(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	r, err := e.Create(ctx, "alice", model.Rule{Name: "guard"})
	require.NoError(t, err)
	refs := fakeRefs{r.ID: {"wf-1/t-1"}}
	e.SetGuardReferences(refs)

	err = e.Delete(ctx, "alice", r.ID)
	require.Error(t, err)
	e2, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"wf-1/t-1"}, e2.Details["transitions"])

	delete(refs, r.ID)
	require.NoError(t, e.Delete(ctx, "alice", r.ID))
	_, err = e.Get(r.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestDetectConflicts(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	create := func(name string, cond model.Condition, value any) model.Rule {
		r, err := e.Create(ctx, "alice", model.Rule{
			Name:       name,
			Enabled:    true,
			Conditions: cond,
			Scope:      model.Scope{Entity: "order"},
			Actions:    []model.Action{setField("tier", value)},
		})
		require.NoError(t, err)
		return r
	}
	big := create("big", leafCond("total", model.OpGt, 100), "gold")
	create("small", leafCond("total", model.OpLt, 50), "bronze")
	mid := create("mid", model.Condition{All: []model.Condition{
		leafCond("total", model.OpGte, 80),
		leafCond("total", model.OpLte, 200),
	}}, "silver")
	create("same value", leafCond("total", model.OpGt, 150), "gold")

	conflicts := e.DetectConflicts()
	require.Len(t, conflicts, 2)
	assert.Equal(t, big.ID, conflicts[0].RuleA)
	assert.Equal(t, mid.ID, conflicts[0].RuleB)
	assert.Equal(t, "tier", conflicts[0].Field)
	assert.Equal(t, "gold", conflicts[0].ValueA)
	assert.Equal(t, "silver", conflicts[0].ValueB)
}

func TestSatisfiable(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Condition
		want bool
	}{
		{"disjoint ranges", leafCond("n", model.OpGt, 10), leafCond("n", model.OpLt, 5), false},
		{"touching exclusive", leafCond("n", model.OpGt, 5), leafCond("n", model.OpLte, 5), false},
		{"touching inclusive", leafCond("n", model.OpGte, 5), leafCond("n", model.OpLte, 5), true},
		{"eq vs ne", leafCond("s", model.OpEq, "a"), leafCond("s", model.OpNe, "a"), false},
		{"different eq", leafCond("s", model.OpEq, "a"), leafCond("s", model.OpEq, "b"), false},
		{"negation", leafCond("n", model.OpGt, 5), model.Condition{Not: &model.Condition{Field: "n", Op: model.OpGt, Value: 1}}, false},
		{"any branch", leafCond("n", model.OpGt, 5), model.Condition{Any: []model.Condition{
			leafCond("n", model.OpLt, 0),
			leafCond("n", model.OpGt, 100),
		}}, true},
		{"opaque leaves", leafCond("s", model.OpContains, "x"), leafCond("s", model.OpEq, "y"), true},
		{"different fields", leafCond("a", model.OpGt, 5), leafCond("b", model.OpLt, 5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jointlySatisfiable(tt.a, tt.b))
		})
	}
}

func TestConflictPolicyBlock(t *testing.T) {
	e, _, _ := createTestEngine(t, WithConflictPolicy(PolicyBlock))
	ctx := context.Background()

	_, err := e.Create(ctx, "alice", model.Rule{Name: "a", Enabled: true, Actions: []model.Action{setField("x", 1)}})
	require.NoError(t, err)
	b, err := e.Create(ctx, "alice", model.Rule{Name: "b", Actions: []model.Action{setField("x", 2)}})
	require.NoError(t, err, "disabled rules are never checked")

	_, err = e.Enable(ctx, "alice", b.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRuleConflict))

	got, err := e.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestConflictPolicyWarnAudits(t *testing.T) {
	e, _, log := createTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "alice", model.Rule{Name: "a", Enabled: true, Actions: []model.Action{setField("x", 1)}})
	require.NoError(t, err)
	_, err = e.Create(ctx, "alice", model.Rule{Name: "b", Enabled: true, Actions: []model.Action{setField("x", 2)}})
	require.NoError(t, err)

	page, err := log.Query(ctx, audit.Query{Filter: `action = "rule.conflict"`})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, model.SeverityWarning, page.Entries[0].Severity)
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWarn, p)
	p, err = ParseConflictPolicy(" Block ")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)
	_, err = ParseConflictPolicy("panic")
	assert.Error(t, err)
}

func TestTestAndSimulate(t *testing.T) {
	e, s, _ := createTestEngine(t)
	ctx := context.Background()

	r, err := e.Create(ctx, "alice", model.Rule{
		Name:       "flag big",
		Enabled:    true,
		Scope:      model.Scope{Entity: "order"},
		Conditions: leafCond("total", model.OpGt, 100),
		Actions: []model.Action{
			setField("big", true),
			{Type: model.ActionCallWebhook, URL: "https://example.test/hook"},
		},
	})
	require.NoError(t, err)

	sample := EvalContext{Record: model.Data{"total": model.Number(150)}}
	run, err := e.Test(ctx, r.ID, sample)
	require.NoError(t, err)
	assert.Equal(t, model.Bool(true), run.Data["big"])
	require.Len(t, run.Outbound, 1)
	require.Len(t, run.Changes, 1)
	assert.Equal(t, model.ChangeAdded, run.Changes[0].Op)
	_, touched := sample.Record["big"]
	assert.False(t, touched, "the sample is never modified")

	runs, err := e.Simulate(ctx, SimulateRequest{
		Entity: "order",
		Samples: []EvalContext{
			{Record: model.Data{"total": model.Number(150)}},
			{Record: model.Data{"total": model.Number(5)}},
		},
	})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Len(t, runs[0].Changes, 1)
	assert.Empty(t, runs[1].Changes)

	outbox, err := s.ListOutbound(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, outbox, "dry runs queue nothing")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Simulate(cancelled, SimulateRequest{RuleIDs: []string{r.ID}, Samples: []EvalContext{sample}})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Simulate(ctx, SimulateRequest{RuleIDs: []string{"missing"}})
	assert.True(t, apperr.IsNotFound(err))
}

func TestEvaluateScopes(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	for _, scope := range []string{"order", "invoice", "customer"} {
		_, err := e.Create(ctx, "alice", model.Rule{
			Name:       scope,
			Enabled:    true,
			Scope:      model.Scope{Entity: scope},
			Conditions: leafCond("$entity", model.OpEq, scope),
			Actions:    []model.Action{{Type: model.ActionEmitEvent, Event: scope + ".seen"}},
		})
		require.NoError(t, err)
	}

	out, err := e.EvaluateScopes(ctx, map[string]EvalContext{
		"order":    {Entity: "order"},
		"invoice":  {Entity: "invoice"},
		"customer": {Entity: "nobody"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "order.seen", out["order"].Actions[0].Event)
	assert.Equal(t, "invoice.seen", out["invoice"].Actions[0].Event)
	assert.Empty(t, out["customer"].Actions)
}

func TestReloadRestoresRules(t *testing.T) {
	e, s, log := createTestEngine(t)
	ctx := context.Background()

	v1, err := e.Create(ctx, "alice", model.Rule{Name: "r", Enabled: true})
	require.NoError(t, err)
	_, err = e.Update(ctx, "alice", v1.ID, model.Rule{Name: "r2", Enabled: true})
	require.NoError(t, err)
	gen := e.Status().Generation

	fresh, err := New(ctx, s, log)
	require.NoError(t, err)
	history, err := fresh.History(v1.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[1].Name)

	require.NoError(t, e.Reload(ctx))
	assert.Greater(t, e.Status().Generation, gen)
}

func TestCloneRule(t *testing.T) {
	e, _, _ := createTestEngine(t)
	ctx := context.Background()

	src, err := e.Create(ctx, "alice", model.Rule{Name: "src", Enabled: true, Priority: 3})
	require.NoError(t, err)
	clone, err := e.Clone(ctx, "bob", src.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "src (copy)", clone.Name)
	assert.False(t, clone.Enabled)
	assert.Equal(t, 3, clone.Priority)
	assert.Equal(t, clone.ID, clone.Lineage)
}
