package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	wf    *Engine
	recs  *records.Service
	rules *rules.Engine
	reg   *registry.Registry
	log   *audit.Log
	store *store.Store
	clock *clock.Manual
	order model.EntityDefinition
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := clock.NewManual(testTime)
	log := audit.New(s, audit.WithClock(c), audit.WithIDs(ids.NewSequential("aud")))
	reg := registry.New(s, log, registry.WithClock(c), registry.WithIDs(ids.NewSequential("ent")))
	recs := records.New(s, reg, log, records.WithClock(c), records.WithIDs(ids.NewSequential("rec")))
	t.Cleanup(recs.Events().Close)
	re, err := rules.New(ctx, s, log, rules.WithClock(c), rules.WithIDs(ids.NewSequential("rule")), rules.WithEntities(reg))
	require.NoError(t, err)

	opts = append([]Option{
		WithClock(c),
		WithIDs(ids.NewSequential("wf")),
		WithRunIDs(ids.NewSequential("run")),
		WithConflictRetry(3, time.Millisecond),
	}, opts...)
	f := &fixture{
		wf:    New(s, log, re, reg, recs, opts...),
		recs:  recs,
		rules: re,
		reg:   reg,
		log:   log,
		store: s,
		clock: c,
	}

	def, err := reg.DefineEntity(ctx, "admin", model.EntityDefinition{
		Name: "Order",
		Fields: []model.FieldDef{
			{Name: "total", Type: model.FieldNumber, Required: true},
			{Name: "note", Type: model.FieldString},
		},
	})
	require.NoError(t, err)
	f.order, err = reg.Publish(ctx, "admin", def.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) rule(t *testing.T, name string, cond model.Condition) model.Rule {
	t.Helper()
	r, err := f.rules.Create(context.Background(), "admin", model.Rule{
		Name:       name,
		Enabled:    true,
		Scope:      model.Scope{Entity: "Order"},
		Conditions: cond,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) createOrder(t *testing.T, total float64) model.Record {
	t.Helper()
	rec, err := f.recs.Create(context.Background(), "alice", "Order", map[string]any{"total": total})
	require.NoError(t, err)
	return rec
}

func (f *fixture) publish(t *testing.T, spec model.WorkflowDefinition) model.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	def, err := f.wf.Define(ctx, "admin", spec)
	require.NoError(t, err)
	def, err = f.wf.Publish(ctx, "admin", def.ID)
	require.NoError(t, err)
	return def
}

// approvalWorkflow is draft -> review (total > 0) -> approved (total >= 100).
func (f *fixture) approvalWorkflow(t *testing.T, tt model.TriggerType) model.WorkflowDefinition {
	t.Helper()
	hasTotal := f.rule(t, "hasTotal", model.Condition{Field: "total", Op: model.OpGt, Value: 0})
	large := f.rule(t, "large", model.Condition{Field: "total", Op: model.OpGte, Value: 100})
	return f.publish(t, model.WorkflowDefinition{
		Name:        "Order approval",
		BoundEntity: "Order",
		TriggerType: tt,
		States:      []model.State{{Name: "draft"}, {Name: "review"}, {Name: "approved"}},
		Transitions: []model.Transition{
			{ID: "submit", From: "draft", To: "review", GuardRuleID: hasTotal.ID},
			{ID: "approve", From: "review", To: "approved", GuardRuleID: large.ID, Actions: []model.Action{
				{Type: model.ActionSetField, Field: "note", Value: "approved"},
				{Type: model.ActionEmitEvent, Event: "order.approved"},
			}},
		},
	})
}

func outcomes(run model.WorkflowRun) []model.TransitionOutcome {
	out := make([]model.TransitionOutcome, len(run.History))
	for i, h := range run.History {
		out[i] = h.Outcome
	}
	return out
}

func TestApprovalScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerManual)
	rec := f.createOrder(t, 0)

	run, err := f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "draft", run.CurrentState, "guard is false while total is 0")
	assert.Equal(t, model.RunRunning, run.Status)

	rec, err = f.recs.Update(ctx, "alice", rec.ID, map[string]any{"total": 50}, rec.CurrentVersion)
	require.NoError(t, err)
	run, err = f.wf.Advance(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", run.CurrentState)

	run, err = f.wf.Advance(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", run.CurrentState, "50 is not large")

	_, err = f.recs.Update(ctx, "alice", rec.ID, map[string]any{"total": 150}, rec.CurrentVersion)
	require.NoError(t, err)
	run, err = f.wf.Advance(ctx, "bob", run.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", run.CurrentState)
	assert.Equal(t, model.RunCompleted, run.Status, "approved has no outgoing transition")

	rec, err = f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.String("approved"), rec.Data["note"])
	assert.Equal(t, int64(4), rec.CurrentVersion)

	msgs, err := f.store.ListOutbound(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboundEvent, msgs[0].Kind)
	assert.Equal(t, "order.approved", msgs[0].Topic)
	assert.Equal(t, run.ID, msgs[0].RunID)

	stored, err := f.wf.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.TransitionOutcome{model.OutcomeStarted, model.OutcomeTaken, model.OutcomeTaken}, outcomes(stored))
	assert.Equal(t, "bob", stored.History[2].ActorID)
	assert.Equal(t, 2, stored.History[2].AppliedActions)

	_, err = f.wf.Advance(ctx, "alice", run.ID)
	assert.True(t, apperr.IsValidation(err), "completed runs accept no transitions")
}

func TestTriggerReturnsActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerManual)
	rec := f.createOrder(t, 0)

	const n = 8
	runIDs := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
			assert.NoError(t, err)
			runIDs[i] = run.ID
		}()
	}
	wg.Wait()

	for _, id := range runIDs {
		assert.Equal(t, runIDs[0], id)
	}
	runs, err := f.wf.ListRuns(ctx, store.RunQuery{WorkflowID: "Order approval"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = f.wf.Cancel(ctx, "carol", runIDs[0])
	require.NoError(t, err)
	next, err := f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, runIDs[0], next.ID, "a cancelled run frees the pair")
}

func TestTriggerRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.createOrder(t, 0)

	draft, err := f.wf.Define(ctx, "admin", model.WorkflowDefinition{
		Name:        "Unpublished",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}, {Name: "b"}},
		Transitions: []model.Transition{{ID: "go", From: "a", To: "b"}},
	})
	require.NoError(t, err)
	_, err = f.wf.Trigger(ctx, "alice", draft.ID, rec.ID, nil, model.TriggerManual)
	assert.True(t, apperr.IsValidation(err))

	def, err := f.wf.Publish(ctx, "admin", draft.ID)
	require.NoError(t, err)
	_, err = f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerEvent)
	assert.True(t, apperr.IsValidation(err), "manual workflows are not event triggered")

	other, err := f.reg.DefineEntity(ctx, "admin", model.EntityDefinition{
		Name:   "Customer",
		Fields: []model.FieldDef{{Name: "name", Type: model.FieldString}},
	})
	require.NoError(t, err)
	_, err = f.reg.Publish(ctx, "admin", other.ID)
	require.NoError(t, err)
	cust, err := f.recs.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	_, err = f.wf.Trigger(ctx, "alice", def.ID, cust.ID, nil, model.TriggerManual)
	assert.True(t, apperr.IsValidation(err), "record must belong to the bound entity")

	_, err = f.wf.Trigger(ctx, "alice", def.ID, "missing", nil, model.TriggerManual)
	assert.True(t, apperr.IsNotFound(err))
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ambiguous, err := f.wf.Define(ctx, "admin", model.WorkflowDefinition{
		Name:        "Ambiguous",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		Transitions: []model.Transition{
			{ID: "ab", From: "a", To: "b"},
			{ID: "ac", From: "a", To: "c"},
		},
	})
	require.NoError(t, err, "drafts may be ambiguous")
	_, err = f.wf.Publish(ctx, "admin", ambiguous.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAmbiguousTransition))
	e, _ := apperr.As(err)
	assert.Equal(t, []string{"ab", "ac"}, e.Details["transitions"])

	cyclic, err := f.wf.Define(ctx, "admin", model.WorkflowDefinition{
		Name:        "Cyclic",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}, {Name: "b"}},
		Transitions: []model.Transition{
			{ID: "ab", From: "a", To: "b"},
			{ID: "ba", From: "b", To: "a"},
		},
	})
	require.NoError(t, err)
	_, err = f.wf.Publish(ctx, "admin", cyclic.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no initial state")

	guarded, err := f.wf.Define(ctx, "admin", model.WorkflowDefinition{
		Name:        "Guarded",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}, {Name: "b"}},
		Transitions: []model.Transition{{ID: "ab", From: "a", To: "b", GuardRuleID: "rule-404"}},
	})
	require.NoError(t, err)
	_, err = f.wf.Publish(ctx, "admin", guarded.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guard rule")

	_, err = f.wf.Define(ctx, "admin", model.WorkflowDefinition{
		Name:        "Broken",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}},
		Transitions: []model.Transition{{ID: "ax", From: "a", To: "x"}},
	})
	assert.True(t, apperr.IsValidation(err), "transitions must reference declared states")

	_, err = f.wf.Define(ctx, "admin", model.WorkflowDefinition{Name: "Ambiguous", BoundEntity: "Order"})
	assert.True(t, apperr.IsValidation(err), "names are unique")
}

func TestEditingPublishedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.publish(t, model.WorkflowDefinition{
		Name:        "Simple",
		BoundEntity: "Order",
		States:      []model.State{{Name: "a"}, {Name: "b"}},
		Transitions: []model.Transition{{ID: "ab", From: "a", To: "b"}},
	})
	assert.Equal(t, 2, def.Version)

	def, err := f.wf.AddState(ctx, "admin", def.ID, model.State{Name: "c"})
	require.NoError(t, err)
	assert.Len(t, def.States, 3)

	_, err = f.wf.AddTransition(ctx, "admin", def.ID, model.Transition{ID: "ac", From: "a", To: "c"})
	assert.True(t, apperr.Is(err, apperr.KindAmbiguousTransition), "published workflows stay valid")

	hasTotal := f.rule(t, "hasTotal", model.Condition{Field: "total", Op: model.OpGt, Value: 0})
	def, err = f.wf.AddTransition(ctx, "admin", def.ID, model.Transition{ID: "ac", From: "a", To: "c", GuardRuleID: hasTotal.ID})
	require.NoError(t, err)

	_, err = f.wf.DeleteState(ctx, "admin", def.ID, "c")
	assert.True(t, apperr.IsValidation(err), "state still used by ac")

	def, err = f.wf.DeleteTransition(ctx, "admin", def.ID, "ac")
	require.NoError(t, err)
	def, err = f.wf.DeleteState(ctx, "admin", def.ID, "c")
	require.NoError(t, err)
	assert.Len(t, def.States, 2)

	err = f.rules.Delete(ctx, "admin", hasTotal.ID)
	require.NoError(t, err, "no transition references the rule any more")
}

func TestGuardRuleCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerManual)
	submit, _ := def.Transition("submit")

	err := f.rules.Delete(ctx, "admin", submit.GuardRuleID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{def.ID + "/submit"}, e.Details["transitions"])
}

func TestFailedRunRetryResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.publish(t, model.WorkflowDefinition{
		Name:        "Process",
		BoundEntity: "Order",
		States:      []model.State{{Name: "draft"}, {Name: "done"}},
		Transitions: []model.Transition{{ID: "process", From: "draft", To: "done", Actions: []model.Action{
			{Type: model.ActionEmitEvent, Event: "order.processing"},
			{Type: model.ActionSetField, Field: "note", Value: "processed"},
			{Type: model.ActionCallWebhook, URL: "https://hooks.example.com/orders"},
		}}},
	})
	rec := f.createOrder(t, 10)
	_, err := f.recs.Lock(ctx, "bob", rec.ID)
	require.NoError(t, err)

	run, err := f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindWorkflowRunFailed))
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, "process", run.FailedTransitionID)
	assert.Equal(t, 1, run.LastAppliedAction)
	assert.Equal(t, "draft", run.CurrentState)

	msgs, err := f.store.ListOutbound(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = f.wf.Advance(ctx, "alice", run.ID)
	assert.True(t, apperr.IsValidation(err), "failed runs only move through retry")

	_, err = f.recs.Unlock(ctx, "bob", rec.ID, false)
	require.NoError(t, err)

	run, err = f.wf.Retry(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, "done", run.CurrentState)
	assert.Empty(t, run.FailedTransitionID)

	msgs, err = f.store.ListOutbound(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "the emitted event is not repeated")
	assert.Equal(t, model.OutboundWebhook, msgs[1].Kind)
	assert.Equal(t, "https://hooks.example.com/orders", msgs[1].Topic)

	rec, err = f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.String("processed"), rec.Data["note"])

	stored, err := f.wf.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.TransitionOutcome{
		model.OutcomeStarted, model.OutcomeFailed, model.OutcomeRetried, model.OutcomeTaken,
	}, outcomes(stored))
	assert.Equal(t, 1, stored.History[1].AppliedActions)
	assert.NotEmpty(t, stored.History[1].Error)

	_, err = f.wf.Retry(ctx, "alice", run.ID)
	assert.True(t, apperr.IsValidation(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerManual)
	rec := f.createOrder(t, 0)

	run, err := f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	require.NoError(t, err)

	run, err = f.wf.Cancel(ctx, "carol", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, run.Status)
	assert.Equal(t, "carol", run.CancelledBy)
	assert.Equal(t, model.OutcomeCancelled, run.History[len(run.History)-1].Outcome)

	_, err = f.wf.Cancel(ctx, "carol", run.ID)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.wf.Advance(ctx, "alice", run.ID)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.wf.Retry(ctx, "alice", run.ID)
	assert.True(t, apperr.IsValidation(err))

	page, err := f.log.ForRecord(ctx, rec.ID, 0, 100)
	require.NoError(t, err)
	var cancels []model.Outcome
	for _, e := range page.Entries {
		if e.Action == "workflow.run.cancel" {
			cancels = append(cancels, e.Outcome)
		}
	}
	assert.Equal(t, []model.Outcome{model.OutcomeSuccess, model.OutcomeFailure}, cancels,
		"the rejected cancel is audited too")
}

func TestEventTriggeredRunsDropStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerEvent)
	rec := f.createOrder(t, 0)

	f.wf.HandleEvent(ctx, model.Event{Seq: 10, Type: model.EventCreated, EntityID: rec.EntityID, RecordID: rec.ID})
	runs, err := f.wf.ListRuns(ctx, store.RunQuery{WorkflowID: def.ID, RecordID: rec.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "draft", runs[0].CurrentState)
	assert.Equal(t, int64(10), runs[0].LastEventSeq)
	started, err := f.wf.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, AutomationActor, started.History[0].ActorID)

	_, err = f.recs.Update(ctx, "alice", rec.ID, map[string]any{"total": 50}, rec.CurrentVersion)
	require.NoError(t, err)

	f.wf.HandleEvent(ctx, model.Event{Seq: 7, Type: model.EventUpdated, EntityID: rec.EntityID, RecordID: rec.ID})
	run, err := f.wf.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", run.CurrentState, "stale event dropped")

	f.wf.HandleEvent(ctx, model.Event{Seq: 11, Type: model.EventUpdated, EntityID: rec.EntityID, RecordID: rec.ID})
	run, err = f.wf.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "review", run.CurrentState)
	assert.Equal(t, int64(11), run.LastEventSeq)
}

func TestEventTriggeredRunsFollowRecordStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerEvent)
	f.wf.Attach(f.recs.Events())

	rec := f.createOrder(t, 0)
	require.NoError(t, f.recs.Events().Drain(ctx))

	run, ok, err := f.store.ActiveRun(ctx, def.ID, rec.ID)
	require.NoError(t, err)
	require.True(t, ok, "record creation starts a run")
	assert.Equal(t, "draft", run.CurrentState)

	rec, err = f.recs.Update(ctx, "alice", rec.ID, map[string]any{"total": 50}, rec.CurrentVersion)
	require.NoError(t, err)
	require.NoError(t, f.recs.Events().Drain(ctx))
	run, err = f.wf.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", run.CurrentState)

	_, err = f.recs.Update(ctx, "alice", rec.ID, map[string]any{"total": 500}, rec.CurrentVersion)
	require.NoError(t, err)
	require.NoError(t, f.recs.Events().Drain(ctx))
	run, err = f.wf.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)

	// The approve action's own write does not start another run.
	require.NoError(t, f.recs.Events().Drain(ctx))
	runs, err := f.wf.ListRuns(ctx, store.RunQuery{WorkflowID: def.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduleTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerSchedule)
	a := f.createOrder(t, 0)
	b := f.createOrder(t, 0)

	runA, err := f.wf.Trigger(ctx, "scheduler", def.ID, a.ID, nil, model.TriggerSchedule)
	require.NoError(t, err)
	_, err = f.wf.Trigger(ctx, "scheduler", def.ID, b.ID, nil, model.TriggerSchedule)
	require.NoError(t, err)

	_, err = f.recs.Update(ctx, "alice", a.ID, map[string]any{"total": 20}, a.CurrentVersion)
	require.NoError(t, err)

	report, err := f.wf.OnScheduleTick(ctx, "Order approval")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, []string{runA.ID}, report.Advanced)
	assert.Empty(t, report.Failed)
}

func TestAuditTamperHaltsAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.approvalWorkflow(t, model.TriggerManual)
	rec := f.createOrder(t, 0)

	_, err := f.store.DB().Exec(`UPDATE audit_entries SET payload = '{"forged":true}' WHERE seq = 1`)
	require.NoError(t, err)
	_, err = f.log.Verify(ctx)
	require.Error(t, err)

	_, err = f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	assert.True(t, apperr.Is(err, apperr.KindAuditTamper))
	_, err = f.wf.OnScheduleTick(ctx, def.ID)
	assert.True(t, apperr.Is(err, apperr.KindAuditTamper))

	_, err = f.log.Acknowledge(ctx, "root", "payload restored from backup")
	require.NoError(t, err)
	_, err = f.wf.Trigger(ctx, "alice", def.ID, rec.ID, nil, model.TriggerManual)
	assert.NoError(t, err)
}

func TestActionsStopWhenCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := model.Transition{ID: "t", Actions: []model.Action{
		{Type: model.ActionEmitEvent, Event: "one"},
		{Type: model.ActionEmitEvent, Event: "two"},
	}}
	applied, err := f.wf.runActions(ctx, "alice", model.WorkflowRun{ID: "run-x"}, tr, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, applied)

	msgs, err := f.store.ListOutbound(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type flakyRecords struct {
	Records
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRecords) Update(ctx context.Context, actorID, id string, patch map[string]any, expected int64) (model.Record, error) {
	r.mu.Lock()
	r.calls++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return model.Record{}, apperr.VersionConflict(id, expected, expected+1)
	}
	return r.Records.Update(ctx, actorID, id, patch, expected)
}

func TestSetFieldRetriesVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.createOrder(t, 10)

	flaky := &flakyRecords{Records: f.recs, failures: 2}
	wf := New(f.store, f.log, f.rules, f.reg, flaky,
		WithClock(f.clock), WithRunIDs(ids.NewSequential("flaky")), WithConflictRetry(3, time.Millisecond))
	run := model.WorkflowRun{ID: "run-x", RecordID: rec.ID}
	tr := model.Transition{ID: "t", Actions: []model.Action{{Type: model.ActionSetField, Field: "note", Value: "ok"}}}

	applied, err := wf.runActions(ctx, "alice", run, tr, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 3, flaky.calls)

	flaky.failures = 10
	applied, err = wf.runActions(ctx, "alice", run, tr, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsVersionConflict(err), "conflicts surface once retries run out")
	assert.Equal(t, 0, applied)
}
