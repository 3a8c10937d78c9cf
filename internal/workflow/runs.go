package workflow

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
)

// GetRun returns a run with its history.
func (e *Engine) GetRun(ctx context.Context, id string) (model.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.WorkflowRun{}, apperr.NotFound("run", id)
	}
	return run, err
}

// ListRuns returns runs without history, oldest first.
func (e *Engine) ListRuns(ctx context.Context, q store.RunQuery) ([]model.WorkflowRun, error) {
	if q.WorkflowID != "" {
		def, err := e.Resolve(ctx, q.WorkflowID)
		if err != nil {
			return nil, err
		}
		q.WorkflowID = def.ID
	}
	return e.store.ListRuns(ctx, q)
}

// History returns a run's transition log.
func (e *Engine) History(ctx context.Context, runID string) ([]model.TransitionLog, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.RunHistory(ctx, runID)
}

// Trigger starts a run of a published workflow for a record. When the pair
// already has a running run, that run is returned untouched. Otherwise the
// run starts in the initial state and one advance is attempted.
//
// A manual trigger starts any workflow; event and schedule triggers only
// start workflows declared with that trigger type.
func (e *Engine) Trigger(ctx context.Context, actorID, workflowRef, recordID string, payload map[string]any, tt model.TriggerType) (model.WorkflowRun, error) {
	return e.trigger(ctx, actorID, workflowRef, recordID, payload, tt, 0)
}

func (e *Engine) trigger(ctx context.Context, actorID, workflowRef, recordID string, payload map[string]any, tt model.TriggerType, eventSeq int64) (run model.WorkflowRun, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.Trigger", trace.WithAttributes(
		attribute.String("workflow.ref", workflowRef),
		attribute.String("record.id", recordID),
		attribute.String("trigger.type", string(tt)),
	))
	defer func() { endSpan(span, err) }()

	if err := e.audit.Healthy(); err != nil {
		return model.WorkflowRun{}, err
	}
	def, err := e.Resolve(ctx, workflowRef)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if !def.Published {
		return model.WorkflowRun{}, apperr.Validation("workflow %q is not published", def.Name)
	}
	if tt == "" {
		tt = model.TriggerManual
	}
	if tt != model.TriggerManual && tt != def.TriggerType {
		return model.WorkflowRun{}, apperr.Validation("workflow %q is triggered by %s, not %s", def.Name, def.TriggerType, tt)
	}
	rec, err := e.records.Get(ctx, recordID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if rec.EntityID != def.BoundEntity {
		return model.WorkflowRun{}, apperr.Validation("record %q is not a %s record", recordID, def.BoundEntity).
			With("record_entity", rec.EntityID).
			With("bound_entity", def.BoundEntity)
	}
	if rec.Deleted {
		return model.WorkflowRun{}, apperr.Validation("record %q is deleted", recordID)
	}

	unlock := e.locks.Lock("trigger:" + def.ID + "|" + recordID)
	defer unlock()

	if active, ok, err := e.store.ActiveRun(ctx, def.ID, recordID); err != nil || ok {
		return active, err
	}

	initial, _ := def.InitialState()
	now := e.clock.Now().UTC()
	run = model.WorkflowRun{
		ID:              e.runIDs.New(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		RecordID:        recordID,
		EntityID:        rec.EntityID,
		CurrentState:    initial,
		Status:          model.RunRunning,
		TriggerType:     tt,
		TriggerPayload:  payload,
		LastEventSeq:    eventSeq,
		History: []model.TransitionLog{{
			Seq:     1,
			To:      initial,
			Outcome: model.OutcomeStarted,
			ActorID: actorID,
			At:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			active, _, aerr := e.store.ActiveRun(ctx, def.ID, recordID)
			return active, aerr
		}
		return model.WorkflowRun{}, err
	}
	e.auditRun(ctx, actorID, "workflow.run.start", run, map[string]any{
		"trigger_type": string(tt),
		"state":        initial,
	}, nil)
	e.logger.Debug("run started", "run", run.ID, "workflow", def.ID, "record", recordID, "state", initial)

	runUnlock := e.locks.Lock("run:" + run.ID)
	defer runUnlock()
	return e.advanceLocked(ctx, actorID, run, def, rec)
}

// Advance evaluates the transitions leaving the run's current state and
// takes the first one, in declared order, whose guard holds. A run with no
// passing transition keeps its state.
func (e *Engine) Advance(ctx context.Context, actorID, runID string) (model.WorkflowRun, error) {
	return e.advance(ctx, actorID, runID, 0)
}

func (e *Engine) advance(ctx context.Context, actorID, runID string, eventSeq int64) (run model.WorkflowRun, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.Advance", trace.WithAttributes(attribute.String("run.id", runID)))
	defer func() { endSpan(span, err) }()

	if err := e.audit.Healthy(); err != nil {
		return model.WorkflowRun{}, err
	}

	unlock := e.locks.Lock("run:" + runID)
	defer unlock()

	run, err = e.GetRun(ctx, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if run.Status != model.RunRunning {
		return run, apperr.Validation("run %q is %s", runID, run.Status).With("status", string(run.Status))
	}
	if eventSeq > 0 {
		if eventSeq <= run.LastEventSeq {
			e.logger.Debug("dropping stale event", "run", runID, "seq", eventSeq, "last", run.LastEventSeq)
			return run, nil
		}
		run.LastEventSeq = eventSeq
	}
	def, err := e.Get(ctx, run.WorkflowID)
	if err != nil {
		return run, err
	}
	rec, err := e.records.Get(ctx, run.RecordID)
	if err != nil {
		return run, err
	}
	if rec.Deleted {
		return run, apperr.Validation("record %q is deleted", run.RecordID)
	}
	return e.advanceLocked(ctx, actorID, run, def, rec)
}

// advanceLocked picks and executes a transition. The caller holds the run
// lock; reading the state, evaluating guards and committing the new state
// happen inside that one critical section.
func (e *Engine) advanceLocked(ctx context.Context, actorID string, run model.WorkflowRun, def model.WorkflowDefinition, rec model.Record) (model.WorkflowRun, error) {
	t, ok, err := e.choose(run, def, rec, actorID)
	if err != nil {
		return run, err
	}
	if !ok {
		run.UpdatedAt = e.clock.Now().UTC()
		if err := e.store.SaveRun(ctx, run); err != nil {
			return run, err
		}
		return run, nil
	}
	return e.execute(ctx, actorID, run, def, t, 0)
}

// choose returns the first enabled transition from the run's state whose
// guard holds for the record.
func (e *Engine) choose(run model.WorkflowRun, def model.WorkflowDefinition, rec model.Record, actorID string) (model.Transition, bool, error) {
	snap := e.rules.Snapshot()
	ec := rules.EvalContext{
		Record:    rec.Data,
		Actor:     actorID,
		Timestamp: e.clock.Now().UTC(),
		State:     run.CurrentState,
		Entity:    rec.EntityID,
		Event:     string(run.TriggerType),
	}
	for _, t := range def.Outgoing(run.CurrentState) {
		if t.GuardRuleID == "" {
			return t, true, nil
		}
		ok, _, err := snap.Guard(t.GuardRuleID, ec)
		if err != nil {
			return model.Transition{}, false, apperr.Wrap(apperr.KindValidation, err,
				"transition %q guard: %v", t.ID, err).With("transition_id", t.ID)
		}
		if ok {
			return t, true, nil
		}
	}
	return model.Transition{}, false, nil
}

// execute runs t's actions from index start, then moves the run to t.To.
// On failure the run is left failed with the number of applied actions.
func (e *Engine) execute(ctx context.Context, actorID string, run model.WorkflowRun, def model.WorkflowDefinition, t model.Transition, start int) (model.WorkflowRun, error) {
	applied, actErr := e.runActions(ctx, actorID, run, t, start)
	now := e.clock.Now().UTC()
	entry := model.TransitionLog{
		Seq:            nextSeq(run),
		TransitionID:   t.ID,
		From:           t.From,
		To:             t.To,
		ActorID:        actorID,
		AppliedActions: applied,
		At:             now,
	}

	// A cancelled caller still gets its partial progress recorded.
	saveCtx := context.WithoutCancel(ctx)

	if actErr != nil {
		if err := fire(ctx, &run, triggerFail); err != nil {
			return run, err
		}
		run.FailedTransitionID = t.ID
		run.LastAppliedAction = applied
		run.Error = actErr.Error()
		run.UpdatedAt = now
		entry.Outcome = model.OutcomeFailed
		entry.Error = actErr.Error()
		run.History = append(run.History, entry)
		if err := e.store.SaveRun(saveCtx, run, entry); err != nil {
			return run, err
		}
		runErr := apperr.Wrap(apperr.KindWorkflowRunFailed, actErr,
			"run %q failed in transition %q after %d action(s): %v", run.ID, t.ID, applied, actErr).
			With("run_id", run.ID).
			With("transition_id", t.ID).
			With("last_applied_action", applied)
		e.auditRun(saveCtx, actorID, "workflow.run.transition", run, map[string]any{
			"transition_id":   t.ID,
			"from":            t.From,
			"to":              t.To,
			"applied_actions": applied,
		}, runErr)
		e.logger.Warn("run failed", "run", run.ID, "transition", t.ID, "applied", applied, "error", actErr)
		return run, runErr
	}

	run.CurrentState = t.To
	run.FailedTransitionID = ""
	run.LastAppliedAction = 0
	run.Error = ""
	run.UpdatedAt = now
	entry.Outcome = model.OutcomeTaken
	if def.IsTerminal(t.To) {
		if err := fire(ctx, &run, triggerComplete); err != nil {
			return run, err
		}
	}
	run.History = append(run.History, entry)
	if err := e.store.SaveRun(saveCtx, run, entry); err != nil {
		return run, err
	}
	e.auditRun(saveCtx, actorID, "workflow.run.transition", run, map[string]any{
		"transition_id":   t.ID,
		"from":            t.From,
		"to":              t.To,
		"applied_actions": applied,
		"status":          string(run.Status),
	}, nil)
	e.logger.Debug("transition taken", "run", run.ID, "from", t.From, "to", t.To, "status", run.Status)
	return run, nil
}

// Retry resumes a failed run from the action after the last one applied in
// its failed transition. The transition's guard is not re-evaluated.
func (e *Engine) Retry(ctx context.Context, actorID, runID string) (run model.WorkflowRun, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.Retry", trace.WithAttributes(attribute.String("run.id", runID)))
	defer func() { endSpan(span, err) }()

	if err := e.audit.Healthy(); err != nil {
		return model.WorkflowRun{}, err
	}

	unlock := e.locks.Lock("run:" + runID)
	defer unlock()

	run, err = e.GetRun(ctx, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	def, err := e.Get(ctx, run.WorkflowID)
	if err != nil {
		return run, err
	}
	t, ok := def.Transition(run.FailedTransitionID)
	if run.Status == model.RunFailed && !ok {
		return run, apperr.Validation("failed transition %q no longer exists in workflow %q", run.FailedTransitionID, def.Name).
			With("transition_id", run.FailedTransitionID)
	}
	if err := fire(ctx, &run, triggerRetry); err != nil {
		return run, err
	}

	entry := model.TransitionLog{
		Seq:            nextSeq(run),
		TransitionID:   t.ID,
		From:           t.From,
		To:             t.To,
		Outcome:        model.OutcomeRetried,
		ActorID:        actorID,
		AppliedActions: run.LastAppliedAction,
		At:             e.clock.Now().UTC(),
	}
	run.History = append(run.History, entry)
	run.UpdatedAt = entry.At
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			return run, apperr.Validation("record %q already has a running run of workflow %q", run.RecordID, def.Name)
		}
		return run, err
	}
	e.auditRun(ctx, actorID, "workflow.run.retry", run, map[string]any{
		"transition_id": t.ID,
		"resume_from":   run.LastAppliedAction,
	}, nil)

	return e.execute(ctx, actorID, run, def, t, run.LastAppliedAction)
}

// Cancel stops a running run and records who cancelled it.
func (e *Engine) Cancel(ctx context.Context, actorID, runID string) (model.WorkflowRun, error) {
	unlock := e.locks.Lock("run:" + runID)
	defer unlock()

	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	err = func() error {
		if err := fire(ctx, &run, triggerCancel); err != nil {
			return err
		}
		run.CancelledBy = actorID
		entry := model.TransitionLog{
			Seq:     nextSeq(run),
			From:    run.CurrentState,
			Outcome: model.OutcomeCancelled,
			ActorID: actorID,
			At:      e.clock.Now().UTC(),
		}
		run.History = append(run.History, entry)
		run.UpdatedAt = entry.At
		return e.store.SaveRun(ctx, run, entry)
	}()
	e.auditRun(ctx, actorID, "workflow.run.cancel", run, map[string]any{"state": run.CurrentState}, err)
	return run, err
}

func nextSeq(run model.WorkflowRun) int {
	if n := len(run.History); n > 0 {
		return run.History[n-1].Seq + 1
	}
	return 1
}

// auditRun records a run event against the run's record.
func (e *Engine) auditRun(ctx context.Context, actorID, action string, run model.WorkflowRun, payload map[string]any, opErr error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["run_id"] = run.ID
	payload["workflow_id"] = run.WorkflowID
	entry := audit.Entry{
		ActorID:  actorID,
		Action:   action,
		EntityID: run.EntityID,
		RecordID: run.RecordID,
		Payload:  payload,
	}
	if opErr != nil {
		entry.Outcome = model.OutcomeFailure
		entry.Severity = model.SeverityWarning
		payload["error_kind"] = string(apperr.KindOf(opErr))
		payload["error"] = opErr.Error()
	}
	if _, err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("audit append failed", "action", action, "run", run.ID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}
