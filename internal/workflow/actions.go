package workflow

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

// runActions applies t's actions in order starting at index start and
// returns how many of them have been applied in total. It checks ctx
// between actions and never interrupts one in flight.
func (e *Engine) runActions(ctx context.Context, actorID string, run model.WorkflowRun, t model.Transition, start int) (int, error) {
	for i := start; i < len(t.Actions); i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := e.apply(ctx, actorID, run, t, t.Actions[i]); err != nil {
			return i, fmt.Errorf("action %d (%s): %w", i, t.Actions[i].Type, err)
		}
	}
	return len(t.Actions), nil
}

func (e *Engine) apply(ctx context.Context, actorID string, run model.WorkflowRun, t model.Transition, a model.Action) error {
	switch a.Type {
	case model.ActionSetField:
		return e.setField(ctx, actorID, run.RecordID, a)
	case model.ActionEmitEvent:
		return e.enqueue(ctx, model.OutboundEvent, a.Event, run, t, a)
	case model.ActionCallWebhook:
		return e.enqueue(ctx, model.OutboundWebhook, a.URL, run, t, a)
	}
	return apperr.Validation("unsupported transition action %q", a.Type)
}

// setField writes one field through the record store. A version conflict
// with a concurrent writer re-reads the record and tries again.
func (e *Engine) setField(ctx context.Context, actorID, recordID string, a model.Action) error {
	b := retry.WithMaxRetries(e.conflictRetries, retry.NewConstant(e.conflictBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		rec, err := e.records.Get(ctx, recordID)
		if err != nil {
			return err
		}
		_, err = e.records.Update(ctx, actorID, recordID, map[string]any{a.Field: a.Value}, rec.CurrentVersion)
		if apperr.IsVersionConflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// enqueue queues an outbound message. Delivery belongs to whoever drains
// the outbox.
func (e *Engine) enqueue(ctx context.Context, kind model.OutboundKind, topic string, run model.WorkflowRun, t model.Transition, a model.Action) error {
	payload := map[string]any{
		"workflow_id":   run.WorkflowID,
		"run_id":        run.ID,
		"record_id":     run.RecordID,
		"entity_id":     run.EntityID,
		"transition_id": t.ID,
		"from":          t.From,
		"to":            t.To,
	}
	if a.Value != nil {
		payload["value"] = a.Value
	}
	id, err := e.store.EnqueueOutbound(ctx, model.OutboundMessage{
		Kind:      kind,
		Topic:     topic,
		Payload:   payload,
		RunID:     run.ID,
		CreatedAt: e.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	e.logger.Debug("outbound queued", "id", id, "kind", kind, "topic", topic, "run", run.ID)
	return nil
}
