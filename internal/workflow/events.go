package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/store"
)

// Attach subscribes the engine to record mutation events.
func (e *Engine) Attach(d *records.Dispatcher) {
	d.Subscribe(e.HandleEvent)
}

// HandleEvent offers a record mutation to every published event-triggered
// workflow bound to the record's entity. An active run is advanced. A
// created or restored record without one gets a new run; other mutations
// never start runs, so a completed run's own writes cannot restart it.
// Events at or below a run's last seen
// sequence number are dropped. Errors are logged, since the writer that
// caused the event has already committed.
func (e *Engine) HandleEvent(ctx context.Context, evt model.Event) {
	if evt.Type == model.EventDeleted {
		return
	}
	if err := e.handleEvent(ctx, evt); err != nil {
		e.logger.Warn("workflow event handling failed",
			"record", evt.RecordID,
			"seq", evt.Seq,
			"kind", apperr.KindOf(err),
			"error", err)
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt model.Event) error {
	all, err := e.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, def := range all {
		if !def.Published || def.TriggerType != model.TriggerEvent || def.BoundEntity != evt.EntityID {
			continue
		}
		if err := e.offer(ctx, def, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) offer(ctx context.Context, def model.WorkflowDefinition, evt model.Event) error {
	ctx, span := e.tracer.Start(ctx, "workflow.HandleEvent", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("record.id", evt.RecordID),
		attribute.Int64("event.seq", evt.Seq),
	))
	var err error
	defer func() { endSpan(span, err) }()

	run, ok, err := e.store.ActiveRun(ctx, def.ID, evt.RecordID)
	if err != nil {
		return err
	}
	if ok {
		_, err = e.advance(ctx, AutomationActor, run.ID, evt.Seq)
		return err
	}
	if evt.Type != model.EventCreated && evt.Type != model.EventRestored {
		return nil
	}
	payload := map[string]any{
		"event":   string(evt.Type),
		"seq":     evt.Seq,
		"version": evt.Version,
		"actor":   evt.ActorID,
	}
	_, err = e.trigger(ctx, AutomationActor, def.ID, evt.RecordID, payload, model.TriggerEvent, evt.Seq)
	return err
}

// TickReport summarizes one schedule tick.
type TickReport struct {
	WorkflowID string   `json:"workflow_id"`
	Evaluated  int      `json:"evaluated"`
	Advanced   []string `json:"advanced"`
	Failed     []string `json:"failed"`
}

// OnScheduleTick re-evaluates every running run of a workflow. Runs are
// advanced concurrently; each run still serializes on its own lock. A run
// that fails does not stop the others.
func (e *Engine) OnScheduleTick(ctx context.Context, workflowRef string) (report TickReport, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.OnScheduleTick", trace.WithAttributes(attribute.String("workflow.ref", workflowRef)))
	defer func() { endSpan(span, err) }()

	if err := e.audit.Healthy(); err != nil {
		return TickReport{}, err
	}
	def, err := e.Resolve(ctx, workflowRef)
	if err != nil {
		return TickReport{}, err
	}
	running, err := e.store.ListRuns(ctx, store.RunQuery{WorkflowID: def.ID, Status: model.RunRunning})
	if err != nil {
		return TickReport{}, err
	}

	type outcome struct {
		moved  bool
		failed bool
	}
	outcomes := make([]outcome, len(running))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.tickParallelism)
	for i, run := range running {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			after, err := e.advance(gctx, AutomationActor, run.ID, 0)
			switch {
			case apperr.Is(err, apperr.KindAuditTamper):
				return err
			case err != nil:
				e.logger.Warn("scheduled advance failed", "run", run.ID, "error", err)
				outcomes[i].failed = true
			case after.CurrentState != run.CurrentState || after.Status != run.Status:
				outcomes[i].moved = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TickReport{}, err
	}

	report = TickReport{WorkflowID: def.ID, Evaluated: len(running), Advanced: []string{}, Failed: []string{}}
	for i, o := range outcomes {
		switch {
		case o.failed:
			report.Failed = append(report.Failed, running[i].ID)
		case o.moved:
			report.Advanced = append(report.Advanced, running[i].ID)
		}
	}
	return report, nil
}
