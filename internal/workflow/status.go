package workflow

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

// runTrigger moves a run between statuses.
type runTrigger string

const (
	triggerComplete runTrigger = "complete"
	triggerFail     runTrigger = "fail"
	triggerRetry    runTrigger = "retry"
	triggerCancel   runTrigger = "cancel"
)

// statusMachine builds the run lifecycle positioned at the given status.
// completed and cancelled accept no trigger.
func statusMachine(status model.RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(model.RunRunning).
		Permit(triggerComplete, model.RunCompleted).
		Permit(triggerFail, model.RunFailed).
		Permit(triggerCancel, model.RunCancelled)
	sm.Configure(model.RunFailed).
		Permit(triggerRetry, model.RunRunning)
	sm.Configure(model.RunCompleted)
	sm.Configure(model.RunCancelled)
	return sm
}

// fire applies trigger to run's status, rejecting moves the lifecycle does
// not permit.
func fire(ctx context.Context, run *model.WorkflowRun, trigger runTrigger) error {
	sm := statusMachine(run.Status)
	if ok, _ := sm.CanFire(trigger); !ok {
		return apperr.Validation("cannot %s run %q while it is %s", trigger, run.ID, run.Status).
			With("run_id", run.ID).
			With("status", string(run.Status))
	}
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "run %q: %s: %v", run.ID, trigger, err)
	}
	run.Status = sm.MustState().(model.RunStatus)
	return nil
}
