package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/bundle"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
	"github.com/roach88/recordflow/internal/workflow"
)

// DefaultActor performs steps and applies bundles unless a step names
// another actor.
const DefaultActor = "scenario"

// Epoch is the scenario clock's starting time.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// Harness is every component opened over one scratch database, driven by
// a manual clock and sequential id generators.
type Harness struct {
	store     *store.Store
	clock     *clock.Manual
	audit     *audit.Log
	registry  *registry.Registry
	records   *records.Service
	rules     *rules.Engine
	workflows *workflow.Engine
	logger    *slog.Logger

	aliases map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory.
// The returned error reports harness failures (unreadable bundle, database
// error); scenario failures are reported in Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "recordflow-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := open(ctx, filepath.Join(dir, "scenario.db"), scenario.LockTTL)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.applyBundles(ctx, scenario.Bundles, result); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		sr, msg := h.executeStep(ctx, i, step)
		result.Steps = append(result.Steps, sr)
		if msg != "" {
			result.AddError(msg)
		}
		if err := h.records.Events().Drain(ctx); err != nil {
			return nil, fmt.Errorf("failed to drain record events: %w", err)
		}
	}

	trace, err := h.trace(ctx)
	if err != nil {
		return nil, err
	}
	result.Trace = trace
	for k, v := range h.aliases {
		result.Aliases[k] = v
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func open(ctx context.Context, path string, lockTTL time.Duration) (*Harness, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}

	h := &Harness{
		store:   st,
		clock:   clock.NewManual(Epoch),
		logger:  slog.New(slog.DiscardHandler),
		aliases: make(map[string]string),
	}
	h.audit = audit.New(st,
		audit.WithClock(h.clock),
		audit.WithIDs(ids.NewSequential("aud")),
		audit.WithLogger(h.logger))
	h.registry = registry.New(st, h.audit,
		registry.WithClock(h.clock),
		registry.WithIDs(ids.NewSequential("ent")),
		registry.WithLogger(h.logger))
	h.records = records.New(st, h.registry, h.audit,
		records.WithClock(h.clock),
		records.WithIDs(ids.NewSequential("rec")),
		records.WithLogger(h.logger),
		records.WithLockTTL(lockTTL))
	h.rules, err = rules.New(ctx, st, h.audit,
		rules.WithClock(h.clock),
		rules.WithIDs(ids.NewSequential("rule")),
		rules.WithLogger(h.logger),
		rules.WithEntities(h.registry))
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	h.workflows = workflow.New(st, h.audit, h.rules, h.registry, h.records,
		workflow.WithClock(h.clock),
		workflow.WithIDs(ids.NewSequential("wf")),
		workflow.WithRunIDs(ids.NewSequential("run")),
		workflow.WithLogger(h.logger),
		workflow.WithTickParallelism(1))
	h.workflows.Attach(h.records.Events())
	return h, nil
}

func (h *Harness) close() {
	h.records.Events().Close()
	if err := h.store.Close(); err != nil {
		h.logger.Error("error closing scenario store", "error", err)
	}
}

func (h *Harness) applyBundles(ctx context.Context, paths []string, result *Result) error {
	target := bundle.Target{Registry: h.registry, Rules: h.rules, Workflows: h.workflows}
	for _, path := range paths {
		b, _, err := bundle.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load bundle %s: %w", path, err)
		}
		res := bundle.Apply(ctx, target, DefaultActor, b, false)
		for _, item := range res.Failures() {
			result.AddError(fmt.Sprintf("bundle %s: %s %s: %s", filepath.Base(path), item.Kind, item.Name, item.Error))
		}
	}
	return nil
}

// resolve maps an alias to its id. Anything else is taken as an id.
func (h *Harness) resolve(ref string) string {
	if id, ok := h.aliases[ref]; ok {
		return id
	}
	return ref
}

// executeStep runs one step and checks it against its expect clause. It
// returns a failure message, or "" when the step behaved as expected.
func (h *Harness) executeStep(ctx context.Context, index int, step Step) (StepResult, string) {
	actor := step.Actor
	if actor == "" {
		actor = DefaultActor
	}
	sr := StepResult{Index: index, Op: step.Op}
	fail := func(format string, args ...any) (StepResult, string) {
		return sr, fmt.Sprintf("steps[%d] %s: %s", index, step.Op, fmt.Sprintf(format, args...))
	}

	var (
		rec     *model.Record
		run     *model.WorkflowRun
		tick    *workflow.TickReport
		stepErr error
	)
	recordStep := func(r model.Record, err error) {
		rec, stepErr = &r, err
	}
	runStep := func(r model.WorkflowRun, err error) {
		run, stepErr = &r, err
	}

	switch step.Op {
	case OpCreateRecord:
		recordStep(h.records.Create(ctx, actor, step.Entity, step.Data))
	case OpUpdateRecord:
		id := h.resolve(step.Record)
		version := step.Version
		if version == 0 {
			current, err := h.records.Get(ctx, id)
			if err != nil {
				stepErr = err
				break
			}
			version = current.CurrentVersion
		}
		recordStep(h.records.Update(ctx, actor, id, step.Data, version))
	case OpDeleteRecord:
		recordStep(h.records.Delete(ctx, actor, h.resolve(step.Record)))
	case OpRestoreRecord:
		recordStep(h.records.Restore(ctx, actor, h.resolve(step.Record)))
	case OpLockRecord:
		recordStep(h.records.Lock(ctx, actor, h.resolve(step.Record)))
	case OpUnlockRecord:
		recordStep(h.records.Unlock(ctx, actor, h.resolve(step.Record), step.Force))
	case OpTrigger:
		runStep(h.workflows.Trigger(ctx, actor, step.Workflow, h.resolve(step.Record), step.Payload, model.TriggerManual))
	case OpAdvance:
		runStep(h.workflows.Advance(ctx, actor, h.resolve(step.Run)))
	case OpRetry:
		runStep(h.workflows.Retry(ctx, actor, h.resolve(step.Run)))
	case OpCancel:
		runStep(h.workflows.Cancel(ctx, actor, h.resolve(step.Run)))
	case OpTick:
		report, err := h.workflows.OnScheduleTick(ctx, step.Workflow)
		tick, stepErr = &report, err
	case OpWait:
		h.clock.Advance(step.Duration)
	case OpVerify:
		_, stepErr = h.audit.Verify(ctx)
	default:
		return fail("unknown op %q", step.Op)
	}

	if stepErr != nil {
		sr.Error = string(apperr.KindOf(stepErr))
	}
	if stepErr == nil {
		switch {
		case rec != nil:
			sr.ID = rec.ID
		case run != nil:
			sr.ID = run.ID
		}
		if step.As != "" && sr.ID != "" {
			h.aliases[step.As] = sr.ID
		}
	}

	expect := step.Expect
	if expect == nil {
		expect = &Expect{}
	}
	if expect.Error != "" {
		if stepErr == nil {
			return fail("expected %s, got success", expect.Error)
		}
		if sr.Error != expect.Error {
			return fail("expected %s, got %s: %v", expect.Error, sr.Error, stepErr)
		}
		return sr, ""
	}
	if stepErr != nil {
		return fail("unexpected error: %v", stepErr)
	}

	if run != nil {
		if expect.State != "" && run.CurrentState != expect.State {
			return fail("expected state %q, got %q", expect.State, run.CurrentState)
		}
		if expect.Status != "" && string(run.Status) != expect.Status {
			return fail("expected status %q, got %q", expect.Status, run.Status)
		}
	}
	if rec != nil && expect.Version != 0 && rec.CurrentVersion != expect.Version {
		return fail("expected version %d, got %d", expect.Version, rec.CurrentVersion)
	}
	if tick != nil && expect.Advanced != nil && len(tick.Advanced) != *expect.Advanced {
		return fail("expected %d advanced run(s), got %d", *expect.Advanced, len(tick.Advanced))
	}
	return sr, ""
}

// trace pages through the whole audit log.
func (h *Harness) trace(ctx context.Context) ([]TraceEvent, error) {
	events := []TraceEvent{}
	q := audit.Query{PageSize: 1000}
	for {
		page, err := h.audit.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit trail: %w", err)
		}
		for _, e := range page.Entries {
			events = append(events, traceEvent(e))
		}
		if page.NextAfterSeq == 0 {
			return events, nil
		}
		q.AfterSeq = page.NextAfterSeq
	}
}
