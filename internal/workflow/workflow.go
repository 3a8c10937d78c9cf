// Package workflow implements the finite-state workflow engine.
//
// A workflow is a state machine bound to one entity. Runs move a single
// record through the machine: each advance takes the first enabled
// transition, in declared order, whose guard rule holds for the record.
// Transition actions write through the record store or queue outbound
// messages; a failed action leaves the run failed and resumable from the
// next action.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/keylock"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
)

// AutomationActor is the actor recorded for event and schedule driven work.
const AutomationActor = "automation"

// Entities resolves an entity id or name to its definition.
type Entities interface {
	Resolve(ctx context.Context, ref string) (model.EntityDefinition, error)
}

// Records is the part of the record store transitions act on.
type Records interface {
	Get(ctx context.Context, id string) (model.Record, error)
	Update(ctx context.Context, actorID, id string, patch map[string]any, expectedVersion int64) (model.Record, error)
}

// Engine owns workflow definitions and runs.
//
// Thread-safety: Engine is safe for concurrent use. Definition edits
// serialize on one mutex; run mutations serialize per run id, and run
// creation per (workflow, record) pair.
type Engine struct {
	store    *store.Store
	audit    *audit.Log
	rules    *rules.Engine
	entities Entities
	records  Records
	clock    clock.Clock
	ids      ids.Generator
	runIDs   ids.Generator
	logger   *slog.Logger
	tracer   trace.Tracer

	conflictRetries uint64
	conflictBackoff time.Duration
	tickParallelism int

	mu    sync.Mutex
	locks *keylock.Locker
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs overrides the id generator for definitions and transitions.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithRunIDs overrides the id generator for runs.
func WithRunIDs(g ids.Generator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer overrides the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithConflictRetry sets how often a set_field action re-reads the record
// after a version conflict, and the pause between attempts.
func WithConflictRetry(attempts uint64, backoff time.Duration) Option {
	return func(e *Engine) {
		e.conflictRetries = attempts
		e.conflictBackoff = backoff
	}
}

// WithTickParallelism bounds how many runs one schedule tick advances at once.
func WithTickParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tickParallelism = n
		}
	}
}

// New creates an Engine and registers it with the rules engine so rules
// guarding enabled transitions cannot be deleted.
func New(s *store.Store, log *audit.Log, re *rules.Engine, ents Entities, recs Records, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		audit:           log,
		rules:           re,
		entities:        ents,
		records:         recs,
		clock:           clock.System{},
		ids:             ids.UUIDv7{},
		runIDs:          ids.UUIDv7{},
		logger:          slog.Default(),
		tracer:          otel.Tracer("github.com/roach88/recordflow/internal/workflow"),
		conflictRetries: 5,
		conflictBackoff: 10 * time.Millisecond,
		tickParallelism: 4,
		locks:           keylock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	re.SetGuardReferences(e)
	return e
}

// Get returns a workflow definition by id.
func (e *Engine) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	err := e.store.GetDocument(ctx, store.KindWorkflow, id, &def)
	if errors.Is(err, store.ErrNotFound) {
		return model.WorkflowDefinition{}, apperr.NotFound("workflow", id)
	}
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// Resolve finds a workflow by id or, failing that, by case-insensitive name.
func (e *Engine) Resolve(ctx context.Context, ref string) (model.WorkflowDefinition, error) {
	def, err := e.Get(ctx, ref)
	if err == nil || !apperr.IsNotFound(err) {
		return def, err
	}
	all, err := e.List(ctx)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	for _, d := range all {
		if strings.EqualFold(d.Name, ref) {
			return d, nil
		}
	}
	return model.WorkflowDefinition{}, apperr.NotFound("workflow", ref)
}

// List returns every workflow definition ordered by id.
func (e *Engine) List(ctx context.Context) ([]model.WorkflowDefinition, error) {
	docs, err := e.store.ListDocuments(ctx, store.KindWorkflow)
	if err != nil {
		return nil, err
	}
	out := make([]model.WorkflowDefinition, 0, len(docs))
	for _, raw := range docs {
		var def model.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, def)
	}
	return out, nil
}

// Define creates an unpublished workflow.
func (e *Engine) Define(ctx context.Context, actorID string, spec model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := func() (model.WorkflowDefinition, error) {
		def, err := e.prepare(ctx, spec)
		if err != nil {
			return model.WorkflowDefinition{}, err
		}
		if err := e.checkNameUnique(ctx, def); err != nil {
			return model.WorkflowDefinition{}, err
		}
		now := e.clock.Now().UTC()
		def.ID = e.ids.New()
		def.Version = 1
		def.Published = false
		def.CreatedAt = now
		def.UpdatedAt = now
		if err := e.store.PutDocument(ctx, store.KindWorkflow, def.ID, def); err != nil {
			return model.WorkflowDefinition{}, err
		}
		return def, nil
	}()

	e.recordResult(ctx, actorID, "workflow.define", def.ID, map[string]any{"name": spec.Name}, err)
	return def, err
}

// Update replaces the name, description, states, transitions and trigger
// type of a workflow. The bound entity cannot change once runs exist.
func (e *Engine) Update(ctx context.Context, actorID, id string, spec model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.update", func(def *model.WorkflowDefinition) (map[string]any, error) {
		next, err := e.prepare(ctx, spec)
		if err != nil {
			return nil, err
		}
		if next.BoundEntity != def.BoundEntity {
			n, err := e.store.CountRuns(ctx, def.ID)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				return nil, apperr.Validation("workflow %q has %d run(s); its bound entity cannot change", def.Name, n)
			}
		}
		next.ID = def.ID
		if err := e.checkNameUnique(ctx, next); err != nil {
			return nil, err
		}
		def.Name = next.Name
		def.Description = next.Description
		def.BoundEntity = next.BoundEntity
		def.States = next.States
		def.Transitions = next.Transitions
		def.TriggerType = next.TriggerType
		return map[string]any{"name": def.Name}, nil
	})
}

// Delete removes a workflow. It fails while the workflow has running runs.
func (e *Engine) Delete(ctx context.Context, actorID, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := func() error {
		def, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		running, err := e.store.ListRuns(ctx, store.RunQuery{WorkflowID: def.ID, Status: model.RunRunning})
		if err != nil {
			return err
		}
		if len(running) > 0 {
			return apperr.Validation("workflow %q has %d running run(s)", def.Name, len(running)).
				With("running", len(running))
		}
		return e.store.DeleteDocument(ctx, store.KindWorkflow, def.ID)
	}()

	e.recordResult(ctx, actorID, "workflow.delete", id, nil, err)
	return err
}

// Publish validates a workflow and makes it triggerable. Definition errors
// such as ambiguous transitions block publishing.
func (e *Engine) Publish(ctx context.Context, actorID, id string) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.publish", func(def *model.WorkflowDefinition) (map[string]any, error) {
		def.Published = true
		return nil, nil
	})
}

// Unpublish stops new runs from starting. Existing runs continue.
func (e *Engine) Unpublish(ctx context.Context, actorID, id string) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.unpublish", func(def *model.WorkflowDefinition) (map[string]any, error) {
		if !def.Published {
			return nil, apperr.Validation("workflow %q is not published", def.Name)
		}
		def.Published = false
		return nil, nil
	})
}

// AddState appends a state.
func (e *Engine) AddState(ctx context.Context, actorID, id string, state model.State) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.state.add", func(def *model.WorkflowDefinition) (map[string]any, error) {
		state.Name = strings.TrimSpace(state.Name)
		if state.Name == "" {
			return nil, apperr.Validation("state name is required")
		}
		if slices.ContainsFunc(def.States, func(s model.State) bool { return s.Name == state.Name }) {
			return nil, apperr.Validation("state %q already exists", state.Name)
		}
		def.States = append(def.States, state)
		return map[string]any{"state": state.Name}, nil
	})
}

// DeleteState removes a state. It fails while transitions reference the
// state or running runs occupy it.
func (e *Engine) DeleteState(ctx context.Context, actorID, id, name string) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.state.delete", func(def *model.WorkflowDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.States, func(s model.State) bool { return s.Name == name })
		if idx < 0 {
			return nil, apperr.NotFound("state", name)
		}
		var refs []string
		for _, t := range def.Transitions {
			if t.From == name || t.To == name {
				refs = append(refs, t.ID)
			}
		}
		if len(refs) > 0 {
			return nil, apperr.Validation("state %q is used by %d transition(s)", name, len(refs)).
				With("transitions", refs)
		}
		running, err := e.store.ListRuns(ctx, store.RunQuery{WorkflowID: def.ID, Status: model.RunRunning})
		if err != nil {
			return nil, err
		}
		for _, r := range running {
			if r.CurrentState == name {
				return nil, apperr.Validation("state %q is occupied by run %q", name, r.ID).With("run_id", r.ID)
			}
		}
		def.States = slices.Delete(def.States, idx, idx+1)
		return map[string]any{"state": name}, nil
	})
}

// AddTransition appends a transition. An empty id is generated.
func (e *Engine) AddTransition(ctx context.Context, actorID, id string, t model.Transition) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.transition.add", func(def *model.WorkflowDefinition) (map[string]any, error) {
		if t.ID == "" {
			t.ID = e.ids.New()
		}
		if _, ok := def.Transition(t.ID); ok {
			return nil, apperr.Validation("transition %q already exists", t.ID)
		}
		def.Transitions = append(def.Transitions, t)
		if err := checkStructure(*def); err != nil {
			return nil, err
		}
		return map[string]any{"transition_id": t.ID, "from": t.From, "to": t.To}, nil
	})
}

// DeleteTransition removes a transition.
func (e *Engine) DeleteTransition(ctx context.Context, actorID, id, transitionID string) (model.WorkflowDefinition, error) {
	return e.mutate(ctx, actorID, id, "workflow.transition.delete", func(def *model.WorkflowDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.Transitions, func(t model.Transition) bool { return t.ID == transitionID })
		if idx < 0 {
			return nil, apperr.NotFound("transition", transitionID)
		}
		def.Transitions = slices.Delete(def.Transitions, idx, idx+1)
		return map[string]any{"transition_id": transitionID}, nil
	})
}

// TransitionsGuardedBy lists enabled transitions, as "workflow/transition",
// whose guard is any of the given rule ids.
func (e *Engine) TransitionsGuardedBy(ctx context.Context, ruleIDs []string) ([]string, error) {
	all, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, def := range all {
		for _, t := range def.Transitions {
			if !t.Disabled && t.GuardRuleID != "" && slices.Contains(ruleIDs, t.GuardRuleID) {
				out = append(out, def.ID+"/"+t.ID)
			}
		}
	}
	return out, nil
}

type editFunc func(def *model.WorkflowDefinition) (map[string]any, error)

// mutate applies fn to a copy of the workflow and persists it. Published
// workflows are fully validated after every edit, so a published workflow
// never holds a definition error.
func (e *Engine) mutate(ctx context.Context, actorID, id, action string, fn editFunc) (model.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payload map[string]any
	def, err := func() (model.WorkflowDefinition, error) {
		cur, err := e.Get(ctx, id)
		if err != nil {
			return model.WorkflowDefinition{}, err
		}
		def := cur.Clone()
		if payload, err = fn(&def); err != nil {
			return model.WorkflowDefinition{}, err
		}
		if def.Published {
			if err := e.Validate(ctx, def); err != nil {
				return model.WorkflowDefinition{}, err
			}
		}
		def.Version++
		def.UpdatedAt = e.clock.Now().UTC()
		if err := e.store.PutDocument(ctx, store.KindWorkflow, def.ID, def); err != nil {
			return model.WorkflowDefinition{}, err
		}
		return def, nil
	}()

	e.recordResult(ctx, actorID, action, id, payload, err)
	return def, err
}

// prepare normalizes a definition spec and checks its structure. It does
// not require the definition to be publishable.
func (e *Engine) prepare(ctx context.Context, spec model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	def := spec.Clone()
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return model.WorkflowDefinition{}, apperr.Validation("workflow name is required")
	}
	if def.BoundEntity == "" {
		return model.WorkflowDefinition{}, apperr.Validation("workflow %q needs a bound entity", def.Name)
	}
	ent, err := e.entities.Resolve(ctx, def.BoundEntity)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.BoundEntity = ent.ID

	switch def.TriggerType {
	case "":
		def.TriggerType = model.TriggerManual
	case model.TriggerManual, model.TriggerEvent, model.TriggerSchedule:
	default:
		return model.WorkflowDefinition{}, apperr.Validation("unknown trigger type %q", def.TriggerType)
	}

	for i := range def.States {
		def.States[i].Name = strings.TrimSpace(def.States[i].Name)
	}
	for i := range def.Transitions {
		if def.Transitions[i].ID == "" {
			def.Transitions[i].ID = e.ids.New()
		}
	}
	if err := checkStructure(def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// checkStructure validates names and references that must hold even for
// drafts: unique non-empty states, unique transition ids, transitions
// between declared states and well-formed actions.
func checkStructure(def model.WorkflowDefinition) error {
	states := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		if s.Name == "" {
			return apperr.Validation("state name is required")
		}
		if states[s.Name] {
			return apperr.Validation("duplicate state %q", s.Name)
		}
		states[s.Name] = true
	}
	seen := make(map[string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if seen[t.ID] {
			return apperr.Validation("duplicate transition id %q", t.ID)
		}
		seen[t.ID] = true
		if !states[t.From] {
			return apperr.Validation("transition %q leaves unknown state %q", t.ID, t.From).With("transition_id", t.ID)
		}
		if !states[t.To] {
			return apperr.Validation("transition %q enters unknown state %q", t.ID, t.To).With("transition_id", t.ID)
		}
		for i, a := range t.Actions {
			if a.Type == model.ActionStop {
				return apperr.Validation("transition %q action %d: stop is only valid in rules", t.ID, i).
					With("transition_id", t.ID)
			}
			if err := a.Validate(); err != nil {
				return apperr.Wrap(apperr.KindValidation, err, "transition %q action %d: %v", t.ID, i, err).
					With("transition_id", t.ID)
			}
		}
	}
	return nil
}

// Validate runs the definition-time checks that gate publishing: the
// structure is sound, an initial state exists, no state has two enabled
// unguarded transitions and every guard names an existing rule.
func (e *Engine) Validate(ctx context.Context, def model.WorkflowDefinition) error {
	if err := checkStructure(def); err != nil {
		return err
	}
	if len(def.States) == 0 {
		return apperr.Validation("workflow %q declares no states", def.Name)
	}
	if _, ok := def.InitialState(); !ok {
		return apperr.Validation("workflow %q has no initial state: every state has an incoming transition", def.Name)
	}

	unguarded := map[string]string{}
	for _, t := range def.Transitions {
		if t.Disabled || t.GuardRuleID != "" {
			continue
		}
		if prev, ok := unguarded[t.From]; ok {
			return apperr.New(apperr.KindAmbiguousTransition,
				"state %q has two unguarded transitions: %q and %q", t.From, prev, t.ID).
				With("state", t.From).
				With("transitions", []string{prev, t.ID})
		}
		unguarded[t.From] = t.ID
	}

	snap := e.rules.Snapshot()
	for _, t := range def.Transitions {
		if t.GuardRuleID == "" {
			continue
		}
		if _, ok := snap.Effective(t.GuardRuleID); !ok {
			return apperr.Validation("transition %q guard rule %q does not exist", t.ID, t.GuardRuleID).
				With("transition_id", t.ID).
				With("rule_id", t.GuardRuleID)
		}
	}
	return nil
}

func (e *Engine) checkNameUnique(ctx context.Context, def model.WorkflowDefinition) error {
	all, err := e.List(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.ID != def.ID && strings.EqualFold(other.Name, def.Name) {
			return apperr.Validation("workflow name %q already exists", def.Name).With("existing_id", other.ID)
		}
	}
	return nil
}

// recordResult audits a definition edit, successful or not.
func (e *Engine) recordResult(ctx context.Context, actorID, action, workflowID string, payload map[string]any, opErr error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if workflowID != "" {
		payload["workflow_id"] = workflowID
	}
	entry := audit.Entry{ActorID: actorID, Action: action, Payload: payload}
	if opErr != nil {
		if errors.Is(opErr, context.Canceled) {
			return
		}
		entry.Outcome = model.OutcomeFailure
		entry.Severity = model.SeverityWarning
		payload["error_kind"] = string(apperr.KindOf(opErr))
		payload["error"] = opErr.Error()
	}
	if _, err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("audit append failed", "action", action, "workflow", workflowID, "error", err)
	}
}
