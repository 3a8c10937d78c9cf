// Package rules implements the business-rule engine.
//
// Rules are held in an in-memory MVCC table (go-memdb) loaded from, and
// written through to, the definitions store. Every evaluation runs over a
// Snapshot, so edits committed mid-evaluation are never observed. Edits are
// versioned: updating a rule appends a new rule to the same lineage and
// retires the previous one.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// ConflictPolicy decides what enabling a conflicting rule does.
type ConflictPolicy string

const (
	// PolicyWarn enables the rule and surfaces the conflict.
	PolicyWarn ConflictPolicy = "warn"
	// PolicyBlock refuses to enable the rule with RuleConflictError.
	PolicyBlock ConflictPolicy = "block"
)

// ParseConflictPolicy validates a configured policy. Empty means warn.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyWarn:
		return PolicyWarn, nil
	case PolicyBlock:
		return PolicyBlock, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want warn or block)", s)
}

// GuardReferences reports enabled workflow transitions guarded by any of
// the given rule ids.
type GuardReferences interface {
	TransitionsGuardedBy(ctx context.Context, ruleIDs []string) ([]string, error)
}

// Entities resolves an entity id or name to its definition.
type Entities interface {
	Resolve(ctx context.Context, ref string) (model.EntityDefinition, error)
}

// Engine owns the rule set.
//
// Thread-safety: Engine is safe for concurrent use. Writers serialize on an
// internal mutex; readers use lock-free snapshots.
type Engine struct {
	store    *store.Store
	audit    *audit.Log
	clock    clock.Clock
	ids      ids.Generator
	logger   *slog.Logger
	policy   ConflictPolicy
	entities Entities

	mu   sync.Mutex
	db   *memdb.MemDB
	refs GuardReferences

	generation atomic.Int64
	loadedAt   atomic.Pointer[time.Time]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs overrides the rule id generator.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConflictPolicy sets the policy applied when a rule is enabled.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithEntities resolves rule scopes given by entity name to entity ids.
func WithEntities(ents Entities) Option {
	return func(e *Engine) { e.entities = ents }
}

// New creates an Engine and loads every stored rule.
func New(ctx context.Context, s *store.Store, log *audit.Log, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  s,
		audit:  log,
		clock:  clock.System{},
		ids:    ids.UUIDv7{},
		logger: slog.Default(),
		policy: PolicyWarn,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// SetGuardReferences installs the checker consulted before deleting a rule.
// The workflow engine is built after the rules engine, hence the setter.
func (e *Engine) SetGuardReferences(refs GuardReferences) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs = refs
}

// Reload rebuilds the in-memory table from the store.
func (e *Engine) Reload(ctx context.Context) error {
	docs, err := e.store.ListDocuments(ctx, store.KindRule)
	if err != nil {
		return err
	}
	db, err := newRuleDB()
	if err != nil {
		return fmt.Errorf("create rule table: %w", err)
	}
	txn := db.Txn(true)
	for _, raw := range docs {
		var r model.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			txn.Abort()
			return fmt.Errorf("decode rule: %w", err)
		}
		r.ScopeKey = r.Scope.Key()
		if err := txn.Insert(tableRules, &r); err != nil {
			txn.Abort()
			return fmt.Errorf("load rule %s: %w", r.ID, err)
		}
	}
	txn.Commit()

	e.mu.Lock()
	e.db = db
	e.mu.Unlock()

	now := e.clock.Now().UTC()
	e.loadedAt.Store(&now)
	e.generation.Add(1)
	e.logger.Debug("rules loaded", "count", len(docs))
	return nil
}

// Snapshot returns a consistent read-only view of the rule set.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	return &Snapshot{db: db.Snapshot()}
}

// Get returns a rule by id, retired or not.
func (e *Engine) Get(id string) (model.Rule, error) {
	r, ok := e.Snapshot().Rule(id)
	if !ok {
		return model.Rule{}, errRuleNotFound(id)
	}
	return r, nil
}

// Effective resolves a rule id or lineage to its current version.
func (e *Engine) Effective(ref string) (model.Rule, error) {
	r, ok := e.Snapshot().Effective(ref)
	if !ok {
		return model.Rule{}, errRuleNotFound(ref)
	}
	return r, nil
}

// List returns every current (non-retired) rule.
func (e *Engine) List() []model.Rule {
	return e.Snapshot().All()
}

// History returns every version of the lineage containing ref.
func (e *Engine) History(ref string) ([]model.Rule, error) {
	snap := e.Snapshot()
	lineage := ref
	if r, ok := snap.Rule(ref); ok {
		lineage = r.Lineage
	}
	versions := snap.Lineage(lineage)
	if len(versions) == 0 {
		return nil, errRuleNotFound(ref)
	}
	return versions, nil
}

// EvaluateAll runs entity's rules over a fresh snapshot.
func (e *Engine) EvaluateAll(entity string, ec EvalContext) (Evaluation, error) {
	return e.Snapshot().EvaluateAll(entity, ec)
}

// Create stores a new rule as version 1 of a new lineage.
func (e *Engine) Create(ctx context.Context, actorID string, spec model.Rule) (model.Rule, error) {
	var created model.Rule
	err := e.write(ctx, actorID, "rule.create", "", func(snap *Snapshot) ([]model.Rule, map[string]any, error) {
		r, err := e.prepare(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		r.ID = e.ids.New()
		r.Lineage = r.ID
		r.Version = 1
		r.CreatedBy = actorID
		r.CreatedAt = e.clock.Now().UTC()
		if r.Enabled {
			if err := e.checkConflicts(ctx, actorID, snap, r); err != nil {
				return nil, nil, err
			}
		}
		created = r
		return []model.Rule{r}, map[string]any{"rule_id": r.ID, "name": r.Name, "enabled": r.Enabled}, nil
	})
	return created, err
}

// Update appends a new version of the lineage containing id and retires
// the current one. Only the current version may be edited.
func (e *Engine) Update(ctx context.Context, actorID, id string, spec model.Rule) (model.Rule, error) {
	var next model.Rule
	err := e.write(ctx, actorID, "rule.update", id, func(snap *Snapshot) ([]model.Rule, map[string]any, error) {
		current, err := currentVersion(snap, id)
		if err != nil {
			return nil, nil, err
		}
		r, err := e.prepare(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		r.ID = e.ids.New()
		r.Lineage = current.Lineage
		r.Version = current.Version + 1
		r.CreatedBy = actorID
		r.CreatedAt = e.clock.Now().UTC()
		if r.Enabled {
			if err := e.checkConflicts(ctx, actorID, snap, r); err != nil {
				return nil, nil, err
			}
		}
		current.Retired = true
		current.SupersededBy = r.ID
		next = r
		return []model.Rule{current, r}, map[string]any{
			"rule_id":    r.ID,
			"lineage":    r.Lineage,
			"version":    r.Version,
			"supersedes": current.ID,
		}, nil
	})
	return next, err
}

// Enable turns on automatic evaluation of a rule. Under PolicyBlock a rule
// that conflicts with an enabled rule is refused.
func (e *Engine) Enable(ctx context.Context, actorID, id string) (model.Rule, error) {
	return e.setEnabled(ctx, actorID, id, true)
}

// Disable turns off automatic evaluation of a rule.
func (e *Engine) Disable(ctx context.Context, actorID, id string) (model.Rule, error) {
	return e.setEnabled(ctx, actorID, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, actorID, id string, enabled bool) (model.Rule, error) {
	action := "rule.disable"
	if enabled {
		action = "rule.enable"
	}
	var out model.Rule
	err := e.write(ctx, actorID, action, id, func(snap *Snapshot) ([]model.Rule, map[string]any, error) {
		r, err := currentVersion(snap, id)
		if err != nil {
			return nil, nil, err
		}
		if enabled && !r.Enabled {
			if err := e.checkConflicts(ctx, actorID, snap, r); err != nil {
				return nil, nil, err
			}
		}
		r.Enabled = enabled
		out = r
		return []model.Rule{r}, map[string]any{"rule_id": r.ID}, nil
	})
	return out, err
}

// Clone copies a rule into a new, disabled lineage.
func (e *Engine) Clone(ctx context.Context, actorID, id, name string) (model.Rule, error) {
	src, err := e.Get(id)
	if err != nil {
		e.recordResult(ctx, actorID, "rule.clone", id, nil, err)
		return model.Rule{}, err
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	spec := src
	spec.Name = name
	spec.Enabled = false
	return e.Create(ctx, actorID, spec)
}

// Delete removes every version of the lineage containing id. It fails while
// an enabled workflow transition uses any version as its guard.
func (e *Engine) Delete(ctx context.Context, actorID, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := map[string]any{}
	err := func() error {
		snap := &Snapshot{db: e.db.Snapshot()}
		r, ok := snap.Rule(id)
		if !ok {
			return errRuleNotFound(id)
		}
		versions := snap.Lineage(r.Lineage)
		ruleIDs := make([]string, len(versions))
		for i, v := range versions {
			ruleIDs[i] = v.ID
		}
		payload["lineage"] = r.Lineage
		payload["versions"] = len(versions)

		if e.refs != nil {
			transitions, err := e.refs.TransitionsGuardedBy(ctx, ruleIDs)
			if err != nil {
				return err
			}
			if len(transitions) > 0 {
				return apperr.Validation("rule %q guards %d enabled transition(s)", r.Name, len(transitions)).
					With("rule_id", id).
					With("transitions", transitions)
			}
		}

		for _, v := range versions {
			if err := e.store.DeleteDocument(ctx, store.KindRule, v.ID); err != nil {
				return err
			}
		}
		txn := e.db.Txn(true)
		for _, v := range versions {
			if _, err := txn.DeleteAll(tableRules, "id", v.ID); err != nil {
				txn.Abort()
				return fmt.Errorf("delete rule %s: %w", v.ID, err)
			}
		}
		txn.Commit()
		e.generation.Add(1)
		return nil
	}()

	e.recordResult(ctx, actorID, "rule.delete", id, payload, err)
	return err
}

// Status summarizes the loaded rule set.
type Status struct {
	Generation int64          `json:"generation"`
	LoadedAt   time.Time      `json:"loaded_at"`
	Rules      int            `json:"rules"`
	Enabled    int            `json:"enabled"`
	Retired    int            `json:"retired"`
	Policy     ConflictPolicy `json:"conflict_policy"`
}

// Status reports counts and the generation of the in-memory table. The
// generation increases on every committed edit and reload.
func (e *Engine) Status() Status {
	snap := e.Snapshot()
	st := Status{Generation: e.generation.Load(), Policy: e.policy}
	if t := e.loadedAt.Load(); t != nil {
		st.LoadedAt = *t
	}
	for _, r := range snap.collect("id_prefix", "") {
		if r.Retired {
			st.Retired++
			continue
		}
		st.Rules++
		if r.Enabled {
			st.Enabled++
		}
	}
	return st
}

// writeFunc computes the rules to upsert against the snapshot taken under
// the writer lock, plus the audit payload.
type writeFunc func(snap *Snapshot) ([]model.Rule, map[string]any, error)

// write persists fn's rules to the store, then commits them to the
// in-memory table, and audits the outcome either way.
func (e *Engine) write(ctx context.Context, actorID, action, ruleID string, fn writeFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payload map[string]any
	err := func() error {
		snap := &Snapshot{db: e.db.Snapshot()}
		rules, p, err := fn(snap)
		payload = p
		if err != nil {
			return err
		}
		for _, r := range rules {
			if err := e.store.PutDocument(ctx, store.KindRule, r.ID, r); err != nil {
				return err
			}
		}
		txn := e.db.Txn(true)
		for i := range rules {
			r := rules[i]
			r.ScopeKey = r.Scope.Key()
			if err := txn.Insert(tableRules, &r); err != nil {
				txn.Abort()
				return fmt.Errorf("index rule %s: %w", r.ID, err)
			}
		}
		txn.Commit()
		e.generation.Add(1)
		return nil
	}()

	if ruleID == "" && payload != nil {
		ruleID, _ = payload["rule_id"].(string)
	}
	e.recordResult(ctx, actorID, action, ruleID, payload, err)
	return err
}

// prepare validates a rule spec and normalizes its scope.
func (e *Engine) prepare(ctx context.Context, spec model.Rule) (model.Rule, error) {
	r := model.Rule{
		Name:        strings.TrimSpace(spec.Name),
		Description: spec.Description,
		Priority:    spec.Priority,
		Enabled:     spec.Enabled,
		Conditions:  spec.Conditions,
		Actions:     append([]model.Action{}, spec.Actions...),
		Scope:       spec.Scope,
	}
	if r.Name == "" {
		return model.Rule{}, apperr.Validation("rule name is required")
	}
	if err := r.Conditions.Validate(); err != nil {
		return model.Rule{}, apperr.Wrap(apperr.KindValidation, err, "rule %q conditions: %v", r.Name, err)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return model.Rule{}, apperr.Wrap(apperr.KindValidation, err, "rule %q action %d: %v", r.Name, i, err)
		}
	}
	if r.Scope.Entity != "" && e.entities != nil {
		def, err := e.entities.Resolve(ctx, r.Scope.Entity)
		if err != nil {
			return model.Rule{}, err
		}
		r.Scope.Entity = def.ID
	}
	r.ScopeKey = r.Scope.Key()
	return r, nil
}

// checkConflicts applies the conflict policy to candidate against every
// other enabled rule outside its lineage.
func (e *Engine) checkConflicts(ctx context.Context, actorID string, snap *Snapshot, candidate model.Rule) error {
	var found []Conflict
	for _, other := range snap.All() {
		if !other.Enabled || other.ID == candidate.ID || other.Lineage == candidate.Lineage {
			continue
		}
		if c, ok := conflictBetween(candidate, other); ok {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return nil
	}
	if e.policy == PolicyBlock {
		return apperr.New(apperr.KindRuleConflict, "rule %q conflicts with %d enabled rule(s)", candidate.Name, len(found)).
			With("conflicts", found)
	}
	e.logger.Warn("enabling conflicting rule",
		"rule", candidate.Name,
		"conflicts", len(found))
	if _, err := e.audit.Append(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   "rule.conflict",
		Severity: model.SeverityWarning,
		Payload:  map[string]any{"rule": candidate.Name, "conflicts": found},
	}); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "audit rule conflict: %v", err)
	}
	return nil
}

func currentVersion(snap *Snapshot, id string) (model.Rule, error) {
	r, ok := snap.Rule(id)
	if !ok {
		return model.Rule{}, errRuleNotFound(id)
	}
	if r.Retired {
		return model.Rule{}, apperr.Validation("rule %q is retired; edit %q instead", id, r.SupersededBy).
			With("superseded_by", r.SupersededBy)
	}
	return r, nil
}

func errRuleNotFound(id string) *apperr.Error {
	return apperr.NotFound("rule", id)
}

func (e *Engine) recordResult(ctx context.Context, actorID, action, ruleID string, payload map[string]any, opErr error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, set := payload["rule_id"]; !set && ruleID != "" {
		payload["rule_id"] = ruleID
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
		e.logger.Error("audit append failed", "action", action, "rule", ruleID, "error", err)
	}
}
