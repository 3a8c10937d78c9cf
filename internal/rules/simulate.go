package rules

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

// DryRun is the outcome of applying matched actions to a copy of a sample.
// Nothing is persisted and no outbound message is queued.
type DryRun struct {
	Evaluation Evaluation          `json:"evaluation"`
	Data       model.Data          `json:"data"`
	Changes    []model.FieldChange `json:"changes"`
	Outbound   []model.Action      `json:"outbound"`
}

// Test evaluates one rule against a sample and applies its actions to a
// copy of the sample's record.
func (e *Engine) Test(ctx context.Context, id string, sample EvalContext) (DryRun, error) {
	r, err := e.Get(id)
	if err != nil {
		return DryRun{}, err
	}
	return dryRun(ctx, []model.Rule{r}, r.Scope.Key(), sample)
}

// SimulateRequest selects the rules and samples of a simulation. When
// RuleIDs is empty the enabled rules of Entity's scope are used.
type SimulateRequest struct {
	Entity  string        `json:"entity,omitempty"`
	RuleIDs []string      `json:"rule_ids,omitempty"`
	Samples []EvalContext `json:"samples"`
}

// Simulate dry-runs a rule set against every sample in order. It stops
// between actions once ctx is cancelled.
func (e *Engine) Simulate(ctx context.Context, req SimulateRequest) ([]DryRun, error) {
	snap := e.Snapshot()
	rules, err := selectRules(snap, req)
	if err != nil {
		return nil, err
	}
	scope := model.Scope{Entity: req.Entity}.Key()
	out := make([]DryRun, 0, len(req.Samples))
	for _, sample := range req.Samples {
		if sample.Entity == "" {
			sample.Entity = req.Entity
		}
		run, err := dryRun(ctx, rules, scope, sample)
		if err != nil {
			return out, err
		}
		out = append(out, run)
	}
	return out, nil
}

func selectRules(snap *Snapshot, req SimulateRequest) ([]model.Rule, error) {
	if len(req.RuleIDs) == 0 {
		return snap.ForScope(req.Entity), nil
	}
	rules := make([]model.Rule, 0, len(req.RuleIDs))
	for _, id := range req.RuleIDs {
		r, ok := snap.Rule(id)
		if !ok {
			return nil, errRuleNotFound(id)
		}
		rules = append(rules, r)
	}
	sortByPriority(rules)
	return rules, nil
}

func dryRun(ctx context.Context, rules []model.Rule, scope string, sample EvalContext) (DryRun, error) {
	ev, err := evaluateRules(rules, scope, sample)
	if err != nil {
		return DryRun{}, apperr.Wrap(apperr.KindValidation, err, "evaluate: %v", err)
	}
	data := sample.Record.Clone()
	if data == nil {
		data = model.Data{}
	}
	run := DryRun{Evaluation: ev, Outbound: []model.Action{}}
	for _, a := range ev.Actions {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		switch a.Type {
		case model.ActionSetField:
			v := model.LiteralValue(a.Value)
			if model.IsNull(v) {
				delete(data, a.Field)
			} else {
				data[a.Field] = v
			}
		case model.ActionEmitEvent, model.ActionCallWebhook:
			run.Outbound = append(run.Outbound, a)
		}
	}
	run.Data = data
	run.Changes = model.Diff(sample.Record, data)
	return run, nil
}

// EvaluateScopes evaluates unrelated scopes in parallel over one snapshot.
// Each scope is evaluated sequentially in priority order.
func (e *Engine) EvaluateScopes(ctx context.Context, contexts map[string]EvalContext) (map[string]Evaluation, error) {
	snap := e.Snapshot()
	results := make([]Evaluation, 0, len(contexts))
	entities := make([]string, 0, len(contexts))
	for entity := range contexts {
		entities = append(entities, entity)
		results = append(results, Evaluation{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := snap.EvaluateAll(entity, contexts[entity])
			if err != nil {
				return err
			}
			results[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Evaluation, len(entities))
	for i, entity := range entities {
		out[entity] = results[i]
	}
	return out, nil
}
