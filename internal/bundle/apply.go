package bundle

import (
	"context"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/workflow"
)

// Item actions.
const (
	ActionCreated   = "created"
	ActionExists    = "exists"
	ActionPublished = "published"
	ActionFailed    = "failed"
)

// Item is the outcome for one definition of a bundle.
type Item struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of applying a bundle.
type Result struct {
	Files  int    `json:"files"`
	Items  []Item `json:"items"`
	Failed int    `json:"failed"`
}

func (r *Result) add(item Item) {
	if item.Action == ActionFailed {
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

// Count returns the number of items with the given action.
func (r *Result) Count(action string) int {
	n := 0
	for _, it := range r.Items {
		if it.Action == action {
			n++
		}
	}
	return n
}

// Failures returns the failed items.
func (r *Result) Failures() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Action == ActionFailed {
			out = append(out, it)
		}
	}
	return out
}

// Target is where a bundle is applied.
type Target struct {
	Registry  *registry.Registry
	Rules     *rules.Engine
	Workflows *workflow.Engine
}

// Apply defines every definition of b: entities, then rules, then
// workflows. Definitions whose name already exists are skipped. A
// transition guard naming a rule is resolved to the rule's id. Failures are
// collected unless failFast is set.
func Apply(ctx context.Context, t Target, actor string, b *Bundle, failFast bool) Result {
	var res Result
	stop := func(item Item) bool {
		res.add(item)
		return failFast && item.Action == ActionFailed
	}

	for _, spec := range b.Entities {
		if stop(applyEntity(ctx, t, actor, spec)) {
			return res
		}
	}

	ruleIDs := make(map[string]string)
	for _, r := range t.Rules.List() {
		ruleIDs[r.Name] = r.ID
	}
	for _, spec := range b.Rules {
		item := Item{Kind: "rule", Name: spec.Name}
		if id, ok := ruleIDs[spec.Name]; ok {
			item.ID, item.Action = id, ActionExists
		} else if r, err := t.Rules.Create(ctx, actor, spec); err != nil {
			item.Action, item.Error = ActionFailed, err.Error()
		} else {
			ruleIDs[r.Name] = r.ID
			item.ID, item.Action = r.ID, ActionCreated
		}
		if stop(item) {
			return res
		}
	}

	for _, spec := range b.Workflows {
		def := spec.WorkflowDefinition
		def.Transitions = make([]model.Transition, len(spec.Transitions))
		for i, tr := range spec.Transitions {
			if id, ok := ruleIDs[tr.GuardRuleID]; ok {
				tr.GuardRuleID = id
			}
			def.Transitions[i] = tr
		}
		if stop(applyWorkflow(ctx, t, actor, def, spec.Publish)) {
			return res
		}
	}
	return res
}

func applyEntity(ctx context.Context, t Target, actor string, spec EntitySpec) Item {
	item := Item{Kind: "entity", Name: spec.Name}
	def, err := t.Registry.Resolve(ctx, spec.Name)
	switch {
	case err == nil:
		item.ID, item.Action = def.ID, ActionExists
		return item
	case !apperr.IsNotFound(err):
		item.Action, item.Error = ActionFailed, err.Error()
		return item
	}
	def, err = t.Registry.DefineEntity(ctx, actor, spec.EntityDefinition)
	if err != nil {
		item.Action, item.Error = ActionFailed, err.Error()
		return item
	}
	item.ID, item.Action = def.ID, ActionCreated
	if spec.Publish {
		if _, err := t.Registry.Publish(ctx, actor, def.ID); err != nil {
			item.Action, item.Error = ActionFailed, err.Error()
			return item
		}
		item.Action = ActionPublished
	}
	return item
}

func applyWorkflow(ctx context.Context, t Target, actor string, spec model.WorkflowDefinition, publish bool) Item {
	item := Item{Kind: "workflow", Name: spec.Name}
	def, err := t.Workflows.Resolve(ctx, spec.Name)
	switch {
	case err == nil:
		item.ID, item.Action = def.ID, ActionExists
		return item
	case !apperr.IsNotFound(err):
		item.Action, item.Error = ActionFailed, err.Error()
		return item
	}
	def, err = t.Workflows.Define(ctx, actor, spec)
	if err != nil {
		item.Action, item.Error = ActionFailed, err.Error()
		return item
	}
	item.ID, item.Action = def.ID, ActionCreated
	if publish {
		if _, err := t.Workflows.Publish(ctx, actor, def.ID); err != nil {
			item.Action, item.Error = ActionFailed, err.Error()
			return item
		}
		item.Action = ActionPublished
	}
	return item
}
