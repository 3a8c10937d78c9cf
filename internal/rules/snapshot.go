package rules

import (
	"cmp"
	"fmt"
	"slices"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/roach88/recordflow/internal/model"
)

const tableRules = "rules"

var ruleSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableRules: {
			Name: tableRules,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"lineage": {
					Name:    "lineage",
					Indexer: &memdb.StringFieldIndex{Field: "Lineage"},
				},
				"scope": {
					Name:    "scope",
					Indexer: &memdb.StringFieldIndex{Field: "ScopeKey"},
				},
			},
		},
	},
}

func newRuleDB() (*memdb.MemDB, error) {
	return memdb.NewMemDB(ruleSchema)
}

// Snapshot is an immutable view of every rule at one point in time.
// Evaluations over one Snapshot never observe concurrent edits.
//
// Thread-safety: Snapshot is safe for concurrent use; every read opens its
// own transaction on the frozen table.
type Snapshot struct {
	db *memdb.MemDB
}

// Rule returns the rule with the given id, retired or not.
func (s *Snapshot) Rule(id string) (model.Rule, bool) {
	obj, err := s.db.Txn(false).First(tableRules, "id", id)
	if err != nil || obj == nil {
		return model.Rule{}, false
	}
	return *obj.(*model.Rule), true
}

// Effective resolves a rule id or lineage id to the lineage's current,
// non-retired rule.
func (s *Snapshot) Effective(ref string) (model.Rule, bool) {
	lineage := ref
	if r, ok := s.Rule(ref); ok {
		lineage = r.Lineage
	}
	for _, r := range s.Lineage(lineage) {
		if !r.Retired {
			return r, true
		}
	}
	return model.Rule{}, false
}

// Lineage returns every version of a lineage ordered by version.
func (s *Snapshot) Lineage(lineage string) []model.Rule {
	out := s.collect("lineage", lineage)
	slices.SortFunc(out, func(a, b model.Rule) int { return cmp.Compare(a.Version, b.Version) })
	return out
}

// All returns every non-retired rule ordered by id.
func (s *Snapshot) All() []model.Rule {
	out := []model.Rule{}
	for _, r := range s.collect("id_prefix", "") {
		if !r.Retired {
			out = append(out, r)
		}
	}
	return out
}

// ForScope returns the enabled rules that apply to entity in evaluation
// order: entity rules and global rules together, lower priority first,
// ties broken by id. An empty entity selects only global rules.
func (s *Snapshot) ForScope(entity string) []model.Rule {
	candidates := s.collect("scope", model.GlobalScopeKey)
	if entity != "" {
		candidates = append(candidates, s.collect("scope", entity)...)
	}
	out := []model.Rule{}
	for _, r := range candidates {
		if r.Enabled && !r.Retired {
			out = append(out, r)
		}
	}
	sortByPriority(out)
	return out
}

// collect panics on a lookup error: Get only fails for an index missing
// from ruleSchema.
func (s *Snapshot) collect(index string, args ...any) []model.Rule {
	out := []model.Rule{}
	it, err := s.db.Txn(false).Get(tableRules, index, args...)
	if err != nil {
		panic(fmt.Sprintf("rules: lookup on index %q: %v", index, err))
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*model.Rule))
	}
	return out
}

func sortByPriority(rules []model.Rule) {
	slices.SortFunc(rules, func(a, b model.Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Evaluation is the outcome of running a scope's rules.
type Evaluation struct {
	Scope     string         `json:"scope"`
	Results   []Result       `json:"results"`
	Actions   []model.Action `json:"actions"`
	StoppedBy string         `json:"stopped_by,omitempty"`
}

// EvaluateAll runs the enabled rules for entity in priority order. Actions
// of matched rules accumulate in order; the first matched rule with a stop
// action ends the evaluation.
func (s *Snapshot) EvaluateAll(entity string, ec EvalContext) (Evaluation, error) {
	return evaluateRules(s.ForScope(entity), model.Scope{Entity: entity}.Key(), ec)
}

func evaluateRules(rules []model.Rule, scope string, ec EvalContext) (Evaluation, error) {
	ev := Evaluation{Scope: scope, Results: []Result{}, Actions: []model.Action{}}
	for _, r := range rules {
		res, err := Evaluate(r, ec)
		if err != nil {
			return ev, err
		}
		ev.Results = append(ev.Results, res)
		if !res.Matched {
			continue
		}
		for _, a := range res.Actions {
			if a.Type != model.ActionStop {
				ev.Actions = append(ev.Actions, a)
			}
		}
		if r.HasStop() {
			ev.StoppedBy = r.ID
			break
		}
	}
	return ev, nil
}

// Guard evaluates the effective rule of a lineage as a transition guard.
// A guard's conditions apply whether or not the rule is enabled for
// automatic evaluation.
func (s *Snapshot) Guard(ref string, ec EvalContext) (bool, model.Rule, error) {
	r, ok := s.Effective(ref)
	if !ok {
		return false, model.Rule{}, errRuleNotFound(ref)
	}
	res, err := Evaluate(r, ec)
	if err != nil {
		return false, r, err
	}
	return res.Matched, r, nil
}
