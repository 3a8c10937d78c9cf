package rules

import (
	"cmp"
	"slices"

	"github.com/roach88/recordflow/internal/model"
)

// Conflict is a pair of rules that can match the same context while
// setting one field to different literal values.
type Conflict struct {
	RuleA  string `json:"rule_a"`
	RuleB  string `json:"rule_b"`
	NameA  string `json:"name_a"`
	NameB  string `json:"name_b"`
	Field  string `json:"field"`
	ValueA any    `json:"value_a"`
	ValueB any    `json:"value_b"`
}

// maxTerms bounds the disjunctive normal form of a condition. Larger trees
// are assumed satisfiable together with anything.
const maxTerms = 64

// DetectConflicts runs the static conflict analysis over every current rule
// in the snapshot. Results are ordered by rule ids and never auto-resolved.
func (s *Snapshot) DetectConflicts() []Conflict {
	all := s.All()
	out := []Conflict{}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if c, ok := conflictBetween(all[i], all[j]); ok {
				out = append(out, c)
			}
		}
	}
	slices.SortFunc(out, func(a, b Conflict) int {
		if c := cmp.Compare(a.RuleA, b.RuleA); c != 0 {
			return c
		}
		return cmp.Compare(a.RuleB, b.RuleB)
	})
	return out
}

// DetectConflicts analyses the current rule set.
func (e *Engine) DetectConflicts() []Conflict {
	return e.Snapshot().DetectConflicts()
}

func conflictBetween(a, b model.Rule) (Conflict, bool) {
	if !scopesOverlap(a.Scope, b.Scope) {
		return Conflict{}, false
	}
	field, va, vb, ok := contradictorySet(a.Actions, b.Actions)
	if !ok {
		return Conflict{}, false
	}
	if !jointlySatisfiable(a.Conditions, b.Conditions) {
		return Conflict{}, false
	}
	if a.ID > b.ID {
		a, b = b, a
		va, vb = vb, va
	}
	return Conflict{
		RuleA:  a.ID,
		RuleB:  b.ID,
		NameA:  a.Name,
		NameB:  b.Name,
		Field:  field,
		ValueA: va,
		ValueB: vb,
	}, true
}

func scopesOverlap(a, b model.Scope) bool {
	return a.IsGlobal() || b.IsGlobal() || a.Entity == b.Entity
}

// contradictorySet finds the first field both action lists set to
// different literal values.
func contradictorySet(a, b []model.Action) (string, any, any, bool) {
	for _, x := range a {
		if x.Type != model.ActionSetField {
			continue
		}
		for _, y := range b {
			if y.Type != model.ActionSetField || y.Field != x.Field {
				continue
			}
			if !equalValues(model.LiteralValue(x.Value), model.LiteralValue(y.Value)) {
				return x.Field, x.Value, y.Value, true
			}
		}
	}
	return "", nil, nil, false
}

// leaf is one comparison of a conjunction. Opaque leaves cannot be
// reasoned about and never make a conjunction unsatisfiable.
type leaf struct {
	field  string
	op     model.CompareOp
	value  model.Value
	opaque bool
}

type term []leaf

func jointlySatisfiable(a, b model.Condition) bool {
	ta, okA := dnf(a, false)
	tb, okB := dnf(b, false)
	if !okA || !okB {
		return true
	}
	for _, x := range ta {
		for _, y := range tb {
			joined := append(append(term{}, x...), y...)
			if satisfiable(joined) {
				return true
			}
		}
	}
	return false
}

// dnf expands c (negated when neg is set) into a disjunction of
// conjunctions. The bool is false when the expansion exceeds maxTerms.
func dnf(c model.Condition, neg bool) ([]term, bool) {
	switch {
	case len(c.All) > 0 && !neg, len(c.Any) > 0 && neg:
		children := c.All
		if neg {
			children = c.Any
		}
		out := []term{{}}
		for _, child := range children {
			sub, ok := dnf(child, neg)
			if !ok {
				return nil, false
			}
			var next []term
			for _, x := range out {
				for _, y := range sub {
					next = append(next, append(append(term{}, x...), y...))
				}
			}
			if len(next) > maxTerms {
				return nil, false
			}
			out = next
		}
		return out, true

	case len(c.Any) > 0, len(c.All) > 0:
		children := c.Any
		if neg {
			children = c.All
		}
		var out []term
		for _, child := range children {
			sub, ok := dnf(child, neg)
			if !ok {
				return nil, false
			}
			out = append(out, sub...)
			if len(out) > maxTerms {
				return nil, false
			}
		}
		return out, true

	case c.Not != nil:
		return dnf(*c.Not, !neg)

	case c.Field == "" && c.Op == "":
		if neg {
			return []term{}, true
		}
		return []term{{}}, true
	}
	return []term{{toLeaf(c, neg)}}, true
}

var negatedOps = map[model.CompareOp]model.CompareOp{
	model.OpEq:  model.OpNe,
	model.OpNe:  model.OpEq,
	model.OpGt:  model.OpLte,
	model.OpLte: model.OpGt,
	model.OpGte: model.OpLt,
	model.OpLt:  model.OpGte,
}

func toLeaf(c model.Condition, neg bool) leaf {
	op, known := c.Op, true
	if neg {
		op, known = negatedOps[c.Op]
	}
	if !known || c.ValueField != "" || c.Value == nil {
		return leaf{field: c.Field, opaque: true}
	}
	switch op {
	case model.OpEq, model.OpNe, model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		return leaf{field: c.Field, op: op, value: model.LiteralValue(c.Value)}
	}
	return leaf{field: c.Field, opaque: true}
}

type bound struct {
	value     model.Value
	inclusive bool
	set       bool
}

// satisfiable checks one conjunction field by field: equalities must agree,
// lie within the bounds and avoid every excluded value, and the bounds
// must leave room.
func satisfiable(t term) bool {
	byField := map[string][]leaf{}
	for _, l := range t {
		if !l.opaque {
			byField[l.field] = append(byField[l.field], l)
		}
	}
	for _, leaves := range byField {
		if !fieldSatisfiable(leaves) {
			return false
		}
	}
	return true
}

func fieldSatisfiable(leaves []leaf) bool {
	var (
		eq       model.Value
		excluded []model.Value
		lo, hi   bound
	)
	for _, l := range leaves {
		switch l.op {
		case model.OpEq:
			if eq != nil && !equalValues(eq, l.value) {
				return false
			}
			eq = l.value
		case model.OpNe:
			excluded = append(excluded, l.value)
		case model.OpGt, model.OpGte:
			lo = tighter(lo, bound{value: l.value, inclusive: l.op == model.OpGte, set: true}, 1)
		case model.OpLt, model.OpLte:
			hi = tighter(hi, bound{value: l.value, inclusive: l.op == model.OpLte, set: true}, -1)
		}
	}

	if lo.set && hi.set {
		n, ok := model.Compare(lo.value, hi.value)
		if ok && (n > 0 || (n == 0 && !(lo.inclusive && hi.inclusive))) {
			return false
		}
		if ok && n == 0 && eq == nil {
			eq = lo.value
		}
	}
	if eq == nil {
		return true
	}
	for _, x := range excluded {
		if equalValues(eq, x) {
			return false
		}
	}
	if lo.set {
		if n, ok := model.Compare(eq, lo.value); ok && (n < 0 || (n == 0 && !lo.inclusive)) {
			return false
		}
	}
	if hi.set {
		if n, ok := model.Compare(eq, hi.value); ok && (n > 0 || (n == 0 && !hi.inclusive)) {
			return false
		}
	}
	return true
}

// tighter keeps the more restrictive of two bounds. dir is 1 for lower
// bounds and -1 for upper bounds.
func tighter(cur, next bound, dir int) bound {
	if !cur.set {
		return next
	}
	n, ok := model.Compare(next.value, cur.value)
	if !ok {
		return cur
	}
	switch {
	case n*dir > 0:
		return next
	case n == 0 && !next.inclusive:
		return next
	}
	return cur
}
