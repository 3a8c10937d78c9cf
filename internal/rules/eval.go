package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/recordflow/internal/model"
)

// EvalContext is the immutable input of an evaluation. Record holds the
// record's field values; the remaining fields back the $actor, $timestamp,
// $state, $entity and $event variables.
type EvalContext struct {
	Record    model.Data `json:"record"`
	Actor     string     `json:"actor,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	State     string     `json:"state,omitempty"`
	Entity    string     `json:"entity,omitempty"`
	Event     string     `json:"event,omitempty"`
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Priority int            `json:"priority"`
	Matched  bool           `json:"matched"`
	Actions  []model.Action `json:"actions"`
}

// Evaluate reports whether rule's conditions hold in ec and, if so, which
// actions it requests. It has no side effects.
func Evaluate(rule model.Rule, ec EvalContext) (Result, error) {
	res := Result{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Priority: rule.Priority,
		Actions:  []model.Action{},
	}
	ok, err := evalCondition(rule.Conditions, ec)
	if err != nil {
		return res, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	res.Matched = ok
	if ok {
		res.Actions = append(res.Actions, rule.Actions...)
	}
	return res, nil
}

func evalCondition(c model.Condition, ec EvalContext) (bool, error) {
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := evalCondition(child, ec)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := evalCondition(child, ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := evalCondition(*c.Not, ec)
		return !ok, err
	case c.Field == "" && c.Op == "":
		return true, nil
	}
	return compare(c, ec)
}

func compare(c model.Condition, ec EvalContext) (bool, error) {
	left := resolve(c.Field, ec)
	switch c.Op {
	case model.OpExists:
		return !model.IsNull(left), nil
	case model.OpEmpty:
		return model.IsNull(left) || left == model.String(""), nil
	case model.OpIn:
		items, ok := c.Value.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			if equalValues(left, literal(item, left)) {
				return true, nil
			}
		}
		return false, nil
	}

	var right model.Value
	if c.ValueField != "" {
		right = resolve(c.ValueField, ec)
	} else {
		right = literal(c.Value, left)
	}

	switch c.Op {
	case model.OpEq:
		return equalValues(left, right), nil
	case model.OpNe:
		return !equalValues(left, right), nil
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		n, ok := model.Compare(left, right)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case model.OpGt:
			return n > 0, nil
		case model.OpGte:
			return n >= 0, nil
		case model.OpLt:
			return n < 0, nil
		}
		return n <= 0, nil
	case model.OpContains:
		return contains(left, right), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

// resolve reads a record field or a $ context variable. Missing fields are Null.
func resolve(name string, ec EvalContext) model.Value {
	switch name {
	case "$actor":
		return model.String(ec.Actor)
	case "$timestamp":
		return model.Date(ec.Timestamp.UTC())
	case "$state":
		return model.String(ec.State)
	case "$entity":
		return model.String(ec.Entity)
	case "$event":
		return model.String(ec.Event)
	}
	if v, ok := ec.Record[name]; ok && v != nil {
		return v
	}
	return model.Null{}
}

// literal converts a condition literal, parsing date strings when the
// other side of the comparison is a date.
func literal(raw any, against model.Value) model.Value {
	v := model.LiteralValue(raw)
	if _, isDate := against.(model.Date); isDate {
		if s, ok := v.(model.String); ok {
			if t, err := model.ParseDate(string(s)); err == nil {
				return model.Date(t)
			}
		}
	}
	return v
}

// equalValues treats strings, enums and references as interchangeable text.
func equalValues(a, b model.Value) bool {
	if n, ok := model.Compare(a, b); ok {
		return n == 0
	}
	return model.Equal(a, b)
}

func contains(haystack, needle model.Value) bool {
	switch h := haystack.(type) {
	case model.String:
		s, ok := needle.(model.String)
		return ok && strings.Contains(string(h), string(s))
	case model.JSON:
		items, ok := h.Native().([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equalValues(model.LiteralValue(item), needle) {
				return true
			}
		}
	}
	return false
}
