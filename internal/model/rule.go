package model

import (
	"fmt"
	"time"
)

// CompareOp is a leaf comparison operator.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNe       CompareOp = "ne"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpIn       CompareOp = "in"
	OpContains CompareOp = "contains"
	OpExists   CompareOp = "exists"
	OpEmpty    CompareOp = "empty"
)

var validOps = map[CompareOp]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true, OpExists: true, OpEmpty: true,
}

// Condition is a boolean expression tree. Exactly one of All, Any, Not or a
// leaf comparison (Field + Op) is set; the zero Condition is always true.
//
// Field names a record field, or a context variable prefixed with "$":
// $actor, $timestamp, $state, $entity, $event. The right-hand side is either
// a literal Value or another field named by ValueField.
type Condition struct {
	All        []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any        []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not        *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op         CompareOp   `json:"op,omitempty" yaml:"op,omitempty"`
	Value      any         `json:"value,omitempty" yaml:"value,omitempty"`
	ValueField string      `json:"value_field,omitempty" yaml:"value_field,omitempty"`
}

// IsZero reports whether c is the empty (always true) condition.
func (c Condition) IsZero() bool {
	return len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil && c.Field == "" && c.Op == ""
}

// Validate checks the tree shape and operators.
func (c Condition) Validate() error {
	set := 0
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Field != "" || c.Op != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("condition node mixes all/any/not/comparison")
	}
	for i, child := range c.All {
		if err := child.Validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i, child := range c.Any {
		if err := child.Validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	if c.Not != nil {
		if err := c.Not.Validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	}
	if c.Field != "" || c.Op != "" {
		if c.Field == "" {
			return fmt.Errorf("comparison requires a field")
		}
		if !validOps[c.Op] {
			return fmt.Errorf("unknown operator %q", c.Op)
		}
	}
	return nil
}

// ActionType enumerates rule and transition actions.
type ActionType string

const (
	ActionSetField    ActionType = "set_field"
	ActionEmitEvent   ActionType = "emit_event"
	ActionCallWebhook ActionType = "call_webhook"
	ActionStop        ActionType = "stop"
)

// Action is an effect requested by a matched rule or a taken transition.
type Action struct {
	Type  ActionType `json:"type" yaml:"type"`
	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Value any        `json:"value,omitempty" yaml:"value,omitempty"`
	Event string     `json:"event,omitempty" yaml:"event,omitempty"`
	URL   string     `json:"url,omitempty" yaml:"url,omitempty"`
}

// Validate checks that the action carries the arguments its type needs.
func (a Action) Validate() error {
	switch a.Type {
	case ActionSetField:
		if a.Field == "" {
			return fmt.Errorf("set_field requires field")
		}
	case ActionEmitEvent:
		if a.Event == "" {
			return fmt.Errorf("emit_event requires event")
		}
	case ActionCallWebhook:
		if a.URL == "" {
			return fmt.Errorf("call_webhook requires url")
		}
	case ActionStop:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Scope limits where a rule applies. An empty Entity is the global scope.
type Scope struct {
	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
}

// GlobalScopeKey is the storage key of the global scope.
const GlobalScopeKey = "*"

// Key returns the storage key of the scope.
func (s Scope) Key() string {
	if s.Entity == "" {
		return GlobalScopeKey
	}
	return s.Entity
}

// IsGlobal reports whether the scope covers every entity.
func (s Scope) IsGlobal() bool { return s.Entity == "" }

// Rule is a versioned business rule. Edits never mutate a stored rule: they
// append a new rule with the same Lineage and retire the previous one.
type Rule struct {
	ID           string    `json:"id" yaml:"id"`
	Lineage      string    `json:"lineage" yaml:"-"`
	Version      int       `json:"version" yaml:"-"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Priority     int       `json:"priority" yaml:"priority"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	Retired      bool      `json:"retired,omitempty" yaml:"-"`
	SupersededBy string    `json:"superseded_by,omitempty" yaml:"-"`
	Conditions   Condition `json:"conditions" yaml:"conditions"`
	Actions      []Action  `json:"actions" yaml:"actions"`
	Scope        Scope     `json:"scope" yaml:"scope"`
	ScopeKey     string    `json:"-" yaml:"-"`
	CreatedBy    string    `json:"created_by,omitempty" yaml:"-"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

// HasStop reports whether the rule's actions include a terminal stop.
func (r *Rule) HasStop() bool {
	for _, a := range r.Actions {
		if a.Type == ActionStop {
			return true
		}
	}
	return false
}
