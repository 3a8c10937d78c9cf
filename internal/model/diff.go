package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Diff returns the field-level changes that turn a into b, ordered by field name.
// Diff is pure: it never touches storage.
func Diff(a, b Data) []FieldChange {
	changes := []FieldChange{}
	union := make(Data, len(a)+len(b))
	for k := range a {
		union[k] = nil
	}
	for k := range b {
		union[k] = nil
	}

	for _, k := range union.SortedKeys() {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			changes = append(changes, FieldChange{Field: k, Op: ChangeRemoved, Before: av})
		case !inA && inB:
			changes = append(changes, FieldChange{Field: k, Op: ChangeAdded, After: bv})
		case !Equal(av, bv):
			changes = append(changes, FieldChange{Field: k, Op: ChangeChanged, Before: av, After: bv})
		}
	}
	return changes
}

// ApplyDiff replays changes onto a copy of base.
// ApplyDiff(a, Diff(a, b)) equals b for any a and b.
func ApplyDiff(base Data, changes []FieldChange) Data {
	out := base.Clone()
	for _, c := range changes {
		switch c.Op {
		case ChangeRemoved:
			delete(out, c.Field)
		case ChangeAdded, ChangeChanged:
			out[c.Field] = c.After
		}
	}
	return out
}

// Summarize renders a short human-readable description of changes.
func Summarize(changes []FieldChange) string {
	if len(changes) == 0 {
		return "no changes"
	}
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		parts = append(parts, fmt.Sprintf("%s %s", c.Op, c.Field))
	}
	return strings.Join(parts, ", ")
}

type fieldChangeJSON struct {
	Field  string   `json:"field"`
	Op     ChangeOp `json:"op"`
	Before any      `json:"before"`
	After  any      `json:"after"`
}

// MarshalJSON renders before and after in plain JSON form.
func (c FieldChange) MarshalJSON() ([]byte, error) {
	out := fieldChangeJSON{Field: c.Field, Op: c.Op}
	if c.Before != nil {
		out.Before = c.Before.Native()
	}
	if c.After != nil {
		out.After = c.After.Native()
	}
	return json.Marshal(out)
}
