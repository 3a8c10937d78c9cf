package model

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// FieldError describes why a single field value was rejected.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// dateLayouts are the accepted textual forms of a date field.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

// ParseDate parses a date in any accepted layout and returns it in UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

// Coerce converts a plain JSON value into the Value variant the field declares.
// A nil raw value yields Null; required-ness is checked by the caller.
func Coerce(f FieldDef, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		raw = v.Native()
	}
	if raw == nil {
		return Null{}, nil
	}
	fail := func(format string, args ...any) (Value, error) {
		return nil, FieldError{Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch f.Type {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return fail("expected string, got %T", raw)
		}
		return String(s), nil

	case FieldNumber:
		n, ok := toFloat(raw)
		if !ok {
			return fail("expected number, got %T", raw)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fail("number must be finite")
		}
		return Number(n), nil

	case FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return fail("expected boolean, got %T", raw)
		}
		return Bool(b), nil

	case FieldDate:
		switch t := raw.(type) {
		case time.Time:
			return Date(t.UTC()), nil
		case string:
			parsed, err := ParseDate(t)
			if err != nil {
				return fail("%v", err)
			}
			return Date(parsed), nil
		}
		return fail("expected date string, got %T", raw)

	case FieldReference:
		s, ok := raw.(string)
		if !ok || s == "" {
			return fail("expected record id")
		}
		return Reference(s), nil

	case FieldEnum:
		s, ok := raw.(string)
		if !ok {
			return fail("expected enum string, got %T", raw)
		}
		if !slices.Contains(f.EnumValues, s) {
			return fail("%q is not one of %v", s, f.EnumValues)
		}
		return Enum(s), nil

	case FieldJSON:
		j, err := NewJSON(raw)
		if err != nil {
			return fail("%v", err)
		}
		return j, nil
	}
	return fail("unknown field type %q", f.Type)
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// LiteralValue converts a rule literal (plain JSON) into a Value without a
// declared field type. Strings that parse as RFC 3339 stay strings; comparisons
// against date fields parse them on demand.
func LiteralValue(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Null{}
	case Value:
		return v
	case string:
		return String(v)
	case bool:
		return Bool(v)
	case map[string]any, []any:
		j, err := NewJSON(v)
		if err != nil {
			return Null{}
		}
		return j
	}
	if f, ok := toFloat(raw); ok {
		return Number(f)
	}
	return Null{}
}
