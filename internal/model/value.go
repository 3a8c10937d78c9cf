package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf16"
)

// ValueKind names a Value variant. Kinds line up with field types.
type ValueKind string

const (
	KindNull      ValueKind = "null"
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBool      ValueKind = "boolean"
	KindDate      ValueKind = "date"
	KindReference ValueKind = "reference"
	KindEnum      ValueKind = "enum"
	KindJSON      ValueKind = "json"
)

// Value is a sealed interface for record field values.
// Only the variant types declared in this file implement it.
type Value interface {
	Kind() ValueKind
	// Native returns the plain JSON form handed to HTTP clients.
	Native() any
	value()
}

// Null is an explicitly empty field.
type Null struct{}

func (Null) Kind() ValueKind { return KindNull }
func (Null) Native() any     { return nil }
func (Null) value()          {}

// String is free text.
type String string

func (String) Kind() ValueKind { return KindString }
func (s String) Native() any   { return string(s) }
func (String) value()          {}

// Number is an IEEE-754 double. NaN and infinities are rejected at coercion.
type Number float64

func (Number) Kind() ValueKind { return KindNumber }
func (n Number) Native() any   { return float64(n) }
func (Number) value()          {}

// Bool is a boolean flag.
type Bool bool

func (Bool) Kind() ValueKind { return KindBool }
func (b Bool) Native() any   { return bool(b) }
func (Bool) value()          {}

// Date is a UTC instant.
type Date time.Time

func (Date) Kind() ValueKind { return KindDate }
func (d Date) Native() any   { return d.Time().Format(time.RFC3339Nano) }
func (Date) value()          {}

// Time returns the instant in UTC.
func (d Date) Time() time.Time { return time.Time(d).UTC() }

// Reference holds the id of another record.
type Reference string

func (Reference) Kind() ValueKind { return KindReference }
func (r Reference) Native() any   { return string(r) }
func (Reference) value()          {}

// Enum is one member of a field's declared enum values.
type Enum string

func (Enum) Kind() ValueKind { return KindEnum }
func (e Enum) Native() any   { return string(e) }
func (Enum) value()          {}

// JSON holds an arbitrary JSON document as canonical text.
type JSON string

func (JSON) Kind() ValueKind { return KindJSON }
func (JSON) value()          {}

func (j JSON) Native() any {
	var v any
	if err := json.Unmarshal([]byte(j), &v); err != nil {
		return string(j)
	}
	return v
}

// NewJSON canonicalizes v and wraps it as a JSON value.
func NewJSON(v any) (JSON, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return JSON(b), nil
}

// taggedValue is the storage form of a Value: {"t":"number","v":99.5}.
type taggedValue struct {
	T ValueKind       `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalValue encodes v in tagged storage form.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		v = Null{}
	}
	var raw []byte
	var err error
	switch val := v.(type) {
	case Null:
		return json.Marshal(taggedValue{T: KindNull})
	case String:
		raw, err = json.Marshal(string(val))
	case Number:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not representable", f)
		}
		raw, err = json.Marshal(f)
	case Bool:
		raw, err = json.Marshal(bool(val))
	case Date:
		raw, err = json.Marshal(val.Time().Format(time.RFC3339Nano))
	case Reference:
		raw, err = json.Marshal(string(val))
	case Enum:
		raw, err = json.Marshal(string(val))
	case JSON:
		raw = []byte(val)
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{T: v.Kind(), V: raw})
}

// UnmarshalValue decodes the tagged storage form.
func UnmarshalValue(data []byte) (Value, error) {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, err
	}
	switch tv.T {
	case KindNull:
		return Null{}, nil
	case KindString, KindReference, KindEnum, KindDate:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, fmt.Errorf("%s value: %w", tv.T, err)
		}
		switch tv.T {
		case KindString:
			return String(s), nil
		case KindReference:
			return Reference(s), nil
		case KindEnum:
			return Enum(s), nil
		default:
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("date value: %w", err)
			}
			return Date(t.UTC()), nil
		}
	case KindNumber:
		var f float64
		if err := json.Unmarshal(tv.V, &f); err != nil {
			return nil, fmt.Errorf("number value: %w", err)
		}
		return Number(f), nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(tv.V, &b); err != nil {
			return nil, fmt.Errorf("boolean value: %w", err)
		}
		return Bool(b), nil
	case KindJSON:
		var v any
		if err := json.Unmarshal(tv.V, &v); err != nil {
			return nil, fmt.Errorf("json value: %w", err)
		}
		return NewJSON(v)
	default:
		return nil, fmt.Errorf("unknown value kind %q", tv.T)
	}
}

// Equal reports whether two values have the same kind and content.
// A nil Value is treated as Null.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Date:
		return av.Time().Equal(b.(Date).Time())
	default:
		return a == b
	}
}

// Compare orders two values of comparable kinds.
// Strings, enums and references compare lexically; numbers and dates by magnitude.
// The second return is false when the kinds cannot be ordered against each other.
func Compare(a, b Value) (int, bool) {
	switch av := a.(type) {
	case Number:
		bv, ok := b.(Number)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case Date:
		bv, ok := b.(Date)
		if !ok {
			return 0, false
		}
		return av.Time().Compare(bv.Time()), true
	case String, Enum, Reference:
		as, aok := textOf(a)
		bs, bok := textOf(b)
		if !aok || !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	case Bool:
		bv, ok := b.(Bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func textOf(v Value) (string, bool) {
	switch t := v.(type) {
	case String:
		return string(t), true
	case Enum:
		return string(t), true
	case Reference:
		return string(t), true
	}
	return "", false
}

// IsNull reports whether v is absent or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Data is a record's field map. Use SortedKeys() for deterministic iteration.
type Data map[string]Value

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (d Data) SortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Native converts the map to plain JSON values for API responses.
func (d Data) Native() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = v.Native()
	}
	return out
}

// EqualData reports whether two maps hold the same fields and values.
func EqualData(a, b Data) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the map with sorted keys and tagged values.
func (d Data) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalValue(d[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the tagged storage form.
func (d *Data) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = make(Data, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("data key %q: %w", k, err)
		}
		(*d)[k] = val
	}
	return nil
}

// compareKeysRFC8785 compares strings by UTF-16 code units as RFC 8785 requires.
// Go's default string comparison uses UTF-8 bytes which orders differently.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
