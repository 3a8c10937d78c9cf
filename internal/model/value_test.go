package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTaggedRoundTrip(t *testing.T) {
	data := Data{
		"total":  Number(120),
		"status": Enum("open"),
		"placed": Date(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		"meta":   JSON(`{"a":1}`),
		"gone":   Null{},
	}

	b, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"total":{"t":"number","v":120}`)

	var decoded Data
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.True(t, EqualData(data, decoded))
}

func TestUnmarshalValueRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalValue([]byte(`{"t":"blob","v":1}`))
	assert.Error(t, err)
}

func TestEqualTreatsNilAsNull(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.False(t, Equal(String("1"), Number(1)))
	assert.True(t, Equal(
		Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Date(time.Date(2024, 1, 1, 1, 0, 0, 0, time.FixedZone("x", 3600))),
	))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(Number(1), Number(2))
	require.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = Compare(Enum("b"), String("a"))
	require.True(t, ok)
	assert.Equal(t, 1, c)

	_, ok = Compare(Number(1), String("1"))
	assert.False(t, ok)
}

func TestCoerce(t *testing.T) {
	status := FieldDef{Name: "status", Type: FieldEnum, EnumValues: []string{"open", "closed"}}

	v, err := Coerce(status, "open")
	require.NoError(t, err)
	assert.Equal(t, Enum("open"), v)

	_, err = Coerce(status, "archived")
	var fe FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "status", fe.Field)

	v, err = Coerce(FieldDef{Name: "total", Type: FieldNumber}, json.Number("99.5"))
	require.NoError(t, err)
	assert.Equal(t, Number(99.5), v)

	_, err = Coerce(FieldDef{Name: "total", Type: FieldNumber}, "99.5")
	assert.Error(t, err)

	v, err = Coerce(FieldDef{Name: "due", Type: FieldDate}, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, KindDate, v.Kind())

	v, err = Coerce(FieldDef{Name: "x", Type: FieldString}, nil)
	require.NoError(t, err)
	assert.True(t, IsNull(v))
}

func TestDiffReconstructsTarget(t *testing.T) {
	a := Data{"total": Number(99.5), "status": Enum("open"), "note": String("x")}
	b := Data{"total": Number(120), "status": Enum("open"), "owner": Reference("u1")}

	changes := Diff(a, b)
	require.Len(t, changes, 3)
	assert.Equal(t, "note", changes[0].Field)
	assert.Equal(t, ChangeRemoved, changes[0].Op)
	assert.Equal(t, "owner", changes[1].Field)
	assert.Equal(t, ChangeAdded, changes[1].Op)
	assert.Equal(t, "total", changes[2].Field)
	assert.Equal(t, ChangeChanged, changes[2].Op)

	assert.True(t, EqualData(b, ApplyDiff(a, changes)))
	assert.Len(t, a, 3, "ApplyDiff must not mutate its input")
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	a := Data{"total": Number(1)}
	assert.Empty(t, Diff(a, a.Clone()))
	assert.Equal(t, "no changes", Summarize(nil))
}

func TestFieldChangeJSONIsPlain(t *testing.T) {
	b, err := json.Marshal(FieldChange{Field: "total", Op: ChangeChanged, Before: Number(1), After: Number(2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"field":"total","op":"changed","before":1,"after":2}`, string(b))
}

func TestSnapshotHashIgnoresKeyOrder(t *testing.T) {
	a := Data{"a": Number(1), "b": String("x")}
	b := Data{"b": String("x"), "a": Number(1)}
	assert.Equal(t, MustSnapshotHash(a), MustSnapshotHash(b))
	assert.NotEqual(t, MustSnapshotHash(a), MustSnapshotHash(Data{"a": Number(2), "b": String("x")}))
}

func TestInitialStateIsFirstWithoutIncoming(t *testing.T) {
	wf := WorkflowDefinition{
		States: []State{{Name: "review"}, {Name: "draft"}, {Name: "approved"}},
		Transitions: []Transition{
			{ID: "t1", From: "draft", To: "review"},
			{ID: "t2", From: "review", To: "approved"},
		},
	}
	initial, ok := wf.InitialState()
	require.True(t, ok)
	assert.Equal(t, "draft", initial)
	assert.True(t, wf.IsTerminal("approved"))
	assert.False(t, wf.IsTerminal("draft"))
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, Condition{}.Validate())
	assert.NoError(t, Condition{All: []Condition{{Field: "total", Op: OpGt, Value: 0.0}}}.Validate())
	assert.Error(t, Condition{Field: "total", Op: "between"}.Validate())
	assert.Error(t, Condition{Field: "x", Op: OpEq, All: []Condition{{}}}.Validate())
}
