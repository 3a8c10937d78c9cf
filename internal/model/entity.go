package model

import "time"

// FieldType is the declared type of an entity field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldReference FieldType = "reference"
	FieldEnum      FieldType = "enum"
	FieldJSON      FieldType = "json"
)

// ValidFieldTypes lists every supported field type.
var ValidFieldTypes = []FieldType{
	FieldString, FieldNumber, FieldBoolean, FieldDate, FieldReference, FieldEnum, FieldJSON,
}

// IsValid reports whether t is a supported field type.
func (t FieldType) IsValid() bool {
	for _, v := range ValidFieldTypes {
		if v == t {
			return true
		}
	}
	return false
}

// FieldDef describes one field of an entity.
type FieldDef struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Type         FieldType `json:"type" yaml:"type"`
	Required     bool      `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue any       `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Order        int       `json:"order" yaml:"order"`
	EnumValues   []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	RefEntity    string    `json:"ref_entity,omitempty" yaml:"ref_entity,omitempty"`
}

// RelationKind is the cardinality of a relation.
type RelationKind string

const (
	RelationOneToOne   RelationKind = "one_to_one"
	RelationOneToMany  RelationKind = "one_to_many"
	RelationManyToMany RelationKind = "many_to_many"
)

// OnDelete is the referential action applied when the related record is deleted.
type OnDelete string

const (
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteCascade  OnDelete = "cascade"
	OnDeleteSetNull  OnDelete = "set_null"
)

// RelationDef links an entity to a target entity.
type RelationDef struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	TargetEntity string       `json:"target_entity" yaml:"target_entity"`
	Kind         RelationKind `json:"kind" yaml:"kind"`
	OnDelete     OnDelete     `json:"on_delete" yaml:"on_delete"`
	Field        string       `json:"field,omitempty" yaml:"field,omitempty"`
}

// IndexDef declares an index over one or more fields.
// Unique indexes are enforced by the record store.
type IndexDef struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Permissions lists the roles allowed to read, write and delete records.
// An empty list allows every authenticated actor.
type Permissions struct {
	Read   []string `json:"read,omitempty" yaml:"read,omitempty"`
	Write  []string `json:"write,omitempty" yaml:"write,omitempty"`
	Delete []string `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// LayoutKind distinguishes list views from edit forms.
type LayoutKind string

const (
	LayoutView LayoutKind = "view"
	LayoutForm LayoutKind = "form"
)

// Layout is a named arrangement of fields shown by the admin UI.
type Layout struct {
	ID     string     `json:"id" yaml:"id"`
	Kind   LayoutKind `json:"kind" yaml:"kind"`
	Name   string     `json:"name" yaml:"name"`
	Fields []string   `json:"fields" yaml:"fields"`
}

// EntityDefinition is the schema of a record type. The registry edits a
// draft; Publish freezes the draft as schema version Version.
type EntityDefinition struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	TableName   string        `json:"table_name" yaml:"table_name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []FieldDef    `json:"fields" yaml:"fields"`
	Relations   []RelationDef `json:"relations" yaml:"relations"`
	Indexes     []IndexDef    `json:"indexes" yaml:"indexes"`
	Permissions Permissions   `json:"permissions" yaml:"permissions"`
	Layouts     []Layout      `json:"layouts" yaml:"layouts"`
	IsSystem    bool          `json:"is_system,omitempty" yaml:"is_system,omitempty"`
	Published   bool          `json:"published" yaml:"-"`
	Version     int           `json:"version" yaml:"-"`
	Deleted     bool          `json:"deleted,omitempty" yaml:"-"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"-"`
}

// Field returns the field with the given name.
func (e *EntityDefinition) Field(name string) (FieldDef, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldByID returns the field with the given id.
func (e *EntityDefinition) FieldByID(id string) (FieldDef, int, bool) {
	for i, f := range e.Fields {
		if f.ID == id {
			return f, i, true
		}
	}
	return FieldDef{}, -1, false
}

// Clone returns a deep copy of the definition.
func (e EntityDefinition) Clone() EntityDefinition {
	out := e
	out.Fields = make([]FieldDef, len(e.Fields))
	for i, f := range e.Fields {
		f.EnumValues = append([]string(nil), f.EnumValues...)
		out.Fields[i] = f
	}
	out.Relations = append([]RelationDef{}, e.Relations...)
	out.Indexes = make([]IndexDef, len(e.Indexes))
	for i, ix := range e.Indexes {
		ix.Fields = append([]string(nil), ix.Fields...)
		out.Indexes[i] = ix
	}
	out.Permissions = Permissions{
		Read:   append([]string(nil), e.Permissions.Read...),
		Write:  append([]string(nil), e.Permissions.Write...),
		Delete: append([]string(nil), e.Permissions.Delete...),
	}
	out.Layouts = make([]Layout, len(e.Layouts))
	for i, l := range e.Layouts {
		l.Fields = append([]string(nil), l.Fields...)
		out.Layouts[i] = l
	}
	return out
}
