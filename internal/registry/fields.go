package registry

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

// addFieldTo validates f and appends it to def with the next order.
func (r *Registry) addFieldTo(def *model.EntityDefinition, f model.FieldDef) error {
	f.Name = strings.TrimSpace(f.Name)
	if err := validateField(f); err != nil {
		return err
	}
	if _, exists := def.Field(f.Name); exists {
		return apperr.Validation("field %q already exists on %q", f.Name, def.Name).With("field", f.Name)
	}
	if f.ID == "" {
		f.ID = r.ids.New()
	}
	if _, _, exists := def.FieldByID(f.ID); exists {
		return apperr.Validation("field id %q already exists on %q", f.ID, def.Name)
	}
	f.Order = len(def.Fields)
	def.Fields = append(def.Fields, f)
	return nil
}

func validateField(f model.FieldDef) error {
	if f.Name == "" {
		return apperr.Validation("field name is required")
	}
	if !identPattern.MatchString(f.Name) {
		return apperr.Validation("field name %q must match %s", f.Name, identPattern).With("field", f.Name)
	}
	if !f.Type.IsValid() {
		return apperr.New(apperr.KindInvalidFieldType, "field %q has unsupported type %q", f.Name, f.Type).
			With("field", f.Name).
			With("type", string(f.Type)).
			With("valid_types", model.ValidFieldTypes)
	}
	if f.Type == model.FieldEnum {
		if len(f.EnumValues) == 0 {
			return apperr.Validation("enum field %q needs at least one value", f.Name).With("field", f.Name)
		}
		seen := make(map[string]bool, len(f.EnumValues))
		for _, v := range f.EnumValues {
			if seen[v] {
				return apperr.Validation("enum field %q repeats value %q", f.Name, v).With("field", f.Name)
			}
			seen[v] = true
		}
	} else if len(f.EnumValues) > 0 {
		return apperr.Validation("field %q is not an enum but declares enum values", f.Name).With("field", f.Name)
	}
	if f.DefaultValue != nil {
		if _, err := model.Coerce(f, f.DefaultValue); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "default value of %q: %v", f.Name, err).With("field", f.Name)
		}
	}
	return nil
}

// AddField appends a field to the entity draft.
func (r *Registry) AddField(ctx context.Context, actorID, entityID string, f model.FieldDef) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.field.add", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		if err := r.addFieldTo(def, f); err != nil {
			return map[string]any{"field": f.Name}, err
		}
		added := def.Fields[len(def.Fields)-1]
		return map[string]any{"field": added.Name, "field_id": added.ID, "type": string(added.Type)}, nil
	})
}

// FieldPatch holds the field attributes UpdateField may change.
// Nil fields are left unchanged.
type FieldPatch struct {
	Name         *string          `json:"name,omitempty"`
	Type         *model.FieldType `json:"type,omitempty"`
	Required     *bool            `json:"required,omitempty"`
	DefaultValue *any             `json:"default_value,omitempty"`
	EnumValues   *[]string        `json:"enum_values,omitempty"`
	RefEntity    *string          `json:"ref_entity,omitempty"`
}

// UpdateField changes a field definition. Renaming a field or changing its
// type fails with FieldInUseError while live records hold data in it.
func (r *Registry) UpdateField(ctx context.Context, actorID, entityID, fieldID string, patch FieldPatch) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.field.update", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		old, idx, ok := def.FieldByID(fieldID)
		if !ok {
			return nil, apperr.NotFound("field", fieldID)
		}
		f := old
		if patch.Name != nil {
			f.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Type != nil {
			f.Type = *patch.Type
		}
		if patch.Required != nil {
			f.Required = *patch.Required
		}
		if patch.DefaultValue != nil {
			f.DefaultValue = *patch.DefaultValue
		}
		if patch.EnumValues != nil {
			f.EnumValues = *patch.EnumValues
		}
		if patch.RefEntity != nil {
			f.RefEntity = *patch.RefEntity
		}
		if err := validateField(f); err != nil {
			return nil, err
		}
		if f.Name != old.Name {
			if _, clash := def.Field(f.Name); clash {
				return nil, apperr.Validation("field %q already exists on %q", f.Name, def.Name)
			}
		}
		if f.Name != old.Name || f.Type != old.Type {
			if err := r.checkFieldUnused(ctx, def, old); err != nil {
				return nil, err
			}
		}
		def.Fields[idx] = f
		return map[string]any{"field_id": fieldID, "field": f.Name, "previous": old.Name}, nil
	})
}

// DeleteField removes a field. It fails with FieldInUseError while live
// records hold non-null data in the field or an index or relation uses it.
// Layouts drop the field silently.
func (r *Registry) DeleteField(ctx context.Context, actorID, entityID, fieldID string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.field.delete", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		f, idx, ok := def.FieldByID(fieldID)
		if !ok {
			return nil, apperr.NotFound("field", fieldID)
		}
		for _, ix := range def.Indexes {
			if slices.Contains(ix.Fields, f.Name) {
				return nil, fieldInUse(def, f, "index", ix.Name)
			}
		}
		for _, rel := range def.Relations {
			if rel.Field == f.Name {
				return nil, fieldInUse(def, f, "relation", rel.Name)
			}
		}
		if err := r.checkFieldUnused(ctx, def, f); err != nil {
			return nil, err
		}

		def.Fields = slices.Delete(def.Fields, idx, idx+1)
		renumber(def.Fields)
		for i := range def.Layouts {
			def.Layouts[i].Fields = slices.DeleteFunc(def.Layouts[i].Fields, func(name string) bool { return name == f.Name })
		}
		return map[string]any{"field_id": fieldID, "field": f.Name}, nil
	})
}

func (r *Registry) checkFieldUnused(ctx context.Context, def *model.EntityDefinition, f model.FieldDef) error {
	n, err := r.store.CountFieldInUse(ctx, def.ID, f.Name)
	if err != nil {
		return err
	}
	if n > 0 {
		return fieldInUse(def, f, "records", "").With("records", n)
	}
	return nil
}

func fieldInUse(def *model.EntityDefinition, f model.FieldDef, usedBy, name string) *apperr.Error {
	msg := "field %q of %q is used by " + usedBy
	args := []any{f.Name, def.Name}
	if name != "" {
		msg += " %q"
		args = append(args, name)
	}
	return apperr.New(apperr.KindFieldInUse, msg, args...).With("field", f.Name).With("used_by", usedBy)
}

// ReorderFields sets the display order. fieldIDs must be a permutation of
// the entity's field ids.
func (r *Registry) ReorderFields(ctx context.Context, actorID, entityID string, fieldIDs []string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.field.reorder", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		if len(fieldIDs) != len(def.Fields) {
			return nil, apperr.Validation("reorder needs all %d field ids, got %d", len(def.Fields), len(fieldIDs))
		}
		ordered := make([]model.FieldDef, 0, len(fieldIDs))
		seen := make(map[string]bool, len(fieldIDs))
		for _, id := range fieldIDs {
			f, _, ok := def.FieldByID(id)
			if !ok {
				return nil, apperr.NotFound("field", id)
			}
			if seen[id] {
				return nil, apperr.Validation("field id %q repeated", id)
			}
			seen[id] = true
			ordered = append(ordered, f)
		}
		def.Fields = ordered
		renumber(def.Fields)
		return map[string]any{"order": fieldIDs}, nil
	})
}

// MoveField moves one field to position (0-based), shifting the others.
func (r *Registry) MoveField(ctx context.Context, actorID, entityID, fieldID string, position int) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.field.move", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		f, idx, ok := def.FieldByID(fieldID)
		if !ok {
			return nil, apperr.NotFound("field", fieldID)
		}
		if position < 0 || position >= len(def.Fields) {
			return nil, apperr.Validation("position %d out of range [0,%d)", position, len(def.Fields))
		}
		def.Fields = slices.Delete(def.Fields, idx, idx+1)
		def.Fields = slices.Insert(def.Fields, position, f)
		renumber(def.Fields)
		return map[string]any{"field_id": fieldID, "from": idx, "to": position}, nil
	})
}

func renumber(fields []model.FieldDef) {
	for i := range fields {
		fields[i].Order = i
	}
}
