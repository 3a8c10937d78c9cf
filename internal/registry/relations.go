package registry

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

var (
	relationKinds = []model.RelationKind{model.RelationOneToOne, model.RelationOneToMany, model.RelationManyToMany}
	onDeletes     = []model.OnDelete{model.OnDeleteRestrict, model.OnDeleteCascade, model.OnDeleteSetNull}
)

// prepareRelation validates rel, fills defaults and resolves its target
// (id or name) to an entity id.
func (r *Registry) prepareRelation(all []model.EntityDefinition, def *model.EntityDefinition, rel *model.RelationDef) error {
	rel.Name = strings.TrimSpace(rel.Name)
	if !identPattern.MatchString(rel.Name) {
		return apperr.Validation("relation name %q must match %s", rel.Name, identPattern)
	}
	if rel.Kind == "" {
		rel.Kind = model.RelationOneToMany
	}
	if !slices.Contains(relationKinds, rel.Kind) {
		return apperr.Validation("relation %q has unknown kind %q", rel.Name, rel.Kind)
	}
	if rel.OnDelete == "" {
		rel.OnDelete = model.OnDeleteRestrict
	}
	if !slices.Contains(onDeletes, rel.OnDelete) {
		return apperr.Validation("relation %q has unknown on_delete %q", rel.Name, rel.OnDelete)
	}

	target := rel.TargetEntity
	switch {
	case target == def.ID || strings.EqualFold(target, def.Name):
		rel.TargetEntity = def.ID
	default:
		idx := slices.IndexFunc(all, func(d model.EntityDefinition) bool {
			return !d.Deleted && (d.ID == target || strings.EqualFold(d.Name, target))
		})
		if idx < 0 {
			return apperr.Validation("relation %q targets unknown entity %q", rel.Name, target)
		}
		rel.TargetEntity = all[idx].ID
	}

	if rel.Field != "" {
		f, ok := def.Field(rel.Field)
		if !ok {
			return apperr.Validation("relation %q uses unknown field %q", rel.Name, rel.Field)
		}
		if f.Type != model.FieldReference {
			return apperr.Validation("relation %q field %q must be a reference", rel.Name, rel.Field)
		}
	}
	if rel.ID == "" {
		rel.ID = r.ids.New()
	}
	return nil
}

// DefineRelation adds a relation. It fails with CyclicRelationError when
// the cascade-delete graph would contain a cycle.
func (r *Registry) DefineRelation(ctx context.Context, actorID, entityID string, rel model.RelationDef) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.relation.define", func(all []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		rel.ID = ""
		if slices.ContainsFunc(def.Relations, func(o model.RelationDef) bool { return o.Name == strings.TrimSpace(rel.Name) }) {
			return nil, apperr.Validation("relation %q already exists on %q", rel.Name, def.Name)
		}
		if err := r.prepareRelation(all, def, &rel); err != nil {
			return nil, err
		}
		def.Relations = append(def.Relations, rel)

		graph := make([]model.EntityDefinition, 0, len(all))
		for _, d := range all {
			if d.ID == def.ID {
				d = *def
			}
			graph = append(graph, d)
		}
		if err := checkCascadeCycles(graph); err != nil {
			return map[string]any{"relation": rel.Name, "target": rel.TargetEntity}, err
		}
		return map[string]any{
			"relation":  rel.Name,
			"target":    rel.TargetEntity,
			"on_delete": string(rel.OnDelete),
		}, nil
	})
}

// DeleteRelation removes a relation by id.
func (r *Registry) DeleteRelation(ctx context.Context, actorID, entityID, relationID string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.relation.delete", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.Relations, func(rel model.RelationDef) bool { return rel.ID == relationID })
		if idx < 0 {
			return nil, apperr.NotFound("relation", relationID)
		}
		name := def.Relations[idx].Name
		def.Relations = slices.Delete(def.Relations, idx, idx+1)
		return map[string]any{"relation": name}, nil
	})
}

func (r *Registry) prepareIndex(def *model.EntityDefinition, ix *model.IndexDef) error {
	if len(ix.Fields) == 0 {
		return apperr.Validation("index %q needs at least one field", ix.Name)
	}
	seen := make(map[string]bool, len(ix.Fields))
	for _, name := range ix.Fields {
		f, ok := def.Field(name)
		if !ok {
			return apperr.Validation("index %q uses unknown field %q", ix.Name, name)
		}
		if f.Type == model.FieldJSON {
			return apperr.Validation("index %q cannot cover json field %q", ix.Name, name)
		}
		if seen[name] {
			return apperr.Validation("index %q repeats field %q", ix.Name, name)
		}
		seen[name] = true
	}
	if ix.Name == "" {
		prefix := "idx_"
		if ix.Unique {
			prefix = "uniq_"
		}
		ix.Name = prefix + def.TableName + "_" + strings.Join(ix.Fields, "_")
	}
	if ix.ID == "" {
		ix.ID = r.ids.New()
	}
	return nil
}

// DefineIndex adds an index. Unique indexes are enforced on later record
// writes; existing duplicates are reported by Migrate.
func (r *Registry) DefineIndex(ctx context.Context, actorID, entityID string, ix model.IndexDef) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.index.define", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		ix.ID = ""
		if err := r.prepareIndex(def, &ix); err != nil {
			return nil, err
		}
		if slices.ContainsFunc(def.Indexes, func(o model.IndexDef) bool { return o.Name == ix.Name }) {
			return nil, apperr.Validation("index %q already exists on %q", ix.Name, def.Name)
		}
		def.Indexes = append(def.Indexes, ix)
		return map[string]any{"index": ix.Name, "fields": ix.Fields, "unique": ix.Unique}, nil
	})
}

// DeleteIndex removes an index by id.
func (r *Registry) DeleteIndex(ctx context.Context, actorID, entityID, indexID string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.index.delete", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.Indexes, func(ix model.IndexDef) bool { return ix.ID == indexID })
		if idx < 0 {
			return nil, apperr.NotFound("index", indexID)
		}
		name := def.Indexes[idx].Name
		def.Indexes = slices.Delete(def.Indexes, idx, idx+1)
		return map[string]any{"index": name}, nil
	})
}

// UpdatePermissions replaces the role lists of an entity.
func (r *Registry) UpdatePermissions(ctx context.Context, actorID, entityID string, perms model.Permissions) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.permissions.update", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		def.Permissions = perms
		return map[string]any{"read": perms.Read, "write": perms.Write, "delete": perms.Delete}, nil
	})
}

func (r *Registry) prepareLayout(def *model.EntityDefinition, l *model.Layout) error {
	if strings.TrimSpace(l.Name) == "" {
		return apperr.Validation("layout name is required")
	}
	if l.Kind != model.LayoutView && l.Kind != model.LayoutForm {
		return apperr.Validation("layout %q has unknown kind %q", l.Name, l.Kind)
	}
	for _, name := range l.Fields {
		if _, ok := def.Field(name); !ok {
			return apperr.Validation("layout %q uses unknown field %q", l.Name, name)
		}
	}
	if l.Fields == nil {
		l.Fields = []string{}
	}
	if l.ID == "" {
		l.ID = r.ids.New()
	}
	return nil
}

// AddLayout adds a view or form layout.
func (r *Registry) AddLayout(ctx context.Context, actorID, entityID string, l model.Layout) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.layout.add", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		l.ID = ""
		if err := r.prepareLayout(def, &l); err != nil {
			return nil, err
		}
		def.Layouts = append(def.Layouts, l)
		return map[string]any{"layout": l.Name, "kind": string(l.Kind)}, nil
	})
}

// UpdateLayout replaces a layout by id.
func (r *Registry) UpdateLayout(ctx context.Context, actorID, entityID, layoutID string, l model.Layout) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.layout.update", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.Layouts, func(o model.Layout) bool { return o.ID == layoutID })
		if idx < 0 {
			return nil, apperr.NotFound("layout", layoutID)
		}
		l.ID = layoutID
		if err := r.prepareLayout(def, &l); err != nil {
			return nil, err
		}
		def.Layouts[idx] = l
		return map[string]any{"layout": l.Name}, nil
	})
}

// DeleteLayout removes a layout by id.
func (r *Registry) DeleteLayout(ctx context.Context, actorID, entityID, layoutID string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, entityID, "entity.layout.delete", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		idx := slices.IndexFunc(def.Layouts, func(o model.Layout) bool { return o.ID == layoutID })
		if idx < 0 {
			return nil, apperr.NotFound("layout", layoutID)
		}
		name := def.Layouts[idx].Name
		def.Layouts = slices.Delete(def.Layouts, idx, idx+1)
		return map[string]any{"layout": name}, nil
	})
}
