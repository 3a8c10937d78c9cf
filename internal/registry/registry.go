// Package registry stores entity schema definitions.
//
// Definitions are edited as drafts. Publish freezes the draft as the next
// schema version; the record store always validates writes against the
// latest published version and keeps the version each record was written
// under, so historical records are never reinterpreted.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Registry manages entity definitions. Edits are serialized by one lock
// because name uniqueness and cascade analysis span every entity.
type Registry struct {
	store  *store.Store
	audit  *audit.Log
	clock  clock.Clock
	ids    ids.Generator
	logger *slog.Logger

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDs overrides the id generator for entities and their parts.
func WithIDs(g ids.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry.
func New(s *store.Store, log *audit.Log, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		audit:  log,
		clock:  clock.System{},
		ids:    ids.UUIDv7{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the current draft of an entity.
func (r *Registry) Get(ctx context.Context, id string) (model.EntityDefinition, error) {
	var def model.EntityDefinition
	err := r.store.GetDocument(ctx, store.KindEntity, id, &def)
	if errors.Is(err, store.ErrNotFound) {
		return model.EntityDefinition{}, apperr.NotFound("entity", id)
	}
	if err != nil {
		return model.EntityDefinition{}, err
	}
	return def, nil
}

// Resolve finds an entity by id or, failing that, by case-insensitive name.
func (r *Registry) Resolve(ctx context.Context, ref string) (model.EntityDefinition, error) {
	def, err := r.Get(ctx, ref)
	if err == nil || !apperr.Is(err, apperr.KindNotFound) {
		return def, err
	}
	all, err := r.List(ctx, false)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	for _, d := range all {
		if strings.EqualFold(d.Name, ref) {
			return d, nil
		}
	}
	return model.EntityDefinition{}, apperr.NotFound("entity", ref)
}

// List returns every entity draft ordered by id.
func (r *Registry) List(ctx context.Context, includeDeleted bool) ([]model.EntityDefinition, error) {
	docs, err := r.store.ListDocuments(ctx, store.KindEntity)
	if err != nil {
		return nil, err
	}
	out := make([]model.EntityDefinition, 0, len(docs))
	for _, raw := range docs {
		var def model.EntityDefinition
		if err := unmarshalDoc(raw, &def); err != nil {
			return nil, err
		}
		if def.Deleted && !includeDeleted {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// DefineEntity creates a new unpublished entity.
func (r *Registry) DefineEntity(ctx context.Context, actorID string, spec model.EntityDefinition) (model.EntityDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.defineLocked(ctx, spec)
	r.recordResult(ctx, actorID, "entity.define", def.ID, map[string]any{"name": spec.Name}, err)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	r.logger.Info("entity defined", "entity", def.ID, "name", def.Name, "actor", actorID)
	return def, nil
}

func (r *Registry) defineLocked(ctx context.Context, spec model.EntityDefinition) (model.EntityDefinition, error) {
	all, err := r.List(ctx, true)
	if err != nil {
		return model.EntityDefinition{}, err
	}

	def := spec.Clone()
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return model.EntityDefinition{}, apperr.Validation("entity name is required")
	}
	if def.TableName == "" {
		def.TableName = tableNameFor(def.Name)
	}
	if def.ID == "" {
		def.ID = r.ids.New()
	}
	for _, other := range all {
		if other.ID == def.ID {
			return model.EntityDefinition{}, apperr.Validation("entity id %q already exists", def.ID)
		}
	}
	if err := checkNamesUnique(all, def); err != nil {
		return model.EntityDefinition{}, err
	}

	fields := def.Fields
	def.Fields = []model.FieldDef{}
	for _, f := range fields {
		if err := r.addFieldTo(&def, f); err != nil {
			return model.EntityDefinition{}, err
		}
	}
	if def.Relations == nil {
		def.Relations = []model.RelationDef{}
	}
	relNames := make(map[string]bool, len(def.Relations))
	for i := range def.Relations {
		if err := r.prepareRelation(all, &def, &def.Relations[i]); err != nil {
			return model.EntityDefinition{}, err
		}
		if relNames[def.Relations[i].Name] {
			return model.EntityDefinition{}, apperr.Validation("relation %q already exists on %q", def.Relations[i].Name, def.Name)
		}
		relNames[def.Relations[i].Name] = true
	}
	if err := checkCascadeCycles(append(live(all), def)); err != nil {
		return model.EntityDefinition{}, err
	}
	if def.Indexes == nil {
		def.Indexes = []model.IndexDef{}
	}
	for i := range def.Indexes {
		if err := r.prepareIndex(&def, &def.Indexes[i]); err != nil {
			return model.EntityDefinition{}, err
		}
	}
	if def.Layouts == nil {
		def.Layouts = []model.Layout{}
	}
	for i := range def.Layouts {
		if err := r.prepareLayout(&def, &def.Layouts[i]); err != nil {
			return model.EntityDefinition{}, err
		}
	}

	now := r.clock.Now().UTC()
	def.Published = false
	def.Version = 0
	def.Deleted = false
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := r.store.PutDocument(ctx, store.KindEntity, def.ID, def); err != nil {
		return model.EntityDefinition{}, err
	}
	return def, nil
}

// EntityPatch holds the top-level attributes UpdateEntity may change.
// Nil fields are left unchanged.
type EntityPatch struct {
	Name        *string `json:"name,omitempty"`
	TableName   *string `json:"table_name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateEntity changes an entity's name, table name or description.
func (r *Registry) UpdateEntity(ctx context.Context, actorID, id string, patch EntityPatch) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, id, "entity.update", func(all []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return nil, apperr.Validation("entity name is required")
			}
			def.Name = name
		}
		if patch.TableName != nil {
			def.TableName = *patch.TableName
		}
		if patch.Description != nil {
			def.Description = *patch.Description
		}
		if err := checkNamesUnique(all, *def); err != nil {
			return nil, err
		}
		return map[string]any{"name": def.Name, "table_name": def.TableName}, nil
	})
}

// DeleteEntity soft-deletes an entity. System entities, entities that still
// have records and entities other entities relate to cannot be deleted.
func (r *Registry) DeleteEntity(ctx context.Context, actorID, id string) error {
	_, err := r.mutate(ctx, actorID, id, "entity.delete", func(all []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		if def.IsSystem {
			return nil, apperr.Validation("system entity %q cannot be deleted", def.Name)
		}
		n, err := r.store.CountRecords(ctx, def.ID, true)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, apperr.Validation("entity %q still has %d records", def.Name, n).With("records", n)
		}
		for _, other := range all {
			if other.ID == def.ID {
				continue
			}
			for _, rel := range other.Relations {
				if rel.TargetEntity == def.ID {
					return nil, apperr.Validation("entity %q is the target of relation %q on %q", def.Name, rel.Name, other.Name)
				}
			}
		}
		def.Deleted = true
		def.Published = false
		return map[string]any{"name": def.Name}, nil
	})
	return err
}

// CloneEntity copies an entity draft under a new name. The clone is
// unpublished and gets fresh ids for every field, relation, index and layout.
func (r *Registry) CloneEntity(ctx context.Context, actorID, id, newName string) (model.EntityDefinition, error) {
	src, err := r.Get(ctx, id)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	spec := src.Clone()
	spec.ID = ""
	spec.Name = newName
	spec.TableName = ""
	spec.IsSystem = false
	for i := range spec.Fields {
		spec.Fields[i].ID = ""
	}
	for i := range spec.Relations {
		spec.Relations[i].ID = ""
		if spec.Relations[i].TargetEntity == src.ID {
			spec.Relations[i].TargetEntity = ""
		}
	}
	for i := range spec.Indexes {
		spec.Indexes[i].ID = ""
	}
	for i := range spec.Layouts {
		spec.Layouts[i].ID = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.ID == "" {
		spec.ID = r.ids.New()
	}
	// Self relations follow the clone.
	for i := range spec.Relations {
		if spec.Relations[i].TargetEntity == "" {
			spec.Relations[i].TargetEntity = spec.ID
		}
	}
	def, err := r.defineLocked(ctx, spec)
	r.recordResult(ctx, actorID, "entity.clone", def.ID, map[string]any{"source": id, "name": newName}, err)
	return def, err
}

// Publish freezes the draft as the next schema version. It fails with
// CyclicRelationError when cascade deletes would loop.
func (r *Registry) Publish(ctx context.Context, actorID, id string) (model.EntityDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.publishLocked(ctx, actorID, id)
	r.recordResult(ctx, actorID, "entity.publish", id, map[string]any{"version": def.Version}, err)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	r.logger.Info("entity published", "entity", id, "version", def.Version, "actor", actorID)
	return def, nil
}

func (r *Registry) publishLocked(ctx context.Context, actorID, id string) (model.EntityDefinition, error) {
	def, err := r.Get(ctx, id)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	if def.Deleted {
		return model.EntityDefinition{}, apperr.NotFound("entity", id)
	}
	all, err := r.List(ctx, false)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	if err := checkCascadeCycles(all); err != nil {
		return model.EntityDefinition{}, err
	}
	for _, rel := range def.Relations {
		if !slices.ContainsFunc(all, func(d model.EntityDefinition) bool { return d.ID == rel.TargetEntity }) {
			return model.EntityDefinition{}, apperr.Validation("relation %q targets missing entity %q", rel.Name, rel.TargetEntity)
		}
	}

	latest, err := r.store.LatestEntityVersion(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		def.Version = 1
	case err != nil:
		return model.EntityDefinition{}, err
	default:
		def.Version = latest.Version + 1
	}
	def.Published = true
	def.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.PublishEntity(ctx, def, actorID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return model.EntityDefinition{}, apperr.New(apperr.KindVersionConflict, "entity %q version %d already published", id, def.Version)
		}
		return model.EntityDefinition{}, err
	}
	return def, nil
}

// Unpublish stops new record writes for the entity. Published versions stay
// readable.
func (r *Registry) Unpublish(ctx context.Context, actorID, id string) (model.EntityDefinition, error) {
	return r.mutate(ctx, actorID, id, "entity.unpublish", func(_ []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error) {
		if !def.Published {
			return nil, apperr.Validation("entity %q is not published", def.Name)
		}
		def.Published = false
		return map[string]any{"version": def.Version}, nil
	})
}

// PublishedSchema returns the schema new record writes validate against.
// Unpublished and deleted entities reject writes.
func (r *Registry) PublishedSchema(ctx context.Context, ref string) (model.EntityDefinition, error) {
	def, err := r.Resolve(ctx, ref)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	if def.Deleted || !def.Published {
		return model.EntityDefinition{}, apperr.Validation("entity %q is not published", def.Name).With("entity_id", def.ID)
	}
	schema, err := r.store.LatestEntityVersion(ctx, def.ID)
	if err != nil {
		return model.EntityDefinition{}, fmt.Errorf("published schema %s: %w", def.ID, err)
	}
	return schema, nil
}

// SchemaAt returns a historical published schema version.
func (r *Registry) SchemaAt(ctx context.Context, id string, version int) (model.EntityDefinition, error) {
	def, err := r.store.EntityVersion(ctx, id, version)
	if errors.Is(err, store.ErrNotFound) {
		return model.EntityDefinition{}, apperr.NotFound("entity version", fmt.Sprintf("%s@%d", id, version))
	}
	return def, err
}

// editFunc applies one change to a draft and returns the audit payload.
type editFunc func(all []model.EntityDefinition, def *model.EntityDefinition) (map[string]any, error)

// mutate loads a live draft, applies fn to a copy, persists it and audits the
// outcome either way.
func (r *Registry) mutate(ctx context.Context, actorID, id, action string, fn editFunc) (model.EntityDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var payload map[string]any
	def, err := func() (model.EntityDefinition, error) {
		all, err := r.List(ctx, false)
		if err != nil {
			return model.EntityDefinition{}, err
		}
		idx := slices.IndexFunc(all, func(d model.EntityDefinition) bool { return d.ID == id })
		if idx < 0 {
			return model.EntityDefinition{}, apperr.NotFound("entity", id)
		}
		def := all[idx].Clone()
		if payload, err = fn(all, &def); err != nil {
			return model.EntityDefinition{}, err
		}
		def.UpdatedAt = r.clock.Now().UTC()
		if err := r.store.PutDocument(ctx, store.KindEntity, def.ID, def); err != nil {
			return model.EntityDefinition{}, err
		}
		return def, nil
	}()

	r.recordResult(ctx, actorID, action, id, payload, err)
	return def, err
}

// recordResult appends the audit entry for a registry mutation. Failures are
// audited with the error kind and message.
func (r *Registry) recordResult(ctx context.Context, actorID, action, entityID string, payload map[string]any, opErr error) {
	if payload == nil {
		payload = map[string]any{}
	}
	entry := audit.Entry{ActorID: actorID, Action: action, EntityID: entityID, Payload: payload}
	if opErr != nil {
		entry.Outcome = model.OutcomeFailure
		entry.Severity = model.SeverityWarning
		payload["error_kind"] = string(apperr.KindOf(opErr))
		payload["error"] = opErr.Error()
	}
	if _, err := r.audit.Append(ctx, entry); err != nil {
		r.logger.Error("audit append failed", "action", action, "entity", entityID, "error", err)
	}
}

func checkNamesUnique(all []model.EntityDefinition, def model.EntityDefinition) error {
	if !tablePattern.MatchString(def.TableName) {
		return apperr.Validation("table name %q must match %s", def.TableName, tablePattern)
	}
	for _, other := range all {
		if other.ID == def.ID || other.Deleted {
			continue
		}
		if strings.EqualFold(other.Name, def.Name) {
			return apperr.Validation("entity name %q already exists", def.Name).With("existing_id", other.ID)
		}
		if other.TableName == def.TableName {
			return apperr.Validation("table name %q already exists", def.TableName).With("existing_id", other.ID)
		}
	}
	return nil
}

// tableNameFor derives a snake_case table name from an entity name.
func tableNameFor(name string) string {
	var b strings.Builder
	prevUnderscore := true
	for i, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 && !prevUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevUnderscore = false
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if b.Len() == 0 && r <= '9' {
				b.WriteString("t_")
			}
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func live(all []model.EntityDefinition) []model.EntityDefinition {
	out := make([]model.EntityDefinition, 0, len(all))
	for _, d := range all {
		if !d.Deleted {
			out = append(out, d)
		}
	}
	return out
}

func unmarshalDoc(raw json.RawMessage, def *model.EntityDefinition) error {
	if err := json.Unmarshal(raw, def); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	return nil
}
