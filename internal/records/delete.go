package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// dependent is a live record that references a record being deleted.
type dependent struct {
	recordID string
	entityID string
	relation model.RelationDef
}

// Delete tombstones a record. Records that reference it through a relation
// field are handled by the relation's on_delete action: restrict blocks the
// delete, cascade tombstones them after the parent, set_null clears the
// field with a new version. The dependent graph is checked before anything
// is written; a cascade step that still fails reverts the tombstones
// written so far.
func (s *Service) Delete(ctx context.Context, actorID, id string) (model.Record, error) {
	if err := s.checkDelete(ctx, actorID, id); err != nil {
		entityID := ""
		if rec, lerr := s.load(ctx, id); lerr == nil {
			entityID = rec.EntityID
		}
		s.auditFailure(ctx, actorID, "record.delete", entityID, id, err)
		return model.Record{}, err
	}

	c := &cascade{actorID: actorID, visited: map[string]bool{id: true}}
	prev, rec, deps, err := s.deleteOne(ctx, actorID, id, "")
	if err != nil {
		s.auditFailure(ctx, actorID, "record.delete", rec.EntityID, id, err)
		return model.Record{}, err
	}
	c.tombstoned = append(c.tombstoned, prev)
	if err := s.applyDependents(ctx, c, id, deps); err != nil {
		s.undoDeletes(ctx, c)
		s.auditFailure(ctx, actorID, "record.delete", rec.EntityID, id, err)
		return model.Record{}, err
	}
	return rec, nil
}

// cascade tracks one Delete across the dependent graph.
type cascade struct {
	actorID    string
	visited    map[string]bool
	tombstoned []model.Record // pre-delete state, in delete order
}

// checkDelete walks the dependent graph of id without writing. Every record
// a cascade reaches must be writable by actorID and free of restrict
// references, and every record a set_null reaches must be writable.
func (s *Service) checkDelete(ctx context.Context, actorID, id string) error {
	visited := map[string]bool{}
	var clears []dependent
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		next, cleared, err := s.checkDeleteOne(ctx, actorID, cur)
		if err != nil {
			if cur == id {
				return err
			}
			return fmt.Errorf("cascade delete %s: %w", cur, err)
		}
		queue = append(queue, next...)
		clears = append(clears, cleared...)
	}
	for _, d := range clears {
		if visited[d.recordID] {
			continue
		}
		if _, err := s.writable(ctx, actorID, d.recordID); err != nil {
			return fmt.Errorf("set null %s.%s: %w", d.recordID, d.relation.Field, err)
		}
	}
	return nil
}

// checkDeleteOne checks that id can be tombstoned and returns the records a
// cascade reaches next and the references set_null would clear.
func (s *Service) checkDeleteOne(ctx context.Context, actorID, id string) ([]string, []dependent, error) {
	rec, err := s.writable(ctx, actorID, id)
	if err != nil {
		return nil, nil, err
	}
	deps, err := s.dependents(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	var next []string
	var clears []dependent
	for _, d := range deps {
		switch d.relation.OnDelete {
		case model.OnDeleteRestrict:
			return nil, nil, restrictError(id, d)
		case model.OnDeleteCascade:
			next = append(next, d.recordID)
		case model.OnDeleteSetNull:
			clears = append(clears, d)
		}
	}
	return next, clears, nil
}

func restrictError(id string, d dependent) error {
	return apperr.Validation("record %q is referenced by %q through relation %q", id, d.recordID, d.relation.Name).
		With("record_id", id).
		With("referencing_record_id", d.recordID).
		With("relation", d.relation.Name)
}

// deleteOne tombstones id and returns its state before and after.
func (s *Service) deleteOne(ctx context.Context, actorID, id, cascadeFrom string) (model.Record, model.Record, []dependent, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.writable(ctx, actorID, id)
	if err != nil {
		return rec, rec, nil, err
	}
	prev := rec
	deps, err := s.dependents(ctx, rec)
	if err != nil {
		return prev, rec, nil, err
	}
	for _, d := range deps {
		if d.relation.OnDelete == model.OnDeleteRestrict {
			return prev, rec, nil, restrictError(id, d)
		}
	}

	now := s.clock.Now().UTC()
	rec.Deleted, rec.DeletedAt = true, &now
	rec.LockedBy, rec.LockedAt = "", nil
	rec.UpdatedAt = now
	if err := s.store.UpdateRecordState(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return prev, rec, nil, apperr.Wrap(apperr.KindVersionConflict, err, "record %q changed while deleting", id)
		}
		return prev, rec, nil, err
	}

	payload := map[string]any{"version": rec.CurrentVersion}
	if cascadeFrom != "" {
		payload["cascade_from"] = cascadeFrom
	}
	if err := s.commit(ctx, actorID, "record.delete", model.EventDeleted, rec, payload); err != nil {
		return prev, rec, nil, err
	}
	return prev, rec, deps, nil
}

// undoDeletes writes back the pre-delete state of every record the cascade
// tombstoned, newest first. Each revert is audited as record.delete.revert.
func (s *Service) undoDeletes(ctx context.Context, c *cascade) {
	for i := len(c.tombstoned) - 1; i >= 0; i-- {
		prev := c.tombstoned[i]
		unlock := s.locks.Lock(prev.ID)
		err := s.store.UpdateRecordState(ctx, prev)
		unlock()
		if err != nil {
			s.logger.Error("revert of cascade delete failed", "record", prev.ID, "error", err)
			continue
		}
		if err := s.commit(ctx, c.actorID, "record.delete.revert", "", prev, map[string]any{
			"version": prev.CurrentVersion,
		}); err != nil {
			s.logger.Error("revert of cascade delete not audited", "record", prev.ID, "error", err)
		}
	}
}

// dependents lists live records referencing rec through a relation field.
func (s *Service) dependents(ctx context.Context, rec model.Record) ([]dependent, error) {
	defs, err := s.schemas.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []dependent
	for _, def := range defs {
		for _, rel := range def.Relations {
			if rel.TargetEntity != rec.EntityID || rel.Field == "" {
				continue
			}
			refs, err := s.store.ListRecords(ctx, store.RecordQuery{
				EntityID: def.ID,
				Filters:  []store.FieldFilter{{Field: rel.Field, Op: "=", Value: rec.ID}},
			})
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				if ref.ID == rec.ID {
					continue
				}
				out = append(out, dependent{recordID: ref.ID, entityID: def.ID, relation: rel})
			}
		}
	}
	return out, nil
}

func (s *Service) applyDependents(ctx context.Context, c *cascade, parentID string, deps []dependent) error {
	for _, d := range deps {
		if c.visited[d.recordID] {
			continue
		}
		switch d.relation.OnDelete {
		case model.OnDeleteCascade:
			c.visited[d.recordID] = true
			prev, _, next, err := s.deleteOne(ctx, c.actorID, d.recordID, parentID)
			if err != nil {
				return fmt.Errorf("cascade delete %s: %w", d.recordID, err)
			}
			c.tombstoned = append(c.tombstoned, prev)
			if err := s.applyDependents(ctx, c, d.recordID, next); err != nil {
				return err
			}
		case model.OnDeleteSetNull:
			if err := s.clearReference(ctx, c.actorID, d); err != nil {
				return fmt.Errorf("set null %s.%s: %w", d.recordID, d.relation.Field, err)
			}
		}
	}
	return nil
}

func (s *Service) clearReference(ctx context.Context, actorID string, d dependent) error {
	unlock := s.locks.Lock(d.recordID)
	defer unlock()

	rec, err := s.load(ctx, d.recordID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}
	if _, ok := rec.Data[d.relation.Field]; !ok {
		return nil
	}
	schema, err := s.schemaFor(ctx, rec)
	if err != nil {
		return err
	}
	data := rec.Data.Clone()
	delete(data, d.relation.Field)
	_, err = s.appendVersion(ctx, actorID, "record.update", model.EventUpdated, rec, schema, data,
		fmt.Sprintf("cleared %s on delete of referenced record", d.relation.Field))
	return err
}

// schemaFor returns the latest published schema of rec's entity, or the
// draft pinned at rec's schema version when the entity is unpublished.
func (s *Service) schemaFor(ctx context.Context, rec model.Record) (model.EntityDefinition, error) {
	schema, err := s.schemas.PublishedSchema(ctx, rec.EntityID)
	if err == nil {
		return schema, nil
	}
	if !apperr.IsValidation(err) {
		return model.EntityDefinition{}, err
	}
	def, rerr := s.resolveEntity(ctx, rec.EntityID)
	if rerr != nil {
		return model.EntityDefinition{}, rerr
	}
	def.Version = rec.SchemaVersion
	return def, nil
}

// Restore clears a record's tombstone. Unique indexes are re-checked since
// another record may have taken the values meanwhile. Records removed by a
// cascade are not restored.
func (s *Service) Restore(ctx context.Context, actorID, id string) (model.Record, error) {
	rec, err := s.restore(ctx, actorID, id)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.restore", rec.EntityID, id, err)
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) restore(ctx context.Context, actorID, id string) (model.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.load(ctx, id)
	if err != nil {
		return rec, err
	}
	if !rec.Deleted {
		return rec, apperr.Validation("record %q is not deleted", id).With("record_id", id)
	}
	schema, err := s.schemaFor(ctx, rec)
	if err != nil {
		return rec, err
	}

	unlockUnique := s.lockUnique(schema)
	defer unlockUnique()
	if err := s.checkUnique(ctx, schema, rec.ID, rec.Data); err != nil {
		return rec, err
	}

	rec.Deleted, rec.DeletedAt = false, nil
	rec.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateRecordState(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return rec, apperr.Wrap(apperr.KindVersionConflict, err, "record %q changed while restoring", id)
		}
		return rec, err
	}
	if err := s.commit(ctx, actorID, "record.restore", model.EventRestored, rec, map[string]any{
		"version": rec.CurrentVersion,
	}); err != nil {
		return rec, err
	}
	return rec, nil
}
