package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/store"
)

// Versions returns every version of a record in version order.
func (s *Service) Versions(ctx context.Context, id string) ([]model.RecordVersion, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Versions(ctx, id)
}

// Version returns one version of a record.
func (s *Service) Version(ctx context.Context, id string, version int64) (model.RecordVersion, error) {
	v, err := s.store.Version(ctx, id, version)
	if errors.Is(err, store.ErrNotFound) {
		return model.RecordVersion{}, apperr.NotFound("record version", fmt.Sprintf("%s@%d", id, version))
	}
	return v, err
}

// Diff returns the field changes between versions a and b of a record.
func (s *Service) Diff(ctx context.Context, id string, a, b int64) ([]model.FieldChange, error) {
	va, err := s.Version(ctx, id, a)
	if err != nil {
		return nil, err
	}
	vb, err := s.Version(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return model.Diff(va.Data, vb.Data), nil
}

// Rollback appends a new version whose data equals the target version's.
// The restored data must conform to the latest published schema. Rolling
// back to the same target twice leaves the same data.
func (s *Service) Rollback(ctx context.Context, actorID, id string, target int64) (model.Record, error) {
	rec, err := s.rollback(ctx, actorID, id, target)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.rollback", "", id, err)
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) rollback(ctx context.Context, actorID, id string, target int64) (model.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.writable(ctx, actorID, id)
	if err != nil {
		return model.Record{}, err
	}
	snap, err := s.Version(ctx, id, target)
	if err != nil {
		return model.Record{}, err
	}
	schema, err := s.schemas.PublishedSchema(ctx, rec.EntityID)
	if err != nil {
		return model.Record{}, err
	}
	if errs := registry.Conform(schema, snap.Data); len(errs) > 0 {
		return model.Record{}, validationError(schema, errs).With("target_version", target)
	}
	return s.appendVersion(ctx, actorID, "record.rollback", model.EventRolledBack, rec, schema,
		snap.Data.Clone(), fmt.Sprintf("rolled back to version %d", target))
}
