package records

import (
	"context"
	"errors"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// Lock takes the advisory edit lock on a record. Locking a record the actor
// already holds refreshes the lock.
func (s *Service) Lock(ctx context.Context, actorID, id string) (model.Record, error) {
	rec, err := s.setLock(ctx, actorID, id, true, false)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.lock", rec.EntityID, id, err)
		return model.Record{}, err
	}
	return rec, nil
}

// Unlock releases the lock. Only the holder may unlock unless force is set;
// forced unlocks are audited as warnings.
func (s *Service) Unlock(ctx context.Context, actorID, id string, force bool) (model.Record, error) {
	rec, err := s.setLock(ctx, actorID, id, false, force)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.unlock", rec.EntityID, id, err)
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) setLock(ctx context.Context, actorID, id string, lock, force bool) (model.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.load(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Deleted {
		return rec, apperr.Validation("record %q is deleted", id).With("record_id", id)
	}

	holder := rec.LockedBy
	if s.lockExpired(rec) {
		holder = ""
	}

	entry := audit.Entry{
		ActorID:  actorID,
		EntityID: rec.EntityID,
		RecordID: rec.ID,
		Payload:  map[string]any{"previous_holder": holder},
	}
	if lock {
		if holder != "" && holder != actorID {
			return rec, apperr.RecordLocked(id, holder)
		}
		now := s.clock.Now().UTC()
		rec.LockedBy, rec.LockedAt = actorID, &now
		entry.Action = "record.lock"
	} else {
		if holder == "" {
			return rec, nil
		}
		if holder != actorID && !force {
			return rec, apperr.RecordLocked(id, holder)
		}
		rec.LockedBy, rec.LockedAt = "", nil
		entry.Action = "record.unlock"
		if holder != actorID {
			entry.Action = "record.unlock.force"
			entry.Severity = model.SeverityWarning
		}
	}

	if err := s.store.UpdateRecordState(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return rec, apperr.Wrap(apperr.KindVersionConflict, err, "record %q changed while locking", id)
		}
		return rec, err
	}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		return rec, apperr.Wrap(apperr.KindInternal, err, "audit %s for record %q", entry.Action, id)
	}
	if entry.Severity == model.SeverityWarning {
		s.logger.Warn("record lock broken", "record", id, "holder", holder, "actor", actorID)
	}
	return rec, nil
}

func (s *Service) lockExpired(rec model.Record) bool {
	if rec.LockedBy == "" || s.lockTTL <= 0 || rec.LockedAt == nil {
		return false
	}
	return s.clock.Now().Sub(*rec.LockedAt) >= s.lockTTL
}
