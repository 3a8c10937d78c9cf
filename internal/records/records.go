// Package records implements versioned record storage.
//
// Writes are serialized per record by an in-process lock and guarded in the
// database by a compare-and-swap on current_version, so concurrent updates
// with the same expected version have exactly one winner. Every committed
// version is immutable; rollback appends a new version instead of rewriting
// history.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/keylock"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/store"
)

// Schemas resolves the schema writes validate against.
type Schemas interface {
	PublishedSchema(ctx context.Context, ref string) (model.EntityDefinition, error)
	List(ctx context.Context, includeDeleted bool) ([]model.EntityDefinition, error)
}

// Service is the record store.
type Service struct {
	store      *store.Store
	schemas    Schemas
	audit      *audit.Log
	dispatcher *Dispatcher
	clock      clock.Clock
	ids        ids.Generator
	logger     *slog.Logger
	lockTTL    time.Duration

	locks *keylock.Locker
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDs overrides the record id generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLockTTL makes advisory locks expire after ttl. Zero keeps locks until
// they are released or force-unlocked.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) { s.lockTTL = ttl }
}

// WithDispatcher sets the event dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// New creates a Service.
func New(st *store.Store, schemas Schemas, log *audit.Log, opts ...Option) *Service {
	s := &Service{
		store:   st,
		schemas: schemas,
		audit:   log,
		clock:   clock.System{},
		ids:     ids.UUIDv7{},
		logger:  slog.Default(),
		locks:   keylock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(s.logger)
	}
	return s
}

// Events returns the dispatcher record events are published to.
func (s *Service) Events() *Dispatcher {
	return s.dispatcher
}

// Get returns a record, including tombstoned ones. An expired lock is
// reported as released.
func (s *Service) Get(ctx context.Context, id string) (model.Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if s.lockExpired(rec) {
		rec.LockedBy, rec.LockedAt = "", nil
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, id string) (model.Record, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Record{}, apperr.NotFound("record", id)
	}
	return rec, err
}

// ListOptions filters List.
type ListOptions struct {
	Filters        []store.FieldFilter
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// List returns an entity's records ordered by creation time.
func (s *Service) List(ctx context.Context, entityRef string, opts ListOptions) ([]model.Record, error) {
	def, err := s.resolveEntity(ctx, entityRef)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecords(ctx, store.RecordQuery{
		EntityID:       def.ID,
		IncludeDeleted: opts.IncludeDeleted,
		Filters:        opts.Filters,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "list records: %v", err)
	}
	for i := range recs {
		if s.lockExpired(recs[i]) {
			recs[i].LockedBy, recs[i].LockedAt = "", nil
		}
	}
	return recs, nil
}

func (s *Service) resolveEntity(ctx context.Context, ref string) (model.EntityDefinition, error) {
	all, err := s.schemas.List(ctx, true)
	if err != nil {
		return model.EntityDefinition{}, err
	}
	for _, d := range all {
		if d.ID == ref {
			return d, nil
		}
	}
	for _, d := range all {
		if !d.Deleted && d.Name == ref {
			return d, nil
		}
	}
	return model.EntityDefinition{}, apperr.NotFound("entity", ref)
}

// Create validates data against the entity's published schema and stores
// the record at version 1.
func (s *Service) Create(ctx context.Context, actorID, entityRef string, data map[string]any) (model.Record, error) {
	rec, err := s.create(ctx, actorID, entityRef, data)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.create", entityRef, "", err)
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) create(ctx context.Context, actorID, entityRef string, raw map[string]any) (model.Record, error) {
	schema, err := s.schemas.PublishedSchema(ctx, entityRef)
	if err != nil {
		return model.Record{}, err
	}
	data, err := buildData(schema, nil, raw, true)
	if err != nil {
		return model.Record{}, err
	}

	now := s.clock.Now().UTC()
	rec := model.Record{
		ID:             s.ids.New(),
		EntityID:       schema.ID,
		CurrentVersion: 1,
		SchemaVersion:  schema.Version,
		Data:           data,
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ver, err := s.newVersion(rec, actorID, "created")
	if err != nil {
		return model.Record{}, err
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()
	unlockUnique := s.lockUnique(schema)
	defer unlockUnique()

	if err := s.checkUnique(ctx, schema, rec.ID, data); err != nil {
		return model.Record{}, err
	}
	if err := s.store.InsertRecord(ctx, rec, ver); err != nil {
		return model.Record{}, err
	}

	if err := s.commit(ctx, actorID, "record.create", model.EventCreated, rec, map[string]any{
		"version":        rec.CurrentVersion,
		"schema_version": rec.SchemaVersion,
		"snapshot_hash":  ver.SnapshotHash,
	}); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Update applies a merge patch at expectedVersion. A null value removes the
// field. The merged data is validated against the latest published schema.
func (s *Service) Update(ctx context.Context, actorID, id string, patch map[string]any, expectedVersion int64) (model.Record, error) {
	rec, err := s.update(ctx, actorID, id, patch, expectedVersion)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.update", "", id, err)
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) update(ctx context.Context, actorID, id string, patch map[string]any, expectedVersion int64) (model.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.writable(ctx, actorID, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.CurrentVersion != expectedVersion {
		return model.Record{}, apperr.VersionConflict(id, expectedVersion, rec.CurrentVersion)
	}
	schema, err := s.schemas.PublishedSchema(ctx, rec.EntityID)
	if err != nil {
		return model.Record{}, err
	}
	data, err := buildData(schema, rec.Data, patch, false)
	if err != nil {
		return model.Record{}, err
	}
	return s.appendVersion(ctx, actorID, "record.update", model.EventUpdated, rec, schema, data, "")
}

// appendVersion writes data as the next version of rec. The caller holds
// the record lock.
func (s *Service) appendVersion(ctx context.Context, actorID, action string, evt model.EventType, rec model.Record, schema model.EntityDefinition, data model.Data, summary string) (model.Record, error) {
	changes := model.Diff(rec.Data, data)
	if summary == "" {
		summary = model.Summarize(changes)
	}

	expected := rec.CurrentVersion
	next := rec
	next.CurrentVersion = expected + 1
	next.SchemaVersion = schema.Version
	next.Data = data
	next.UpdatedAt = s.clock.Now().UTC()

	ver, err := s.newVersion(next, actorID, summary)
	if err != nil {
		return model.Record{}, err
	}

	unlockUnique := s.lockUnique(schema)
	defer unlockUnique()
	if err := s.checkUnique(ctx, schema, rec.ID, data); err != nil {
		return model.Record{}, err
	}

	if err := s.store.AppendVersion(ctx, next, ver, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			current, lerr := s.load(ctx, rec.ID)
			if lerr != nil {
				return model.Record{}, lerr
			}
			return model.Record{}, apperr.VersionConflict(rec.ID, expected, current.CurrentVersion)
		}
		return model.Record{}, err
	}

	if err := s.commit(ctx, actorID, action, evt, next, map[string]any{
		"version":        next.CurrentVersion,
		"schema_version": next.SchemaVersion,
		"changes":        changes,
		"snapshot_hash":  ver.SnapshotHash,
	}); err != nil {
		return model.Record{}, err
	}
	return next, nil
}

// Clone creates a new record in the same entity from rec's current data.
func (s *Service) Clone(ctx context.Context, actorID, id string) (model.Record, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		s.auditFailure(ctx, actorID, "record.clone", "", id, err)
		return model.Record{}, err
	}
	if src.Deleted {
		err := apperr.Validation("record %q is deleted", id)
		s.auditFailure(ctx, actorID, "record.clone", src.EntityID, id, err)
		return model.Record{}, err
	}
	return s.Create(ctx, actorID, src.EntityID, src.Data.Native())
}

// writable loads a live record and checks that actorID may write it.
func (s *Service) writable(ctx context.Context, actorID, id string) (model.Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Deleted {
		return model.Record{}, apperr.Validation("record %q is deleted", id).With("record_id", id)
	}
	if rec.LockedBy != "" && rec.LockedBy != actorID && !s.lockExpired(rec) {
		return model.Record{}, apperr.RecordLocked(id, rec.LockedBy)
	}
	return rec, nil
}

func (s *Service) newVersion(rec model.Record, actorID, summary string) (model.RecordVersion, error) {
	hash, err := model.SnapshotHash(rec.Data)
	if err != nil {
		return model.RecordVersion{}, fmt.Errorf("snapshot hash: %w", err)
	}
	return model.RecordVersion{
		RecordID:      rec.ID,
		Version:       rec.CurrentVersion,
		SchemaVersion: rec.SchemaVersion,
		Data:          rec.Data,
		AuthorID:      actorID,
		Timestamp:     rec.UpdatedAt,
		ChangeSummary: summary,
		SnapshotHash:  hash,
	}, nil
}

// buildData coerces raw client values into typed data. With fresh set the
// result starts empty and defaults fill absent fields; otherwise raw is a
// merge patch over base. Every violation is collected into one
// ValidationError.
func buildData(schema model.EntityDefinition, base model.Data, raw map[string]any, fresh bool) (model.Data, error) {
	out := base.Clone()
	if out == nil {
		out = model.Data{}
	}

	var errs []model.FieldError
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		f, ok := schema.Field(name)
		if !ok {
			errs = append(errs, model.FieldError{Field: name, Reason: "unknown field"})
			continue
		}
		v, err := model.Coerce(f, raw[name])
		if err != nil {
			var fe model.FieldError
			if errors.As(err, &fe) {
				errs = append(errs, fe)
			} else {
				errs = append(errs, model.FieldError{Field: name, Reason: err.Error()})
			}
			continue
		}
		if model.IsNull(v) {
			delete(out, name)
			continue
		}
		out[name] = v
	}

	if fresh {
		for _, f := range schema.Fields {
			if _, set := out[f.Name]; set || f.DefaultValue == nil {
				continue
			}
			if _, explicit := raw[f.Name]; explicit {
				continue
			}
			if v, err := model.Coerce(f, f.DefaultValue); err == nil && !model.IsNull(v) {
				out[f.Name] = v
			}
		}
	}

	if len(errs) == 0 {
		errs = registry.Conform(schema, out)
	}
	if len(errs) > 0 {
		return nil, validationError(schema, errs)
	}
	return out, nil
}

func validationError(schema model.EntityDefinition, errs []model.FieldError) *apperr.Error {
	msg := errs[0].Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return apperr.New(apperr.KindValidation, "%s", msg).
		With("entity_id", schema.ID).
		With("schema_version", schema.Version).
		With("fields", errs)
}

// lockUnique serializes writes to entities with unique indexes so the
// duplicate check and the write are atomic.
func (s *Service) lockUnique(schema model.EntityDefinition) func() {
	for _, ix := range schema.Indexes {
		if ix.Unique {
			return s.locks.Lock("unique:" + schema.ID)
		}
	}
	return func() {}
}

func (s *Service) checkUnique(ctx context.Context, schema model.EntityDefinition, recordID string, data model.Data) error {
	for _, ix := range schema.Indexes {
		if !ix.Unique {
			continue
		}
		values := make(map[string]any, len(ix.Fields))
		for _, name := range ix.Fields {
			v := data[name]
			if model.IsNull(v) {
				values = nil
				break
			}
			values[name] = v.Native()
		}
		if values == nil {
			continue
		}
		dup, err := s.store.FindDuplicate(ctx, schema.ID, recordID, values)
		if err != nil {
			return err
		}
		if dup != "" {
			return apperr.Validation("unique index %q violated by record %q", ix.Name, dup).
				With("index", ix.Name).
				With("fields", ix.Fields).
				With("conflicting_record_id", dup)
		}
	}
	return nil
}

// commit audits a successful mutation and publishes its event. The audit
// seq doubles as the event seq. The caller holds the record lock, so a
// record's events are published in commit order.
func (s *Service) commit(ctx context.Context, actorID, action string, evt model.EventType, rec model.Record, payload map[string]any) error {
	entry, err := s.audit.Append(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   action,
		EntityID: rec.EntityID,
		RecordID: rec.ID,
		Payload:  payload,
	})
	if err != nil {
		s.logger.Error("record committed but audit append failed",
			"record", rec.ID,
			"action", action,
			"error", err)
		return apperr.Wrap(apperr.KindInternal, err, "audit %s for record %q", action, rec.ID)
	}
	if evt == "" {
		return nil
	}
	s.dispatcher.Publish(model.Event{
		Seq:      entry.Seq,
		Type:     evt,
		EntityID: rec.EntityID,
		RecordID: rec.ID,
		Version:  rec.CurrentVersion,
		ActorID:  actorID,
		Data:     rec.Data.Clone(),
	})
	return nil
}

// auditFailure records a rejected mutation. Failures of the audit log
// itself are logged, never returned in place of the original error.
func (s *Service) auditFailure(ctx context.Context, actorID, action, entityID, recordID string, opErr error) {
	if errors.Is(opErr, context.Canceled) {
		return
	}
	payload := map[string]any{
		"error_kind": string(apperr.KindOf(opErr)),
		"error":      opErr.Error(),
	}
	if e, ok := apperr.As(opErr); ok && len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	if _, err := s.audit.Append(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   action,
		EntityID: entityID,
		RecordID: recordID,
		Severity: model.SeverityWarning,
		Outcome:  model.OutcomeFailure,
		Payload:  payload,
	}); err != nil {
		s.logger.Error("audit append failed", "action", action, "record", recordID, "error", err)
	}
}
