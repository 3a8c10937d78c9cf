package records

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/store"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	reg   *registry.Registry
	log   *audit.Log
	store *store.Store
	clock *clock.Manual
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := clock.NewManual(testTime)
	log := audit.New(s, audit.WithClock(c), audit.WithIDs(ids.NewSequential("aud")))
	reg := registry.New(s, log, registry.WithClock(c), registry.WithIDs(ids.NewSequential("ent")))
	opts = append([]Option{WithClock(c), WithIDs(ids.NewSequential("rec"))}, opts...)
	svc := New(s, reg, log, opts...)
	t.Cleanup(svc.Events().Close)
	return &fixture{svc: svc, reg: reg, log: log, store: s, clock: c}
}

func (f *fixture) publish(t *testing.T, spec model.EntityDefinition) model.EntityDefinition {
	t.Helper()
	ctx := context.Background()
	def, err := f.reg.DefineEntity(ctx, "admin", spec)
	require.NoError(t, err)
	def, err = f.reg.Publish(ctx, "admin", def.ID)
	require.NoError(t, err)
	return def
}

func orderSpec() model.EntityDefinition {
	return model.EntityDefinition{
		Name: "Order",
		Fields: []model.FieldDef{
			{Name: "total", Type: model.FieldNumber, Required: true},
			{Name: "status", Type: model.FieldEnum, EnumValues: []string{"open", "closed"}, DefaultValue: "open"},
			{Name: "notes", Type: model.FieldString},
			{Name: "code", Type: model.FieldString},
		},
		Indexes: []model.IndexDef{{Fields: []string{"code"}, Unique: true}},
	}
}

func fieldErrors(t *testing.T, err error) []model.FieldError {
	t.Helper()
	e, ok := apperr.As(err)
	require.True(t, ok, "expected *apperr.Error, got %T", err)
	require.Equal(t, apperr.KindValidation, e.Kind)
	fields, ok := e.Details["fields"].([]model.FieldError)
	require.True(t, ok, "details carry field errors")
	return fields
}

func TestOrderScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 99.5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.CurrentVersion)
	assert.Equal(t, 1, rec.SchemaVersion)
	assert.Equal(t, model.Enum("open"), rec.Data["status"], "defaults apply on create")

	rec, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 120}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.CurrentVersion)

	_, err = f.svc.Update(ctx, "bob", rec.ID, map[string]any{"total": 80}, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsVersionConflict(err))

	rec, err = f.svc.Rollback(ctx, "alice", rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.CurrentVersion)
	assert.Equal(t, model.Number(99.5), rec.Data["total"])

	versions, err := f.svc.Versions(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v.Version)
		assert.NotEmpty(t, v.SnapshotHash)
	}
	assert.Equal(t, "rolled back to version 1", versions[2].ChangeSummary)
	assert.Equal(t, versions[0].SnapshotHash, versions[2].SnapshotHash)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	_, err := f.svc.Create(ctx, "alice", "Order", map[string]any{
		"status": "shipped",
		"color":  "red",
	})
	require.Error(t, err)
	fields := fieldErrors(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "color", fields[0].Field)
	assert.Equal(t, "unknown field", fields[0].Reason)
	assert.Equal(t, "status", fields[1].Field)

	_, err = f.svc.Create(ctx, "alice", "Order", map[string]any{"notes": "x"})
	fields = fieldErrors(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, model.FieldError{Field: "total", Reason: "required"}, fields[0])

	_, err = f.svc.Create(ctx, "alice", "Order", map[string]any{"total": "lots"})
	fields = fieldErrors(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "total", fields[0].Field)

	page, err := f.log.Query(ctx, audit.Query{Filter: `action = "record.create" AND outcome = "failure"`})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 3, "every rejected create is audited")
}

func TestCreateRejectsUnpublishedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.publish(t, orderSpec())

	_, err := f.reg.Unpublish(ctx, "admin", def.ID)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "alice", def.ID, map[string]any{"total": 1})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestUpdateMergePatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 10, "notes": "rush"})
	require.NoError(t, err)

	rec, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"notes": nil, "status": "closed"}, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Data{"total": model.Number(10), "status": model.Enum("closed")}, rec.Data)

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": nil}, 2)
	fields := fieldErrors(t, err)
	assert.Equal(t, "total", fields[0].Field, "removing a required field is rejected")

	changes, err := f.svc.Diff(ctx, rec.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "notes", changes[0].Field)
	assert.Equal(t, model.ChangeRemoved, changes[0].Op)
	assert.Equal(t, "status", changes[1].Field)
	assert.Equal(t, model.ChangeChanged, changes[1].Op)

	v1, err := f.svc.Version(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.True(t, model.EqualData(rec.Data, model.ApplyDiff(v1.Data, changes)))

	_, err = f.svc.Version(ctx, rec.ID, 9)
	assert.True(t, apperr.IsNotFound(err))
}

func TestHistoryFoldsToCurrentData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 10, "notes": "rush"})
	require.NoError(t, err)
	patches := []map[string]any{
		{"total": 12},
		{"code": "A-1", "status": "closed"},
		{"notes": nil},
		{"total": 15, "code": nil, "notes": "late"},
	}
	for _, p := range patches {
		rec, err = f.svc.Update(ctx, "bob", rec.ID, p, rec.CurrentVersion)
		require.NoError(t, err)
	}
	rec, err = f.svc.Rollback(ctx, "alice", rec.ID, 3)
	require.NoError(t, err)
	require.Equal(t, int64(6), rec.CurrentVersion)

	versions, err := f.svc.Versions(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, versions, 6)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v.Version, "versions are contiguous from 1")
	}

	data := versions[0].Data
	for v := int64(1); v < rec.CurrentVersion; v++ {
		changes, err := f.svc.Diff(ctx, rec.ID, v, v+1)
		require.NoError(t, err)
		data = model.ApplyDiff(data, changes)
		assert.True(t, model.EqualData(versions[v].Data, data), "after folding v%d..v%d", v, v+1)
	}

	current, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, model.EqualData(current.Data, data), "history reconstructs %v, got %v", current.Data, data)
	assert.True(t, model.EqualData(versions[2].Data, current.Data), "rollback restores v3")
}

func TestConcurrentUpdatesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1})
	require.NoError(t, err)

	const writers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": i + 2}, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.IsVersionConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CurrentVersion)
}

func TestUniqueIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	a, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1, "code": "A-1"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 2, "code": "A-1"})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Equal(t, a.ID, e.Details["conflicting_record_id"])

	_, err = f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 2})
	require.NoError(t, err, "absent values never collide")

	_, err = f.svc.Update(ctx, "alice", a.ID, map[string]any{"total": 5}, 1)
	require.NoError(t, err, "a record does not collide with itself")

	_, err = f.svc.Delete(ctx, "alice", a.ID)
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 3, "code": "A-1"})
	require.NoError(t, err, "tombstoned records release their values")

	_, err = f.svc.Restore(ctx, "alice", a.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.Delete(ctx, "alice", b.ID)
	require.NoError(t, err)
	restored, err := f.svc.Restore(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.False(t, restored.Deleted)
}

func TestLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1})
	require.NoError(t, err)

	locked, err := f.svc.Lock(ctx, "bob", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", locked.LockedBy)

	_, err = f.svc.Lock(ctx, "bob", rec.ID)
	require.NoError(t, err, "locking is idempotent for the holder")

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 2}, 1)
	assert.True(t, apperr.Is(err, apperr.KindRecordLocked))

	_, err = f.svc.Lock(ctx, "alice", rec.ID)
	assert.True(t, apperr.Is(err, apperr.KindRecordLocked))

	_, err = f.svc.Unlock(ctx, "alice", rec.ID, false)
	assert.True(t, apperr.Is(err, apperr.KindRecordLocked))

	rec, err = f.svc.Update(ctx, "bob", rec.ID, map[string]any{"total": 2}, 1)
	require.NoError(t, err, "the holder may write")
	assert.Equal(t, "bob", rec.LockedBy)

	unlocked, err := f.svc.Unlock(ctx, "admin", rec.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unlocked.LockedBy)

	page, err := f.log.Query(ctx, audit.Query{Filter: `action = "record.unlock.force"`})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, model.SeverityWarning, page.Entries[0].Severity)

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 3}, 2)
	require.NoError(t, err)
}

func TestLockExpiry(t *testing.T) {
	f := newFixture(t, WithLockTTL(time.Minute))
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1})
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, "bob", rec.ID)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 2}, 1)
	assert.True(t, apperr.Is(err, apperr.KindRecordLocked))

	f.clock.Advance(time.Minute)

	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockedBy, "expired locks read as released")

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 2}, 1)
	require.NoError(t, err)
}

func TestRollbackIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1, "notes": "a"})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"notes": "b"}, 1)
	require.NoError(t, err)

	first, err := f.svc.Rollback(ctx, "alice", rec.ID, 1)
	require.NoError(t, err)
	second, err := f.svc.Rollback(ctx, "alice", rec.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(3), first.CurrentVersion)
	assert.Equal(t, int64(4), second.CurrentVersion)
	assert.True(t, model.EqualData(first.Data, second.Data))

	_, err = f.svc.Rollback(ctx, "alice", rec.ID, 42)
	assert.True(t, apperr.IsNotFound(err))
}

func TestRollbackValidatesAgainstCurrentSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1})
	require.NoError(t, err)

	_, err = f.reg.AddField(ctx, "admin", def.ID, model.FieldDef{Name: "owner", Type: model.FieldString})
	require.NoError(t, err)
	_, err = f.reg.Publish(ctx, "admin", def.ID)
	require.NoError(t, err)

	rec, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"owner": "carol"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SchemaVersion)

	rec, err = f.svc.Rollback(ctx, "alice", rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SchemaVersion, "rollback writes under the active schema")
	_, has := rec.Data["owner"]
	assert.False(t, has)
}

func relationFixture(t *testing.T, onDelete model.OnDelete) (*fixture, model.EntityDefinition) {
	t.Helper()
	f := newFixture(t)
	f.publish(t, model.EntityDefinition{
		Name:   "Customer",
		Fields: []model.FieldDef{{Name: "name", Type: model.FieldString, Required: true}},
	})
	child := f.publish(t, model.EntityDefinition{
		Name: "Order",
		Fields: []model.FieldDef{
			{Name: "total", Type: model.FieldNumber},
			{Name: "customer", Type: model.FieldReference, RefEntity: "Customer"},
		},
		Relations: []model.RelationDef{
			{Name: "customer", TargetEntity: "Customer", OnDelete: onDelete, Field: "customer"},
		},
	})
	return f, child
}

func TestDeleteRestrict(t *testing.T) {
	f, _ := relationFixture(t, model.OnDeleteRestrict)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	order, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"customer": cust.ID})
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, order.ID, e.Details["referencing_record_id"])

	got, err := f.svc.Get(ctx, cust.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)

	_, err = f.svc.Delete(ctx, "alice", order.ID)
	require.NoError(t, err)
	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.NoError(t, err, "tombstoned references do not restrict")
}

func TestDeleteCascade(t *testing.T) {
	f, child := relationFixture(t, model.OnDeleteCascade)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	for range 2 {
		_, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"customer": cust.ID})
		require.NoError(t, err)
	}

	deleted, err := f.svc.Delete(ctx, "alice", cust.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	require.NotNil(t, deleted.DeletedAt)

	live, err := f.svc.List(ctx, child.ID, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := f.svc.List(ctx, "Order", ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	page, err := f.log.Query(ctx, audit.Query{Filter: `action = "record.delete"`})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, cust.ID, page.Entries[0].RecordID, "the parent is tombstoned first")
	assert.Equal(t, cust.ID, page.Entries[1].Payload["cascade_from"])
}

func TestDeleteSetNull(t *testing.T) {
	f, _ := relationFixture(t, model.OnDeleteSetNull)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	order, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 5, "customer": cust.ID})
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Equal(t, int64(2), got.CurrentVersion)
	assert.Equal(t, model.Data{"total": model.Number(5)}, got.Data)
}

func TestDeleteCascadeBlockedByLockedChild(t *testing.T) {
	f, _ := relationFixture(t, model.OnDeleteCascade)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	free, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"customer": cust.ID})
	require.NoError(t, err)
	held, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"customer": cust.ID})
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, "bob", held.ID)
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRecordLocked), "got %v", err)

	for _, id := range []string{cust.ID, free.ID, held.ID} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Deleted, "record %s", id)
	}

	page, err := f.log.Query(ctx, audit.Query{Filter: `action = "record.delete"`})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, model.OutcomeFailure, page.Entries[0].Outcome)
	assert.Equal(t, cust.ID, page.Entries[0].RecordID)

	_, err = f.svc.Unlock(ctx, "bob", held.ID, false)
	require.NoError(t, err)
	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.NoError(t, err)
}

func TestDeleteSetNullBlockedByLockedDependent(t *testing.T) {
	f, _ := relationFixture(t, model.OnDeleteSetNull)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	order, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"customer": cust.ID})
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, "bob", order.ID)
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, "alice", cust.ID)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, cust.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	got, err = f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CurrentVersion)
	assert.Equal(t, model.Reference(cust.ID), got.Data["customer"])
}

func TestUndoDeletesRevertsTombstones(t *testing.T) {
	f, _ := relationFixture(t, model.OnDeleteCascade)
	ctx := context.Background()

	cust, err := f.svc.Create(ctx, "alice", "Customer", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, "alice", cust.ID)
	require.NoError(t, err)

	prev, deleted, _, err := f.svc.deleteOne(ctx, "alice", cust.ID, "")
	require.NoError(t, err)
	require.True(t, deleted.Deleted)

	f.svc.undoDeletes(ctx, &cascade{actorID: "alice", tombstoned: []model.Record{prev}})

	got, err := f.svc.Get(ctx, cust.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Nil(t, got.DeletedAt)
	assert.Equal(t, "alice", got.LockedBy, "the pre-delete lock comes back")

	page, err := f.log.Query(ctx, audit.Query{Filter: `action = "record.delete.revert"`})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, cust.ID, page.Entries[0].RecordID)

	_, err = f.log.Verify(ctx)
	require.NoError(t, err)
}

func TestDeletedRecordsRejectWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 1})
	require.NoError(t, err)
	_, err = f.svc.Delete(ctx, "alice", rec.ID)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": 2}, 1)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.Delete(ctx, "alice", rec.ID)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.Clone(ctx, "alice", rec.ID)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.Get(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestClone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	src, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 7, "notes": "copy me"})
	require.NoError(t, err)

	clone, err := f.svc.Clone(ctx, "bob", src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, int64(1), clone.CurrentVersion)
	assert.Equal(t, "bob", clone.CreatedBy)
	assert.True(t, model.EqualData(src.Data, clone.Data))
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	for _, total := range []int{5, 50, 500} {
		_, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": total})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	recs, err := f.svc.List(ctx, "Order", ListOptions{
		Filters: []store.FieldFilter{{Field: "total", Op: ">", Value: 10}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.Number(50), recs[0].Data["total"])

	recs, err = f.svc.List(ctx, "Order", ListOptions{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.Number(500), recs[0].Data["total"])

	_, err = f.svc.List(ctx, "Nope", ListOptions{})
	assert.True(t, apperr.IsNotFound(err))
}

func TestEventsFollowCommitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, orderSpec())

	var (
		mu     sync.Mutex
		events = map[string][]model.Event{}
	)
	f.svc.Events().Subscribe(func(_ context.Context, e model.Event) {
		mu.Lock()
		defer mu.Unlock()
		events[e.RecordID] = append(events[e.RecordID], e)
	})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.svc.Create(ctx, "alice", "Order", map[string]any{"total": 0})
			if !assert.NoError(t, err) {
				return
			}
			for v := int64(1); v <= 5; v++ {
				_, err := f.svc.Update(ctx, "alice", rec.ID, map[string]any{"total": v}, v)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, f.svc.Events().Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	for id, evs := range events {
		require.Len(t, evs, 6, "record %s", id)
		assert.Equal(t, model.EventCreated, evs[0].Type)
		for i := 1; i < len(evs); i++ {
			assert.Greater(t, evs[i].Seq, evs[i-1].Seq, "record %s", id)
			assert.Equal(t, evs[i-1].Version+1, evs[i].Version)
		}
	}
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var got []int64
	d.Subscribe(func(_ context.Context, e model.Event) {
		if e.Seq == 1 {
			panic("boom")
		}
		got = append(got, e.Seq)
	})
	d.Publish(model.Event{Seq: 1, RecordID: "r"})
	d.Publish(model.Event{Seq: 2, RecordID: "r"})

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []int64{2}, got)
	assert.Zero(t, d.Pending())

	d.Close()
	d.Publish(model.Event{Seq: 3, RecordID: "r"})
	assert.Zero(t, d.Pending(), "closed dispatchers drop events")
}
