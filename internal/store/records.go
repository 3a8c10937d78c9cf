package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/recordflow/internal/model"
)

const recordColumns = `id, entity_id, current_version, schema_version, data, locked_by, locked_at,
	deleted, deleted_at, created_by, created_at, updated_at`

// InsertRecord writes a new record together with its first version.
func (s *Store) InsertRecord(ctx context.Context, rec model.Record, ver model.RecordVersion) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert record: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.EntityID, rec.CurrentVersion, rec.SchemaVersion, string(data),
		rec.LockedBy, formatNullTime(rec.LockedAt), rec.Deleted, formatNullTime(rec.DeletedAt),
		rec.CreatedBy, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if err := insertVersion(ctx, tx, ver); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert record: commit: %w", err)
	}
	return nil
}

// AppendVersion stores a new version and advances the record to it.
// The update only applies while the stored current_version equals
// expectedVersion; otherwise ErrVersionConflict is returned and nothing is written.
func (s *Store) AppendVersion(ctx context.Context, rec model.Record, ver model.RecordVersion, expectedVersion int64) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("append version: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append version: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE records
		SET current_version = ?, schema_version = ?, data = ?, updated_at = ?
		WHERE id = ? AND current_version = ?
	`, rec.CurrentVersion, rec.SchemaVersion, string(data), formatTime(rec.UpdatedAt), rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("append version: %w", err)
	} else if n == 0 {
		return ErrVersionConflict
	}

	if err := insertVersion(ctx, tx, ver); err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append version: commit: %w", err)
	}
	return nil
}

// UpdateRecordState persists lock and tombstone columns without creating a
// version. The write is guarded by current_version like AppendVersion.
func (s *Store) UpdateRecordState(ctx context.Context, rec model.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET locked_by = ?, locked_at = ?, deleted = ?, deleted_at = ?, updated_at = ?
		WHERE id = ? AND current_version = ?
	`, rec.LockedBy, formatNullTime(rec.LockedAt), rec.Deleted, formatNullTime(rec.DeletedAt),
		formatTime(rec.UpdatedAt), rec.ID, rec.CurrentVersion)
	if err != nil {
		return fmt.Errorf("update record state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record state: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, ver model.RecordVersion) error {
	data, err := json.Marshal(ver.Data)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO record_versions
		(record_id, version, schema_version, data, author_id, ts, change_summary, snapshot_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ver.RecordID, ver.Version, ver.SchemaVersion, string(data), ver.AuthorID,
		formatTime(ver.Timestamp), ver.ChangeSummary, ver.SnapshotHash)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// GetRecord returns a record by id, including tombstoned records.
func (s *Store) GetRecord(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	return rec, err
}

// FieldFilter restricts ListRecords to records whose field compares to Value.
type FieldFilter struct {
	Field string
	Op    string // one of = != < <= > >=
	Value any
}

// RecordQuery selects records of one entity.
type RecordQuery struct {
	EntityID       string
	IncludeDeleted bool
	Filters        []FieldFilter
	Limit          int
	Offset         int
}

var filterOps = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

// fieldPath is the JSON path of a field's plain value inside the tagged data column.
func fieldPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, ``) + `".v`
}

// ListRecords returns records ordered by creation then id.
// Returns an empty slice (not nil) if none match.
func (s *Store) ListRecords(ctx context.Context, q RecordQuery) ([]model.Record, error) {
	var where []string
	var args []any
	where = append(where, "entity_id = ?")
	args = append(args, q.EntityID)
	if !q.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	for _, f := range q.Filters {
		if !filterOps[f.Op] {
			return nil, fmt.Errorf("list records: unsupported operator %q", f.Op)
		}
		where = append(where, fmt.Sprintf("json_extract(data, ?) %s ?", f.Op))
		args = append(args, fieldPath(f.Field), f.Value)
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, id COLLATE BINARY ASC`
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// CountRecords counts records of an entity, optionally including tombstones.
func (s *Store) CountRecords(ctx context.Context, entityID string, includeDeleted bool) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE entity_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountFieldInUse counts live records holding non-null data in field.
func (s *Store) CountFieldInUse(ctx context.Context, entityID, field string) (int, error) {
	kindPath := `$."` + strings.ReplaceAll(field, `"`, ``) + `".t`
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		WHERE entity_id = ? AND deleted = 0
		  AND json_extract(data, ?) IS NOT NULL
		  AND json_extract(data, ?) != 'null'
	`, entityID, kindPath, kindPath).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count field in use: %w", err)
	}
	return n, nil
}

// FindDuplicate returns the id of a live record of entityID, other than
// excludeID, whose fields all equal values. Returns "" when none exists.
func (s *Store) FindDuplicate(ctx context.Context, entityID, excludeID string, values map[string]any) (string, error) {
	where := []string{"entity_id = ?", "deleted = 0", "id != ?"}
	args := []any{entityID, excludeID}
	for _, field := range sortedFieldNames(values) {
		where = append(where, "json_extract(data, ?) = ?")
		args = append(args, fieldPath(field), values[field])
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM records WHERE `+strings.Join(where, " AND ")+` ORDER BY id LIMIT 1`,
		args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find duplicate: %w", err)
	}
	return id, nil
}

// Versions returns every version of a record ordered by version number.
func (s *Store) Versions(ctx context.Context, recordID string) ([]model.RecordVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, version, schema_version, data, author_id, ts, change_summary, snapshot_hash
		FROM record_versions WHERE record_id = ?
		ORDER BY version ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	out := []model.RecordVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

// Version returns one version of a record.
func (s *Store) Version(ctx context.Context, recordID string, version int64) (model.RecordVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, version, schema_version, data, author_id, ts, change_summary, snapshot_hash
		FROM record_versions WHERE record_id = ? AND version = ?
	`, recordID, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RecordVersion{}, ErrNotFound
	}
	return v, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var rec model.Record
	var data, createdAt, updatedAt string
	var lockedAt, deletedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.EntityID, &rec.CurrentVersion, &rec.SchemaVersion, &data,
		&rec.LockedBy, &lockedAt, &rec.Deleted, &deletedAt, &rec.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return rec, fmt.Errorf("scan record %s: data: %w", rec.ID, err)
	}
	if rec.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return rec, err
	}
	if rec.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func scanVersion(row scanner) (model.RecordVersion, error) {
	var v model.RecordVersion
	var data, ts string
	err := row.Scan(&v.RecordID, &v.Version, &v.SchemaVersion, &data, &v.AuthorID, &ts, &v.ChangeSummary, &v.SnapshotHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, err
		}
		return v, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &v.Data); err != nil {
		return v, fmt.Errorf("scan version %s@%d: data: %w", v.RecordID, v.Version, err)
	}
	if v.Timestamp, err = parseTime(ts); err != nil {
		return v, err
	}
	return v, nil
}

func sortedFieldNames(values map[string]any) []string {
	d := make(model.Data, len(values))
	for k := range values {
		d[k] = nil
	}
	return d.SortedKeys()
}
