package gateway

import (
	"time"

	"github.com/roach88/recordflow/internal/model"
)

// Records travel in tagged form internally; clients see plain JSON values.

type recordView struct {
	ID             string         `json:"id"`
	EntityID       string         `json:"entity_id"`
	Version        int64          `json:"version"`
	SchemaVersion  int            `json:"schema_version"`
	Data           map[string]any `json:"data"`
	LockedBy       string         `json:"locked_by,omitempty"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func viewRecord(r model.Record) recordView {
	return recordView{
		ID:            r.ID,
		EntityID:      r.EntityID,
		Version:       r.CurrentVersion,
		SchemaVersion: r.SchemaVersion,
		Data:          r.Data.Native(),
		LockedBy:      r.LockedBy,
		LockedAt:      r.LockedAt,
		Deleted:       r.Deleted,
		DeletedAt:     r.DeletedAt,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func viewRecords(rs []model.Record) []recordView {
	out := make([]recordView, len(rs))
	for i, r := range rs {
		out[i] = viewRecord(r)
	}
	return out
}

type versionView struct {
	RecordID      string         `json:"record_id"`
	Version       int64          `json:"version"`
	SchemaVersion int            `json:"schema_version"`
	Data          map[string]any `json:"data"`
	AuthorID      string         `json:"author_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ChangeSummary string         `json:"change_summary"`
	SnapshotHash  string         `json:"snapshot_hash"`
}

func viewVersion(v model.RecordVersion) versionView {
	return versionView{
		RecordID:      v.RecordID,
		Version:       v.Version,
		SchemaVersion: v.SchemaVersion,
		Data:          v.Data.Native(),
		AuthorID:      v.AuthorID,
		Timestamp:     v.Timestamp,
		ChangeSummary: v.ChangeSummary,
		SnapshotHash:  v.SnapshotHash,
	}
}

type changeView struct {
	Field  string         `json:"field"`
	Op     model.ChangeOp `json:"op"`
	Before any            `json:"before"`
	After  any            `json:"after"`
}

func viewChanges(cs []model.FieldChange) []changeView {
	out := make([]changeView, len(cs))
	for i, c := range cs {
		out[i] = changeView{Field: c.Field, Op: c.Op, Before: native(c.Before), After: native(c.After)}
	}
	return out
}

func native(v model.Value) any {
	if v == nil {
		return nil
	}
	return v.Native()
}
