package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/recordflow/internal/model"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestRecord builds a record at version 1 with its first version row.
func createTestRecord(id, entityID string, data model.Data) (model.Record, model.RecordVersion) {
	rec := model.Record{
		ID:             id,
		EntityID:       entityID,
		CurrentVersion: 1,
		SchemaVersion:  1,
		Data:           data,
		CreatedBy:      "alice",
		CreatedAt:      testTime,
		UpdatedAt:      testTime,
	}
	ver := model.RecordVersion{
		RecordID:      id,
		Version:       1,
		SchemaVersion: 1,
		Data:          data,
		AuthorID:      "alice",
		Timestamp:     testTime,
		ChangeSummary: "created",
		SnapshotHash:  model.MustSnapshotHash(data),
	}
	return rec, ver
}
