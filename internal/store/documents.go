package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/recordflow/internal/model"
)

// Document kinds stored in the documents table.
const (
	KindEntity    = "entity"
	KindRule      = "rule"
	KindWorkflow  = "workflow"
	KindRetention = "retention"
)

// PutDocument inserts or replaces the JSON body of a definition document.
func (s *Store) PutDocument(ctx context.Context, kind, id string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("put document %s/%s: marshal: %w", kind, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (kind, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, kind, id, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put document %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetDocument decodes the document body into dst.
// Returns ErrNotFound if the document does not exist.
func (s *Store) GetDocument(ctx context.Context, kind, id string, dst any) error {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE kind = ? AND id = ?
	`, kind, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get document %s/%s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("get document %s/%s: decode: %w", kind, id, err)
	}
	return nil
}

// ListDocuments returns the raw bodies of every document of a kind, ordered by id.
// Returns an empty slice (not nil) when none exist.
func (s *Store) ListDocuments(ctx context.Context, kind string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM documents WHERE kind = ? ORDER BY id COLLATE BINARY ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list documents %s: %w", kind, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// DeleteDocument removes a document. Deleting a missing document is not an error.
func (s *Store) DeleteDocument(ctx context.Context, kind, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", kind, id, err)
	}
	return nil
}

// PublishEntity atomically stores the published draft and freezes it as a
// new schema version. def.Version must already be the new version number.
func (s *Store) PublishEntity(ctx context.Context, def model.EntityDefinition, actorID string) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("publish entity: marshal: %w", err)
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish entity: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, version, definition, published_by, published_at)
		VALUES (?, ?, ?, ?, ?)
	`, def.ID, def.Version, string(body), actorID, now); err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("publish entity: insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (kind, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, KindEntity, def.ID, string(body), now); err != nil {
		return fmt.Errorf("publish entity: update draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("publish entity: commit: %w", err)
	}
	return nil
}

// EntityVersion returns the schema frozen at a given version.
func (s *Store) EntityVersion(ctx context.Context, entityID string, version int) (model.EntityDefinition, error) {
	return s.scanEntityVersion(s.db.QueryRowContext(ctx, `
		SELECT definition FROM entity_versions WHERE entity_id = ? AND version = ?
	`, entityID, version))
}

// LatestEntityVersion returns the most recently published schema.
func (s *Store) LatestEntityVersion(ctx context.Context, entityID string) (model.EntityDefinition, error) {
	return s.scanEntityVersion(s.db.QueryRowContext(ctx, `
		SELECT definition FROM entity_versions WHERE entity_id = ?
		ORDER BY version DESC LIMIT 1
	`, entityID))
}

func (s *Store) scanEntityVersion(row *sql.Row) (model.EntityDefinition, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EntityDefinition{}, ErrNotFound
		}
		return model.EntityDefinition{}, fmt.Errorf("get entity version: %w", err)
	}
	var def model.EntityDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return model.EntityDefinition{}, fmt.Errorf("get entity version: decode: %w", err)
	}
	return def, nil
}
