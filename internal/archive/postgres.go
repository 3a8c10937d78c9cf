package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/recordflow/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_archive (
	seq                 BIGINT PRIMARY KEY,
	id                  TEXT NOT NULL,
	ts                  TIMESTAMPTZ NOT NULL,
	actor_id            TEXT NOT NULL,
	action              TEXT NOT NULL,
	entity_id           TEXT NOT NULL DEFAULT '',
	record_id           TEXT NOT NULL DEFAULT '',
	severity            TEXT NOT NULL,
	outcome             TEXT NOT NULL,
	payload             JSONB NOT NULL,
	payload_hash        TEXT NOT NULL,
	previous_entry_hash TEXT NOT NULL,
	entry_hash          TEXT NOT NULL,
	signature           TEXT NOT NULL DEFAULT '',
	signature_key_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_archive_ts ON audit_archive(ts);
`

// PostgresSink copies entries into the audit_archive table.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgresSink connects to dsn and ensures the archive table exists.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	s := NewPostgresSink(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the archive table if needed.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	s.db.Close()
}

// Name identifies the sink in archive results.
func (s *PostgresSink) Name() string {
	return "postgres"
}

// Write inserts entries in one batch. Already archived seqs are skipped so
// an interrupted archive can be re-run.
func (s *PostgresSink) Write(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload %d: %w", e.Seq, err)
		}
		batch.Queue(`
			INSERT INTO audit_archive (seq, id, ts, actor_id, action, entity_id, record_id, severity,
				outcome, payload, payload_hash, previous_entry_hash, entry_hash, signature, signature_key_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (seq) DO NOTHING`,
			e.Seq, e.ID, e.Timestamp, e.ActorID, e.Action, e.EntityID, e.RecordID, string(e.Severity),
			string(e.Outcome), string(payload), e.PayloadHash, e.PreviousEntryHash, e.EntryHash,
			e.Signature, e.SignatureKeyID)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive commit: %w", err)
	}
	return nil
}

// Count returns how many entries the archive holds.
func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}
