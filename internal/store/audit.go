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

const auditColumns = `seq, id, ts, actor_id, action, entity_id, record_id, severity, outcome,
	payload, payload_hash, previous_entry_hash, entry_hash, signature, signature_key_id`

// AppendAudit inserts one audit entry. Seq must be assigned by the caller and
// be greater than every stored seq; the PRIMARY KEY rejects reuse.
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("append audit: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Seq, e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.EntityID, e.RecordID,
		string(e.Severity), string(e.Outcome), string(payload), e.PayloadHash,
		e.PreviousEntryHash, e.EntryHash, e.Signature, e.SignatureKeyID,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// LastAudit returns the entry with the highest seq.
// The boolean is false when the log holds no entries.
func (s *Store) LastAudit(ctx context.Context) (model.AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditEntry{}, false, nil
	}
	if err != nil {
		return model.AuditEntry{}, false, err
	}
	return e, true, nil
}

// AuditQuery selects audit entries. Where is a SQL condition over
// audit_entries columns (produced by the audit filter translator).
type AuditQuery struct {
	Where    string
	Params   []any
	AfterSeq int64
	Limit    int
}

// QueryAudit returns entries with seq > AfterSeq ordered by seq.
// Returns an empty slice (not nil) if none match.
func (s *Store) QueryAudit(ctx context.Context, q AuditQuery) ([]model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE seq > ?`
	args := []any{q.AfterSeq}
	if q.Where != "" {
		query += ` AND (` + q.Where + `)`
		args = append(args, q.Params...)
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []model.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

// LastAuditBefore returns the seq of the newest entry timestamped before cutoff.
// Returns 0 when no entry qualifies.
func (s *Store) LastAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM audit_entries WHERE ts < ?
	`, formatTime(cutoff)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last audit before: %w", err)
	}
	return seq.Int64, nil
}

// PurgeAudit deletes every entry with seq <= throughSeq and records anchor as
// the new verification starting point, atomically.
func (s *Store) PurgeAudit(ctx context.Context, throughSeq int64, anchor model.ChainAnchor) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM audit_entries WHERE seq <= ?`, throughSeq)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_anchor (id, seq, entry_hash) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, entry_hash = excluded.entry_hash
	`, anchor.Seq, anchor.EntryHash); err != nil {
		return 0, fmt.Errorf("purge audit: anchor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge audit: commit: %w", err)
	}
	return n, nil
}

// AuditAnchor returns the chain anchor left by the last purge.
// A log that was never purged has the zero anchor.
func (s *Store) AuditAnchor(ctx context.Context) (model.ChainAnchor, error) {
	var a model.ChainAnchor
	err := s.db.QueryRowContext(ctx, `SELECT seq, entry_hash FROM audit_anchor WHERE id = 1`).Scan(&a.Seq, &a.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChainAnchor{}, nil
	}
	if err != nil {
		return model.ChainAnchor{}, fmt.Errorf("audit anchor: %w", err)
	}
	return a, nil
}

func scanAudit(row scanner) (model.AuditEntry, error) {
	var e model.AuditEntry
	var ts, payload, severity, outcome string
	err := row.Scan(&e.Seq, &e.ID, &ts, &e.ActorID, &e.Action, &e.EntityID, &e.RecordID,
		&severity, &outcome, &payload, &e.PayloadHash, &e.PreviousEntryHash, &e.EntryHash,
		&e.Signature, &e.SignatureKeyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan audit: %w", err)
	}
	e.Severity = model.Severity(severity)
	e.Outcome = model.Outcome(outcome)
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("scan audit %d: payload: %w", e.Seq, err)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e, nil
}
