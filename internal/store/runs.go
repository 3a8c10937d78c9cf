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

// InsertRun stores a new workflow run and its initial history.
// Returns ErrActiveRunExists if another running run holds the same
// (workflow, record) pair.
func (s *Store) InsertRun(ctx context.Context, run model.WorkflowRun) error {
	body, err := marshalRun(run)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert run: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_runs
		(id, workflow_id, record_id, entity_id, status, current_state, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowID, run.RecordID, run.EntityID, string(run.Status), run.CurrentState,
		body, formatTime(run.CreatedAt), formatTime(run.UpdatedAt)); err != nil {
		if isUniqueViolation(err) {
			return ErrActiveRunExists
		}
		return fmt.Errorf("insert run: %w", err)
	}

	if err := insertHistory(ctx, tx, run.ID, run.History); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert run: commit: %w", err)
	}
	return nil
}

// SaveRun updates a run's state and appends new history entries atomically.
// History already stored is never rewritten.
func (s *Store) SaveRun(ctx context.Context, run model.WorkflowRun, appended ...model.TransitionLog) error {
	body, err := marshalRun(run)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, current_state = ?, body = ?, updated_at = ?
		WHERE id = ?
	`, string(run.Status), run.CurrentState, body, formatTime(run.UpdatedAt), run.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveRunExists
		}
		return fmt.Errorf("save run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save run: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if err := insertHistory(ctx, tx, run.ID, appended); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save run: commit: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, runID string, logs []model.TransitionLog) error {
	for _, l := range logs {
		body, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_history (run_id, seq, body) VALUES (?, ?, ?)
		`, runID, l.Seq, string(body)); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

// GetRun returns a run with its full history.
func (s *Store) GetRun(ctx context.Context, id string) (model.WorkflowRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("get run: %w", err)
	}
	run, err := unmarshalRun(body)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if run.History, err = s.RunHistory(ctx, id); err != nil {
		return model.WorkflowRun{}, err
	}
	return run, nil
}

// ActiveRun returns the running run for a (workflow, record) pair, if any.
func (s *Store) ActiveRun(ctx context.Context, workflowID, recordID string) (model.WorkflowRun, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE workflow_id = ? AND record_id = ? AND status = ?
	`, workflowID, recordID, string(model.RunRunning)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, false, nil
	}
	if err != nil {
		return model.WorkflowRun{}, false, fmt.Errorf("active run: %w", err)
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return model.WorkflowRun{}, false, err
	}
	return run, true, nil
}

// RunQuery filters ListRuns. Empty fields match everything.
type RunQuery struct {
	WorkflowID string
	RecordID   string
	Status     model.RunStatus
	Limit      int
}

// ListRuns returns runs without history, oldest first.
// Returns an empty slice (not nil) if none match.
func (s *Store) ListRuns(ctx context.Context, q RunQuery) ([]model.WorkflowRun, error) {
	var where []string
	var args []any
	if q.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, q.WorkflowID)
	}
	if q.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, q.RecordID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	query := `SELECT body FROM workflow_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []model.WorkflowRun{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := unmarshalRun(body)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// CountRuns counts runs of a workflow in any status.
func (s *Store) CountRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_runs WHERE workflow_id = ?`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// RunHistory returns a run's history ordered by seq.
func (s *Store) RunHistory(ctx context.Context, runID string) ([]model.TransitionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM run_history WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	out := []model.TransitionLog{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var l model.TransitionLog
		if err := json.Unmarshal([]byte(body), &l); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// marshalRun encodes a run without its history, which lives in run_history.
func marshalRun(run model.WorkflowRun) (string, error) {
	run.History = nil
	b, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	return string(b), nil
}

func unmarshalRun(body string) (model.WorkflowRun, error) {
	var run model.WorkflowRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("decode run: %w", err)
	}
	run.History = []model.TransitionLog{}
	return run, nil
}
