package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/recordflow/internal/model"
)

// EnqueueOutbound appends a message to the outbox and returns its id.
func (s *Store) EnqueueOutbound(ctx context.Context, msg model.OutboundMessage) (int64, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbound: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (kind, topic, payload, run_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(msg.Kind), msg.Topic, string(payload), msg.RunID, formatTime(msg.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("enqueue outbound: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue outbound: %w", err)
	}
	return id, nil
}

// ListOutbound returns messages with id > afterID in insertion order.
func (s *Store) ListOutbound(ctx context.Context, afterID int64, limit int) ([]model.OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, topic, payload, run_id, created_at
		FROM outbox WHERE id > ? ORDER BY id ASC LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbound: %w", err)
	}
	defer rows.Close()

	out := []model.OutboundMessage{}
	for rows.Next() {
		var m model.OutboundMessage
		var kind, payload, createdAt string
		if err := rows.Scan(&m.ID, &kind, &m.Topic, &payload, &m.RunID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		m.Kind = model.OutboundKind(kind)
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode outbound %d: %w", m.ID, err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound: %w", err)
	}
	return out, nil
}
