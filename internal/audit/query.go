package audit

import (
	"context"
	"encoding/json"
	"io"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Query selects a page of entries.
type Query struct {
	// Filter is an AIP-160 expression over seq, actor_id, action,
	// entity_id, record_id, severity, outcome and ts.
	Filter   string
	AfterSeq int64
	PageSize int
}

// Page is one page of query results.
type Page struct {
	Entries []model.AuditEntry `json:"entries"`
	// NextAfterSeq is the cursor for the next page; zero when exhausted.
	NextAfterSeq int64 `json:"next_after_seq,omitempty"`
}

// Query returns entries matching q in seq order.
func (l *Log) Query(ctx context.Context, q Query) (Page, error) {
	cond, err := ParseFilter(q.Filter)
	if err != nil {
		return Page{}, apperr.Wrap(apperr.KindValidation, err, "invalid audit filter")
	}
	size := q.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	entries, err := l.store.QueryAudit(ctx, store.AuditQuery{
		Where:    cond.Clause,
		Params:   cond.Params,
		AfterSeq: q.AfterSeq,
		Limit:    size + 1,
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: entries}
	if len(entries) > size {
		page.Entries = entries[:size]
		page.NextAfterSeq = page.Entries[size-1].Seq
	}
	return page, nil
}

// ForEntity returns entries about one entity definition or its records.
func (l *Log) ForEntity(ctx context.Context, entityID string, afterSeq int64, pageSize int) (Page, error) {
	return l.queryColumn(ctx, "entity_id", entityID, afterSeq, pageSize)
}

// ForRecord returns entries about one record.
func (l *Log) ForRecord(ctx context.Context, recordID string, afterSeq int64, pageSize int) (Page, error) {
	return l.queryColumn(ctx, "record_id", recordID, afterSeq, pageSize)
}

// ForActor returns entries written on behalf of one actor.
func (l *Log) ForActor(ctx context.Context, actorID string, afterSeq int64, pageSize int) (Page, error) {
	return l.queryColumn(ctx, "actor_id", actorID, afterSeq, pageSize)
}

func (l *Log) queryColumn(ctx context.Context, column, value string, afterSeq int64, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	entries, err := l.store.QueryAudit(ctx, store.AuditQuery{
		Where:    column + " = ?",
		Params:   []any{value},
		AfterSeq: afterSeq,
		Limit:    pageSize + 1,
	})
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > pageSize {
		page.Entries = entries[:pageSize]
		page.NextAfterSeq = page.Entries[pageSize-1].Seq
	}
	return page, nil
}

// Export streams every entry matching filter to w as JSON lines and
// returns how many were written.
func (l *Log) Export(ctx context.Context, w io.Writer, filter string) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	n := 0
	q := Query{Filter: filter, PageSize: maxPageSize}
	for {
		page, err := l.Query(ctx, q)
		if err != nil {
			return n, err
		}
		for _, e := range page.Entries {
			if err := enc.Encode(e); err != nil {
				return n, err
			}
			n++
		}
		if page.NextAfterSeq == 0 {
			return n, nil
		}
		q.AfterSeq = page.NextAfterSeq
	}
}

// Annotate appends a note that refers to an existing entry. Entries are
// never edited; annotations are entries of their own.
func (l *Log) Annotate(ctx context.Context, actorID string, seq int64, note string) (model.AuditEntry, error) {
	if note == "" {
		return model.AuditEntry{}, apperr.Validation("annotation note is required")
	}
	target, err := l.store.QueryAudit(ctx, store.AuditQuery{AfterSeq: seq - 1, Limit: 1})
	if err != nil {
		return model.AuditEntry{}, err
	}
	if len(target) == 0 || target[0].Seq != seq {
		return model.AuditEntry{}, apperr.New(apperr.KindNotFound, "audit entry %d not found", seq)
	}
	return l.Append(ctx, Entry{
		ActorID:  actorID,
		Action:   "audit.annotate",
		EntityID: target[0].EntityID,
		RecordID: target[0].RecordID,
		Payload: map[string]any{
			"target_seq": seq,
			"target_id":  target[0].ID,
			"note":       note,
		},
	})
}
