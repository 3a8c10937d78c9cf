package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

const retentionDocID = "audit"

// Sink receives archived entries. Implementations live in package archive.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []model.AuditEntry) error
}

// Retention returns the stored retention policy. A log with no policy keeps
// entries forever.
func (l *Log) Retention(ctx context.Context) (model.RetentionPolicy, error) {
	var p model.RetentionPolicy
	err := l.store.GetDocument(ctx, store.KindRetention, retentionDocID, &p)
	if errors.Is(err, store.ErrNotFound) {
		return model.RetentionPolicy{}, nil
	}
	if err != nil {
		return model.RetentionPolicy{}, err
	}
	return p, nil
}

// SetRetention stores a new retention policy.
func (l *Log) SetRetention(ctx context.Context, actorID string, days int) (model.RetentionPolicy, error) {
	if days < 0 {
		return model.RetentionPolicy{}, apperr.Validation("retention days must not be negative")
	}
	prev, err := l.Retention(ctx)
	if err != nil {
		return model.RetentionPolicy{}, err
	}
	p := model.RetentionPolicy{Days: days, UpdatedBy: actorID, UpdatedAt: l.clock.Now().UTC()}
	if err := l.store.PutDocument(ctx, store.KindRetention, retentionDocID, p); err != nil {
		return model.RetentionPolicy{}, err
	}
	if _, err := l.Append(ctx, Entry{
		ActorID:  actorID,
		Action:   "audit.retention.update",
		Severity: model.SeverityWarning,
		Payload:  map[string]any{"days": days, "previous_days": prev.Days},
	}); err != nil {
		return model.RetentionPolicy{}, err
	}
	return p, nil
}

// RetentionCutoff returns the instant before which entries fall outside the
// policy. The boolean is false when the policy keeps everything.
func (l *Log) RetentionCutoff(ctx context.Context) (time.Time, bool, error) {
	p, err := l.Retention(ctx)
	if err != nil || p.Days == 0 {
		return time.Time{}, false, err
	}
	return l.clock.Now().UTC().AddDate(0, 0, -p.Days), true, nil
}

// ArchiveResult reports what Archive copied.
type ArchiveResult struct {
	Sink     string `json:"sink"`
	Archived int    `json:"archived"`
	FirstSeq int64  `json:"first_seq,omitempty"`
	LastSeq  int64  `json:"last_seq,omitempty"`
}

// Archive copies every entry timestamped before cutoff to sink. Entries are
// left in place; Purge removes them.
func (l *Log) Archive(ctx context.Context, actorID string, before time.Time, sink Sink) (ArchiveResult, error) {
	res := ArchiveResult{Sink: sink.Name()}

	through, err := l.store.LastAuditBefore(ctx, before)
	if err != nil {
		return res, err
	}

	var after int64
	for after < through {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entries, err := l.store.QueryAudit(ctx, store.AuditQuery{
			Where:    "seq <= ?",
			Params:   []any{through},
			AfterSeq: after,
			Limit:    verifyPageSize,
		})
		if err != nil {
			return res, err
		}
		if len(entries) == 0 {
			break
		}
		if err := sink.Write(ctx, entries); err != nil {
			return res, fmt.Errorf("archive to %s: %w", sink.Name(), err)
		}
		if res.Archived == 0 {
			res.FirstSeq = entries[0].Seq
		}
		res.Archived += len(entries)
		res.LastSeq = entries[len(entries)-1].Seq
		after = res.LastSeq
	}

	if _, err := l.Append(ctx, Entry{
		ActorID: actorID,
		Action:  "audit.archive",
		Payload: map[string]any{
			"sink":      res.Sink,
			"before":    store.FormatTime(before),
			"archived":  res.Archived,
			"first_seq": res.FirstSeq,
			"last_seq":  res.LastSeq,
		},
	}); err != nil {
		return res, err
	}
	return res, nil
}

// PurgeResult reports what Purge removed.
type PurgeResult struct {
	Purged     int64             `json:"purged"`
	ThroughSeq int64             `json:"through_seq"`
	Anchor     model.ChainAnchor `json:"anchor"`
	Entry      model.AuditEntry  `json:"entry"`
}

// Purge deletes every entry timestamped before cutoff. The purge itself is
// appended to the log before anything is deleted, and the hash of the last
// purged entry becomes the anchor Verify starts from.
func (l *Log) Purge(ctx context.Context, actorID string, before time.Time) (PurgeResult, error) {
	if err := l.Healthy(); err != nil {
		return PurgeResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	through, err := l.store.LastAuditBefore(ctx, before)
	if err != nil {
		return PurgeResult{}, err
	}
	res := PurgeResult{ThroughSeq: through}

	if through > 0 {
		last, err := l.store.QueryAudit(ctx, store.AuditQuery{AfterSeq: through - 1, Limit: 1})
		if err != nil {
			return res, err
		}
		if len(last) == 0 || last[0].Seq != through {
			return res, fmt.Errorf("purge audit: entry %d disappeared", through)
		}
		res.Anchor = model.ChainAnchor{Seq: through, EntryHash: last[0].EntryHash}
	}

	res.Entry, err = l.appendLocked(ctx, Entry{
		ActorID:  actorID,
		Action:   "audit.purge",
		Severity: model.SeverityCritical,
		Payload: map[string]any{
			"before":      store.FormatTime(before),
			"through_seq": through,
			"anchor_hash": res.Anchor.EntryHash,
		},
	})
	if err != nil {
		return res, err
	}

	if through == 0 {
		return res, nil
	}
	if res.Purged, err = l.store.PurgeAudit(ctx, through, res.Anchor); err != nil {
		return res, err
	}

	l.logger.Warn("audit entries purged",
		"actor", actorID,
		"through_seq", through,
		"purged", res.Purged)
	return res, nil
}
