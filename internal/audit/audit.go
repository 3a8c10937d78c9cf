// Package audit implements the append-only, hash-chained audit log.
//
// Every entry carries the hash of its payload and the hash of the previous
// entry, so any in-place edit, deletion or reordering of stored entries is
// detected by Verify. When a Keyring is configured each entry hash is also
// HMAC-signed. A failed verification flips the log into the tampered state,
// which halts automated workflow actions until an operator acknowledges it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// Entry is the caller-supplied part of an audit entry. The log fills in
// seq, id, timestamp and every hash.
type Entry struct {
	ActorID  string
	Action   string
	EntityID string
	RecordID string
	Severity model.Severity
	Outcome  model.Outcome
	Payload  map[string]any
}

// AlertFunc is invoked once when verification detects tampering.
type AlertFunc func(ctx context.Context, err *apperr.Error)

// Log is the audit log. Appends are serialized by a single lock so the
// chain has exactly one successor per entry.
type Log struct {
	store   *store.Store
	keyring *Keyring
	clock   clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	alert   AlertFunc

	mu       sync.Mutex
	tampered atomic.Pointer[apperr.Error]
}

// Option configures a Log.
type Option func(*Log)

// WithKeyring enables HMAC signing of entry hashes.
func WithKeyring(k *Keyring) Option {
	return func(l *Log) { l.keyring = k }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDs overrides the entry id generator.
func WithIDs(g ids.Generator) Option {
	return func(l *Log) { l.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithAlert registers the tamper alert hook.
func WithAlert(fn AlertFunc) Option {
	return func(l *Log) { l.alert = fn }
}

// New creates a Log over s.
func New(s *store.Store, opts ...Option) *Log {
	l := &Log{
		store:  s,
		clock:  clock.System{},
		ids:    ids.UUIDv7{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds one entry to the end of the chain and returns it as stored.
func (l *Log) Append(ctx context.Context, in Entry) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, in)
}

func (l *Log) appendLocked(ctx context.Context, in Entry) (model.AuditEntry, error) {
	payload, err := normalizePayload(in.Payload)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("append audit %s: %w", in.Action, err)
	}

	prevSeq, prevHash, err := l.head(ctx)
	if err != nil {
		return model.AuditEntry{}, err
	}

	e := model.AuditEntry{
		Seq:               prevSeq + 1,
		ID:                l.ids.New(),
		Timestamp:         l.clock.Now().UTC(),
		ActorID:           in.ActorID,
		Action:            in.Action,
		EntityID:          in.EntityID,
		RecordID:          in.RecordID,
		Severity:          in.Severity,
		Outcome:           in.Outcome,
		Payload:           payload,
		PreviousEntryHash: prevHash,
	}
	if e.Severity == "" {
		e.Severity = model.SeverityInfo
	}
	if e.Outcome == "" {
		e.Outcome = model.OutcomeSuccess
	}

	if e.PayloadHash, err = model.PayloadHash(e.Payload); err != nil {
		return model.AuditEntry{}, err
	}
	if e.EntryHash, err = model.EntryHash(e); err != nil {
		return model.AuditEntry{}, err
	}
	if l.keyring != nil {
		if e.Signature, e.SignatureKeyID, err = l.keyring.Sign(e.EntryHash); err != nil {
			return model.AuditEntry{}, fmt.Errorf("sign audit entry: %w", err)
		}
	}

	if err := l.store.AppendAudit(ctx, e); err != nil {
		return model.AuditEntry{}, err
	}

	l.logger.Debug("audit appended",
		"seq", e.Seq,
		"action", e.Action,
		"actor", e.ActorID,
		"outcome", e.Outcome)

	return e, nil
}

// head returns the seq and hash the next entry chains from.
func (l *Log) head(ctx context.Context) (int64, string, error) {
	last, ok, err := l.store.LastAudit(ctx)
	if err != nil {
		return 0, "", err
	}
	if ok {
		return last.Seq, last.EntryHash, nil
	}
	anchor, err := l.store.AuditAnchor(ctx)
	if err != nil {
		return 0, "", err
	}
	return anchor.Seq, anchor.EntryHash, nil
}

// normalizePayload round-trips the payload through JSON so the hash is
// computed over exactly what a later read returns.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return out, nil
}

// Healthy returns the AuditTamperError while the log is in the tampered state.
func (l *Log) Healthy() error {
	if e := l.tampered.Load(); e != nil {
		return e
	}
	return nil
}

// Acknowledge clears the tampered state after operator review. The
// acknowledgement itself is audited as a critical entry.
func (l *Log) Acknowledge(ctx context.Context, actorID, note string) (model.AuditEntry, error) {
	prev := l.tampered.Swap(nil)
	payload := map[string]any{"note": note}
	if prev != nil {
		payload["cleared"] = prev.Message
	}
	e, err := l.Append(ctx, Entry{
		ActorID:  actorID,
		Action:   "audit.acknowledge",
		Severity: model.SeverityCritical,
		Payload:  payload,
	})
	if err != nil {
		if prev != nil {
			l.tampered.CompareAndSwap(nil, prev)
		}
		return model.AuditEntry{}, err
	}
	l.logger.Warn("audit tamper state acknowledged", "actor", actorID)
	return e, nil
}
