package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/ids"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	clock *clock.Manual
	log   *Log
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := clock.NewManual(testStart)
	base := []Option{WithClock(c), WithIDs(ids.NewSequential("aud"))}
	return &fixture{store: s, clock: c, log: New(s, append(base, opts...)...)}
}

func (f *fixture) append(t *testing.T, actor, action string, payload map[string]any) model.AuditEntry {
	t.Helper()
	e, err := f.log.Append(context.Background(), Entry{ActorID: actor, Action: action, Payload: payload})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	return e
}

func TestAppendChainsEntries(t *testing.T) {
	f := newFixture(t)

	first := f.append(t, "alice", "record.create", map[string]any{"total": 99.5})
	second := f.append(t, "bob", "record.update", nil)

	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PreviousEntryHash)
	assert.Equal(t, model.SeverityInfo, first.Severity)
	assert.Equal(t, model.OutcomeSuccess, first.Outcome)
	assert.Len(t, first.EntryHash, 64)

	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.EntryHash, second.PreviousEntryHash)
	assert.Equal(t, map[string]any{}, second.Payload)
}

func TestConcurrentAppendsStayLinear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.log.Append(ctx, Entry{ActorID: "system", Action: "tick"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := f.log.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Checked)
	assert.Equal(t, int64(20), report.LastSeq)
}

func TestVerifyDetectsPayloadEdit(t *testing.T) {
	var alerts []*apperr.Error
	f := newFixture(t, WithAlert(func(_ context.Context, err *apperr.Error) {
		alerts = append(alerts, err)
	}))
	ctx := context.Background()

	f.append(t, "alice", "record.create", map[string]any{"total": 10})
	f.append(t, "alice", "record.update", map[string]any{"total": 20})
	f.append(t, "alice", "record.update", map[string]any{"total": 30})

	_, err := f.log.Verify(ctx)
	require.NoError(t, err)
	require.NoError(t, f.log.Healthy())

	_, err = f.store.DB().Exec(`UPDATE audit_entries SET payload = '{"total":25}' WHERE seq = 2`)
	require.NoError(t, err)

	_, err = f.log.Verify(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuditTamper))
	assert.Contains(t, err.Error(), "payload hash mismatch at seq 2")
	assert.True(t, apperr.Is(f.log.Healthy(), apperr.KindAuditTamper))

	// A second failing verification does not re-alert.
	_, _ = f.log.Verify(ctx)
	assert.Len(t, alerts, 1)
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.append(t, "alice", "record.update", nil)
	}
	_, err := f.store.DB().Exec(`DELETE FROM audit_entries WHERE seq = 2`)
	require.NoError(t, err)

	_, err = f.log.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestVerifyDetectsRewrittenHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "alice", "a", nil)
	f.append(t, "alice", "b", nil)
	_, err := f.store.DB().Exec(`UPDATE audit_entries SET actor_id = 'mallory' WHERE seq = 1`)
	require.NoError(t, err)

	_, err = f.log.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry hash mismatch at seq 1")
}

func TestAcknowledgeClearsTamperState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "alice", "a", map[string]any{"n": 1})
	_, err := f.store.DB().Exec(`UPDATE audit_entries SET payload = '{"n":2}' WHERE seq = 1`)
	require.NoError(t, err)
	_, err = f.log.Verify(ctx)
	require.Error(t, err)

	e, err := f.log.Acknowledge(ctx, "admin", "restored from backup")
	require.NoError(t, err)
	assert.NoError(t, f.log.Healthy())
	assert.Equal(t, model.SeverityCritical, e.Severity)
	assert.Equal(t, "audit.acknowledge", e.Action)
}

func TestSignedEntries(t *testing.T) {
	keyring, err := NewKeyring(map[string][]byte{"k1": []byte("secret-one"), "k2": []byte("secret-two")}, "k1")
	require.NoError(t, err)
	f := newFixture(t, WithKeyring(keyring))
	ctx := context.Background()

	e := f.append(t, "alice", "a", nil)
	assert.Equal(t, "k1", e.SignatureKeyID)
	assert.NotEmpty(t, e.Signature)

	report, err := f.log.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Signed)

	_, err = f.store.DB().Exec(`UPDATE audit_entries SET signature = 'forged' WHERE seq = 1`)
	require.NoError(t, err)
	_, err = f.log.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature invalid")
}

func TestKeyringRotationVerifiesOldKeys(t *testing.T) {
	keys := map[string][]byte{"k1": []byte("one"), "k2": []byte("two")}
	old, err := NewKeyring(keys, "k1")
	require.NoError(t, err)
	sig, keyID, err := old.Sign("abc")
	require.NoError(t, err)

	rotated, err := NewKeyring(keys, "k2")
	require.NoError(t, err)
	assert.NoError(t, rotated.Verify("abc", sig, keyID))
	assert.Error(t, rotated.Verify("abd", sig, keyID))
	assert.Error(t, rotated.Verify("abc", sig, "k9"))
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys(" k1=alpha , k2=beta,")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k1": []byte("alpha"), "k2": []byte("beta")}, keys)

	_, err = ParseKeys("k1")
	assert.Error(t, err)

	_, err = NewKeyring(keys, "missing")
	assert.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		clause string
		params []any
	}{
		{name: "empty", filter: "", clause: "", params: nil},
		{name: "equality", filter: `actor_id = "alice"`, clause: "actor_id = ?", params: []any{"alice"}},
		{
			name:   "and",
			filter: `action = "record.update" AND seq > 3`,
			clause: "(action = ? AND seq > ?)",
			params: []any{"record.update", int64(3)},
		},
		{
			name:   "timestamp",
			filter: `ts >= timestamp("2024-06-01T13:00:00Z")`,
			clause: "ts >= ?",
			params: []any{"2024-06-01T13:00:00.000000000Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseFilter(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.clause, cond.Clause)
			assert.Equal(t, tt.params, cond.Params)
		})
	}

	_, err := ParseFilter(`nosuch = "x"`)
	assert.Error(t, err)
}

func TestQueryPagesAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.append(t, "alice", "record.update", nil)
		f.append(t, "bob", "record.create", nil)
	}

	page, err := f.log.Query(ctx, Query{Filter: `actor_id = "alice"`, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(5), page.NextAfterSeq)

	page, err = f.log.Query(ctx, Query{Filter: `actor_id = "alice"`, PageSize: 3, AfterSeq: page.NextAfterSeq})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Zero(t, page.NextAfterSeq)

	page, err = f.log.Query(ctx, Query{Filter: `ts >= timestamp("2024-06-01T20:00:00Z")`})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	_, err = f.log.Query(ctx, Query{Filter: `actor_id = `})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestForRecordAndActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.Append(ctx, Entry{ActorID: "alice", Action: "record.create", EntityID: "order", RecordID: "r1"})
	require.NoError(t, err)
	_, err = f.log.Append(ctx, Entry{ActorID: "bob", Action: "record.create", EntityID: "order", RecordID: "r2"})
	require.NoError(t, err)

	page, err := f.log.ForRecord(ctx, "r2", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "bob", page.Entries[0].ActorID)

	page, err = f.log.ForEntity(ctx, "order", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	page, err = f.log.ForActor(ctx, "carol", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestExportWritesJSONLines(t *testing.T) {
	f := newFixture(t)
	f.append(t, "alice", "a", nil)
	f.append(t, "bob", "b", nil)

	var buf bytes.Buffer
	n, err := f.log.Export(context.Background(), &buf, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var e model.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
	assert.Equal(t, "bob", e.ActorID)
}

func TestAnnotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.append(t, "alice", "record.update", nil)

	note, err := f.log.Annotate(ctx, "auditor", target.Seq, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, "audit.annotate", note.Action)
	assert.Equal(t, float64(target.Seq), note.Payload["target_seq"])

	_, err = f.log.Annotate(ctx, "auditor", 99, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.log.Annotate(ctx, "auditor", target.Seq, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRetentionPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.log.Retention(ctx)
	require.NoError(t, err)
	assert.Zero(t, p.Days)
	_, ok, err := f.log.RetentionCutoff(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.log.SetRetention(ctx, "admin", -1)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	p, err = f.log.SetRetention(ctx, "admin", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, p.Days)

	cutoff, ok, err := f.log.RetentionCutoff(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testStart.AddDate(0, 0, -30), cutoff)
}

type memorySink struct {
	entries []model.AuditEntry
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, entries []model.AuditEntry) error {
	m.entries = append(m.entries, entries...)
	return nil
}

func TestArchiveThenPurgeKeepsChainVerifiable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.append(t, "alice", "record.update", map[string]any{"i": i})
	}
	cutoff := testStart.Add(3*time.Hour + time.Minute)

	sink := &memorySink{}
	res, err := f.log.Archive(ctx, "admin", cutoff, sink)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Archived)
	assert.Equal(t, int64(1), res.FirstSeq)
	assert.Equal(t, int64(4), res.LastSeq)
	require.Len(t, sink.entries, 4)

	purge, err := f.log.Purge(ctx, "admin", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), purge.Purged)
	assert.Equal(t, int64(4), purge.ThroughSeq)
	assert.Equal(t, sink.entries[3].EntryHash, purge.Anchor.EntryHash)
	assert.Equal(t, "audit.purge", purge.Entry.Action)
	assert.Equal(t, int64(8), purge.Entry.Seq)

	report, err := f.log.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.FirstSeq)
	assert.Equal(t, int64(8), report.LastSeq)
	assert.Equal(t, 4, report.Checked)

	next := f.append(t, "alice", "record.update", nil)
	assert.Equal(t, int64(9), next.Seq)
}

func TestPurgeNothingStillAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, "alice", "a", nil)

	res, err := f.log.Purge(ctx, "admin", testStart.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Purged)
	assert.Equal(t, "audit.purge", res.Entry.Action)

	_, err = f.log.Verify(ctx)
	assert.NoError(t, err)
}
