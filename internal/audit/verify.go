package audit

import (
	"context"
	"fmt"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// verifyPageSize bounds how many entries Verify loads at once.
const verifyPageSize = 500

// Report summarizes a successful verification.
type Report struct {
	Checked  int    `json:"checked"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
	HeadHash string `json:"head_hash"`
	Signed   int    `json:"signed"`
}

// Verify walks the whole chain from the purge anchor and recomputes every
// hash. On the first mismatch it raises AuditTamperError, records the
// tampered state and fires the alert hook.
func (l *Log) Verify(ctx context.Context) (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report, terr := l.verifyLocked(ctx)
	if terr == nil {
		return report, nil
	}

	tamper, ok := apperr.As(terr)
	if !ok || tamper.Kind != apperr.KindAuditTamper {
		return report, terr
	}

	if l.tampered.CompareAndSwap(nil, tamper) {
		l.logger.Error("audit chain integrity failure",
			"reason", tamper.Message,
			"details", tamper.Details)
		if l.alert != nil {
			l.alert(ctx, tamper)
		}
	}
	return report, tamper
}

func (l *Log) verifyLocked(ctx context.Context) (Report, error) {
	anchor, err := l.store.AuditAnchor(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{HeadHash: anchor.EntryHash}
	lastSeq := anchor.Seq
	prevHash := anchor.EntryHash

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entries, err := l.store.QueryAudit(ctx, store.AuditQuery{AfterSeq: lastSeq, Limit: verifyPageSize})
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}
		for _, e := range entries {
			if err := l.checkEntry(e, lastSeq, prevHash); err != nil {
				return report, err
			}
			if report.Checked == 0 {
				report.FirstSeq = e.Seq
			}
			report.Checked++
			report.LastSeq = e.Seq
			report.HeadHash = e.EntryHash
			if e.Signature != "" {
				report.Signed++
			}
			prevHash = e.EntryHash
			lastSeq = e.Seq
		}
	}
}

func (l *Log) checkEntry(e model.AuditEntry, lastSeq int64, prevHash string) error {
	tamper := func(reason string) error {
		return apperr.New(apperr.KindAuditTamper, "%s at seq %d", reason, e.Seq).
			With("seq", e.Seq).
			With("entry_id", e.ID)
	}

	if e.Seq != lastSeq+1 {
		return tamper(fmt.Sprintf("sequence gap (expected %d)", lastSeq+1))
	}
	if e.PreviousEntryHash != prevHash {
		return tamper("previous hash mismatch")
	}

	payloadHash, err := model.PayloadHash(e.Payload)
	if err != nil {
		return tamper("payload cannot be hashed")
	}
	if payloadHash != e.PayloadHash {
		return tamper("payload hash mismatch")
	}

	entryHash, err := model.EntryHash(e)
	if err != nil {
		return tamper("entry cannot be hashed")
	}
	if entryHash != e.EntryHash {
		return tamper("entry hash mismatch")
	}

	if e.Signature != "" || e.SignatureKeyID != "" {
		if l.keyring == nil {
			return nil
		}
		if err := l.keyring.Verify(e.EntryHash, e.Signature, e.SignatureKeyID); err != nil {
			return tamper("signature invalid: " + err.Error())
		}
	}
	return nil
}
