package model

import "time"

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome records whether the audited operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEntry is one link of the append-only hash chain.
// Seq is assigned by the log; entries are never updated in place.
type AuditEntry struct {
	Seq               int64          `json:"seq"`
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	ActorID           string         `json:"actor_id"`
	Action            string         `json:"action"`
	EntityID          string         `json:"entity_id,omitempty"`
	RecordID          string         `json:"record_id,omitempty"`
	Severity          Severity       `json:"severity"`
	Outcome           Outcome        `json:"outcome"`
	Payload           map[string]any `json:"payload"`
	PayloadHash       string         `json:"payload_hash"`
	PreviousEntryHash string         `json:"previous_entry_hash"`
	EntryHash         string         `json:"entry_hash"`
	Signature         string         `json:"signature,omitempty"`
	SignatureKeyID    string         `json:"signature_key_id,omitempty"`
}

// ChainAnchor is where verification starts after a retention purge:
// the seq and hash of the last purged entry.
type ChainAnchor struct {
	Seq       int64  `json:"seq"`
	EntryHash string `json:"entry_hash"`
}

// RetentionPolicy bounds how long audit entries are kept.
// Zero days keeps entries forever.
type RetentionPolicy struct {
	Days      int       `json:"days"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
