package model

import "time"

// Record is the current state of one stored record.
type Record struct {
	ID             string     `json:"id"`
	EntityID       string     `json:"entity_id"`
	CurrentVersion int64      `json:"current_version"`
	SchemaVersion  int        `json:"schema_version"`
	Data           Data       `json:"data"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RecordVersion is an immutable snapshot of a record at one version.
type RecordVersion struct {
	RecordID      string    `json:"record_id"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	Data          Data      `json:"data"`
	AuthorID      string    `json:"author_id"`
	Timestamp     time.Time `json:"timestamp"`
	ChangeSummary string    `json:"change_summary"`
	SnapshotHash  string    `json:"snapshot_hash"`
}

// ChangeOp classifies a field change between two snapshots.
type ChangeOp string

const (
	ChangeAdded   ChangeOp = "added"
	ChangeRemoved ChangeOp = "removed"
	ChangeChanged ChangeOp = "changed"
)

// FieldChange is one entry of a diff.
type FieldChange struct {
	Field  string   `json:"field"`
	Op     ChangeOp `json:"op"`
	Before Value    `json:"-"`
	After  Value    `json:"-"`
}

// EventType is the kind of record mutation an Event reports.
type EventType string

const (
	EventCreated    EventType = "created"
	EventUpdated    EventType = "updated"
	EventRolledBack EventType = "rolled_back"
	EventDeleted    EventType = "deleted"
	EventRestored   EventType = "restored"
)

// Event announces a committed record mutation. Seq is a global logical
// sequence number; a record's events are always delivered in Seq order.
type Event struct {
	Seq      int64     `json:"seq"`
	Type     EventType `json:"type"`
	EntityID string    `json:"entity_id"`
	RecordID string    `json:"record_id"`
	Version  int64     `json:"version"`
	ActorID  string    `json:"actor_id"`
	Data     Data      `json:"data"`
}

// OutboundKind distinguishes emitted events from webhook calls in the outbox.
type OutboundKind string

const (
	OutboundEvent   OutboundKind = "event"
	OutboundWebhook OutboundKind = "webhook"
)

// OutboundMessage is a fire-and-forget message produced by a workflow action.
// Delivery is owned by external collaborators reading the outbox.
type OutboundMessage struct {
	ID        int64          `json:"id"`
	Kind      OutboundKind   `json:"kind"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	RunID     string         `json:"run_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
