package harness

import "github.com/roach88/recordflow/internal/model"

// TraceEvent is one audit entry as seen by assertions and golden files.
// Hashes, ids and timestamps are left out; the scenario clock and id
// generators make the rest deterministic.
type TraceEvent struct {
	Seq      int64         `json:"seq"`
	Action   string        `json:"action"`
	Actor    string        `json:"actor"`
	Outcome  model.Outcome `json:"outcome"`
	EntityID string        `json:"entity_id,omitempty"`
	RecordID string        `json:"record_id,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	// ID is the record or run the step acted on.
	ID string `json:"id,omitempty"`
	// Error is the error kind returned by the step, if any.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step matched its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Trace is the full audit trail in seq order, including the entries
	// written while applying bundles.
	Trace []TraceEvent `json:"trace"`

	// Errors explains each failure. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Aliases maps each alias bound by a step to its id.
	Aliases map[string]string `json:"aliases,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Steps:   []StepResult{},
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Aliases: make(map[string]string),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func traceEvent(e model.AuditEntry) TraceEvent {
	return TraceEvent{
		Seq:      e.Seq,
		Action:   e.Action,
		Actor:    e.ActorID,
		Outcome:  e.Outcome,
		EntityID: e.EntityID,
		RecordID: e.RecordID,
	}
}
