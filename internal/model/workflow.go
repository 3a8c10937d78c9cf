package model

import "time"

// TriggerType is how runs of a workflow are started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
)

// State is a named node of a workflow's state machine.
type State struct {
	Name  string `json:"name" yaml:"name"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Transition is a directed edge between two states.
// An empty GuardRuleID makes the transition unguarded.
type Transition struct {
	ID          string   `json:"id" yaml:"id"`
	From        string   `json:"from" yaml:"from"`
	To          string   `json:"to" yaml:"to"`
	GuardRuleID string   `json:"guard_rule_id,omitempty" yaml:"guard_rule_id,omitempty"`
	Actions     []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// WorkflowDefinition is a finite-state machine bound to one entity.
type WorkflowDefinition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	BoundEntity string       `json:"bound_entity" yaml:"bound_entity"`
	States      []State      `json:"states" yaml:"states"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	TriggerType TriggerType  `json:"trigger_type" yaml:"trigger_type"`
	Published   bool         `json:"published" yaml:"-"`
	Version     int          `json:"version" yaml:"-"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// InitialState returns the first declared state with no incoming transition.
func (w *WorkflowDefinition) InitialState() (string, bool) {
	incoming := make(map[string]bool, len(w.Transitions))
	for _, t := range w.Transitions {
		incoming[t.To] = true
	}
	for _, s := range w.States {
		if !incoming[s.Name] {
			return s.Name, true
		}
	}
	return "", false
}

// Outgoing returns the enabled transitions leaving state, in declared order.
func (w *WorkflowDefinition) Outgoing(state string) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.From == state && !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

// IsTerminal reports whether state has no enabled outgoing transitions.
func (w *WorkflowDefinition) IsTerminal(state string) bool {
	return len(w.Outgoing(state)) == 0
}

// Transition returns the transition with the given id.
func (w *WorkflowDefinition) Transition(id string) (Transition, bool) {
	for _, t := range w.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return Transition{}, false
}

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsActive reports whether a run occupies its (workflow, record) slot.
func (s RunStatus) IsActive() bool {
	return s == RunRunning
}

// IsTerminal reports whether no further status change is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// TransitionOutcome classifies a history entry.
type TransitionOutcome string

const (
	OutcomeTaken     TransitionOutcome = "taken"
	OutcomeFailed    TransitionOutcome = "failed"
	OutcomeRetried   TransitionOutcome = "retried"
	OutcomeCancelled TransitionOutcome = "cancelled"
	OutcomeStarted   TransitionOutcome = "started"
)

// TransitionLog is one append-only history entry of a run.
type TransitionLog struct {
	Seq            int               `json:"seq"`
	TransitionID   string            `json:"transition_id,omitempty"`
	From           string            `json:"from,omitempty"`
	To             string            `json:"to,omitempty"`
	Outcome        TransitionOutcome `json:"outcome"`
	ActorID        string            `json:"actor_id"`
	AppliedActions int               `json:"applied_actions"`
	Error          string            `json:"error,omitempty"`
	At             time.Time         `json:"at"`
}

// WorkflowRun is one execution of a workflow against one record.
type WorkflowRun struct {
	ID                 string          `json:"id"`
	WorkflowID         string          `json:"workflow_id"`
	WorkflowVersion    int             `json:"workflow_version"`
	RecordID           string          `json:"record_id"`
	EntityID           string          `json:"entity_id"`
	CurrentState       string          `json:"current_state"`
	Status             RunStatus       `json:"status"`
	TriggerType        TriggerType     `json:"trigger_type"`
	TriggerPayload     map[string]any  `json:"trigger_payload,omitempty"`
	FailedTransitionID string          `json:"failed_transition_id,omitempty"`
	LastAppliedAction  int             `json:"last_applied_action"`
	Error              string          `json:"error,omitempty"`
	CancelledBy        string          `json:"cancelled_by,omitempty"`
	LastEventSeq       int64           `json:"last_event_seq"`
	History            []TransitionLog `json:"history"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (w WorkflowDefinition) Clone() WorkflowDefinition {
	out := w
	out.States = append([]State{}, w.States...)
	out.Transitions = make([]Transition, len(w.Transitions))
	for i, t := range w.Transitions {
		t.Actions = append([]Action{}, t.Actions...)
		out.Transitions[i] = t
	}
	return out
}
