package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a conformance test: definitions to apply, steps to execute
// against them and assertions over the resulting audit trail and state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Bundles lists definition bundles (files or directories) applied
	// before the first step. Relative paths resolve against the scenario
	// file's directory.
	Bundles []string `yaml:"bundles"`

	// LockTTL expires record locks after this long on the scenario clock.
	// Zero keeps locks until released.
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// Steps run in order. A step whose outcome differs from its expect
	// clause fails the scenario but does not stop it.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation against the platform.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Actor performs the step. Defaults to DefaultActor.
	Actor string `yaml:"actor,omitempty"`

	// As binds the created record or started run to an alias that later
	// steps and assertions may use in place of its id.
	As string `yaml:"as,omitempty"`

	Entity   string         `yaml:"entity,omitempty"`
	Record   string         `yaml:"record,omitempty"`
	Workflow string         `yaml:"workflow,omitempty"`
	Run      string         `yaml:"run,omitempty"`
	Data     map[string]any `yaml:"data,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`

	// Version is the expected record version of update_record. Zero uses
	// the record's current version.
	Version int64 `yaml:"version,omitempty"`

	// Force is used by unlock_record.
	Force bool `yaml:"force,omitempty"`

	// Duration is how far wait moves the clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Error is the expected error kind. Empty expects success.
	Error string `yaml:"error,omitempty"`

	// State and Status apply to steps returning a run.
	State  string `yaml:"state,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Version applies to steps returning a record.
	Version int64 `yaml:"version,omitempty"`

	// Advanced is the number of runs a tick moves.
	Advanced *int `yaml:"advanced,omitempty"`
}

// Step operations.
const (
	OpCreateRecord  = "create_record"
	OpUpdateRecord  = "update_record"
	OpDeleteRecord  = "delete_record"
	OpRestoreRecord = "restore_record"
	OpLockRecord    = "lock_record"
	OpUnlockRecord  = "unlock_record"
	OpTrigger       = "trigger"
	OpAdvance       = "advance"
	OpRetry         = "retry"
	OpCancel        = "cancel"
	OpTick          = "tick"
	OpWait          = "wait"
	OpVerify        = "verify"
)

var stepFields = map[string][]string{
	OpCreateRecord:  {"entity"},
	OpUpdateRecord:  {"record"},
	OpDeleteRecord:  {"record"},
	OpRestoreRecord: {"record"},
	OpLockRecord:    {"record"},
	OpUnlockRecord:  {"record"},
	OpTrigger:       {"workflow", "record"},
	OpAdvance:       {"run"},
	OpRetry:         {"run"},
	OpCancel:        {"run"},
	OpTick:          {"workflow"},
	OpWait:          {"duration"},
	OpVerify:        {},
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is an audit action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Actor restricts trace_contains to entries by this actor.
	Actor string `yaml:"actor,omitempty"`

	// Outcome restricts trace_contains to success or failure entries.
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number of entries (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order). Intervening entries
	// are allowed.
	Actions []string `yaml:"actions,omitempty"`

	// Record or Run names the object of record_state and run_state, by
	// alias or id.
	Record string `yaml:"record,omitempty"`
	Run    string `yaml:"run,omitempty"`

	// Expect holds expected values (subset match). For record_state the
	// keys are field names plus "version" and "deleted"; for run_state
	// they are "state", "status" and "history" (the number of entries).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertRecordState   = "record_state"
	AssertRunState      = "run_state"
	AssertChainValid    = "chain_valid"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, b := range scenario.Bundles {
		if !filepath.IsAbs(b) {
			scenario.Bundles[i] = filepath.Join(base, b)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, b := range s.Bundles {
		if _, err := os.Stat(b); err != nil {
			return fmt.Errorf("bundle not found: %s", b)
		}
	}

	aliases := map[string]bool{}
	for i, step := range s.Steps {
		required, ok := stepFields[step.Op]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		for _, f := range required {
			if !step.has(f) {
				return fmt.Errorf("steps[%d]: %s is required for %s", i, f, step.Op)
			}
		}
		if step.As != "" {
			if step.Op != OpCreateRecord && step.Op != OpTrigger {
				return fmt.Errorf("steps[%d]: as is only allowed on %s and %s", i, OpCreateRecord, OpTrigger)
			}
			if aliases[step.As] {
				return fmt.Errorf("steps[%d]: alias %q is already bound", i, step.As)
			}
			aliases[step.As] = true
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) has(field string) bool {
	switch field {
	case "entity":
		return s.Entity != ""
	case "record":
		return s.Record != ""
	case "workflow":
		return s.Workflow != ""
	case "run":
		return s.Run != ""
	case "duration":
		return s.Duration > 0
	}
	return false
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertRecordState:
		if a.Record == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: record and expect are required for record_state", index)
		}
	case AssertRunState:
		if a.Run == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: run and expect are required for run_state", index)
		}
		for k := range a.Expect {
			if !slices.Contains([]string{"state", "status", "history"}, k) {
				return fmt.Errorf("assertions[%d]: unknown run_state key %q", index, k)
			}
		}
	case AssertChainValid:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
