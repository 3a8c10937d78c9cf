// Package harness runs recordflow scenarios.
//
// A scenario is a YAML file that applies definition bundles, executes a
// sequence of steps against records and workflow runs, and asserts over
// the resulting audit trail and final state:
//
//	name: order_approval
//	description: a large order is approved by a scheduled tick
//	bundles: [../../bundle/testdata/bundle]
//	steps:
//	  - op: create_record
//	    entity: Order
//	    data: {total: 500}
//	    as: order
//	  - op: trigger
//	    workflow: order-approval
//	    record: order
//	    as: run
//	    expect: {state: review}
//	  - op: advance
//	    run: run
//	    expect: {state: approved, status: completed}
//	assertions:
//	  - type: trace_order
//	    actions: [record.create, workflow.run.start, workflow.run.transition]
//	  - type: record_state
//	    record: order
//	    expect: {note: approved}
//	  - type: chain_valid
//
// Every scenario runs against a fresh database with a manual clock fixed
// at Epoch and sequential ids (rec-1, run-1, ...), so the trace is
// deterministic and can be compared against golden files.
//
// # Steps
//
//   - create_record, update_record, delete_record, restore_record
//   - lock_record, unlock_record (force: true for a forced release)
//   - trigger, advance, retry, cancel
//   - tick: re-evaluates the running runs of a workflow
//   - wait: advances the clock by duration
//   - verify: verifies the audit chain
//
// Steps succeed unless expect.error names an error kind. Record events
// are drained after every step, so event-triggered runs have started
// before the next one.
//
// # Assertions
//
//   - trace_contains: an entry with the action (and actor, outcome)
//   - trace_order: actions in order, gaps allowed
//   - trace_count: exact number of entries with the action
//   - record_state: field values plus version, deleted and locked_by
//   - run_state: state, status and history length
//   - chain_valid: the audit chain verifies
package harness
