// Package store provides SQLite-backed durable storage for recordflow.
//
// The store holds:
//   - Documents: draft entity, rule and workflow definitions (JSON bodies)
//   - Entity versions: frozen schemas, one row per publish
//   - Records and record versions: current state plus immutable history
//   - Audit entries: the hash-chained log and its purge anchor
//   - Workflow runs and their append-only transition history
//   - Outbox: fire-and-forget messages produced by workflow actions
//
// # Ordering
//
//   - Record versions are ordered by version, audit entries by seq, run
//     history by seq; wall-clock timestamps never decide order
//   - Every list query carries an explicit ORDER BY
//
// # Concurrency
//
//   - records.current_version is advanced with compare-and-swap UPDATEs
//   - A partial UNIQUE index allows one running run per (workflow, record)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
