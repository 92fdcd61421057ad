// Package store defines the storage contract for transit and the SQL
// implementation shared by its backends.
//
// A Backend persists three kinds of rows:
//   - Objects: one table per model, current state only
//   - Transitions: append-only log, ordered by a backend-assigned seq
//   - Tasks: one row per (transition, consumer), created then completed
//
// # Invariants
//
// Atomic transitions:
//   - The object row write and the transition append share one transaction
//   - Validation happens before ApplyTransition is called; nothing partial is stored
//
// Task idempotency:
//   - UNIQUE(transition_id, consumer) plus ON CONFLICT DO NOTHING
//   - Replaying a transition through the feed never creates a second task
//
// Exclusive claims:
//   - ClaimTasks never hands the same created task to two concurrent claimers
//   - Postgres uses SELECT ... FOR UPDATE SKIP LOCKED inside a transaction
//   - SQLite uses an atomic lease UPDATE ... RETURNING under its database lock
//
// Subpackages sqlite and postgres provide the two backends; storetest holds
// the contract suite both must pass.
package store
