// Package jobs persists job records, artifacts, unit outcomes, and source media
// items in SQLite.
//
// The job record is the single source of truth for job state. Status changes
// only through Transition, a conditional update that fails with
// services.ErrStaleTransition when another writer moved the record first.
// Fan-out jobs aggregate their units through RecordUnitOutcome, which inserts a
// ledger row and bumps counters in one transaction so exactly one caller sees
// the last unit land.
package jobs
