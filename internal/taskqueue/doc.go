// Package taskqueue provides the at-least-once work unit queue that feeds the
// dispatcher.
//
// A claimed unit stays invisible until its lease deadline. Workers extend the
// lease while the external tool runs and acknowledge only after the outcome is
// committed to the job store; a crashed worker's unit becomes claimable again
// once the deadline passes. Every claim increments the unit's Attempts count.
//
// Two backends implement Queue: a SQLite table that shares the job database,
// and Redis (ready list, in-flight sorted set scored by deadline, and one hash
// per unit) driven by Lua scripts so claims are atomic.
package taskqueue
