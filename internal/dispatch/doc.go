// Package dispatch runs the worker pool that drains the task queue.
//
// Each worker claims a unit lease, moves the parent job to processing,
// runs the transform executor while a heartbeat extends the lease, and then
// folds the unit outcome into the job. The outcome ledger in the job store
// decides which worker finishes the job, so duplicate deliveries and racing
// siblings never complete or fail a job twice.
package dispatch
