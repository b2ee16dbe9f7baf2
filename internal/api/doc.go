// Package api is the read/write surface the HTTP layer and CLI drive the job
// engine through.
//
// # Operations
//
// Service.Submit validates a request, creates a pending job record, enqueues
// one unit per planned output, and returns the job identifier without waiting
// for execution. Status, Result, and Artifacts read the job store; Retry
// creates a new job from a failed one instead of resurrecting it.
//
// # Errors
//
// Submission problems surface synchronously as services.ErrInvalidReference,
// services.ErrUnknownQuality, services.ErrValidation, or
// services.ErrRateLimited. Reads fail with services.ErrNotFound or
// services.ErrNotReady. Execution failures never surface as errors here; they
// are part of the job status.
//
// # Wire types
//
// Job, Artifact, and Source are transport DTOs with camelCase JSON tags and
// RFC3339 timestamps. Converters in convert.go build them from job store
// records.
package api
