// Package services defines shared utilities consumed by the dispatcher, the
// transform executor, and the API layer.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, unit indexes, worker names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is regardless of how deeply they were wrapped.
//
// Use these helpers when wiring new components so error classification and
// observability stay uniform across the engine.
package services
