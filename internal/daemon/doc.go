// Package daemon coordinates the long-running mediaforge process.
//
// It wires the job store, the task queue, the dispatcher, and the HTTP API
// into a single lifecycle with flock-based locking so only one daemon owns a
// data directory. The daemon reports its runtime state, including dependency
// availability and queue depth, through Status.
//
// Keep orchestration logic here: job semantics live in dispatch and api
// while the daemon focuses on startup, shutdown, and high level coordination.
package daemon
