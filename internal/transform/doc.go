// Package transform turns typed job parameters into ffmpeg invocations.
//
// Params are a closed set of per-kind structs decoded from a job's
// ParamsJSON. Plan splits a job into units (one per quality for
// quality_conversion, one otherwise). Executor runs a single unit: it
// validates parameters, prepares the output path, runs ffmpeg under a
// duration-scaled timeout, and probes what was written.
package transform
