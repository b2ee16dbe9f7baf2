// Package httpapi serves the job service over HTTP with a chi router.
//
// Routes live under /v1 and exchange the JSON types defined in package api.
// Errors are rendered as api.ErrorResponse with a stable Code: client
// mistakes map to 400, unknown ids to 404, results requested before
// completion to 409, and throttled submissions to 429.
package httpapi
