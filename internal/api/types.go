package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SubmitRequest asks for a new transformation of a registered source.
type SubmitRequest struct {
	Kind     string          `json:"kind"`
	SourceID int64           `json:"sourceId"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// SubmitResponse carries the identifier of the accepted job.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// Job describes a job record in a transport-friendly format.
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	SourceID     int64           `json:"sourceId"`
	Progress     JobProgress     `json:"progress"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	FailureKind  string          `json:"failureKind,omitempty"`
	RetryOf      string          `json:"retryOf,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	StartedAt    string          `json:"startedAt,omitempty"`
	CompletedAt  string          `json:"completedAt,omitempty"`
}

// JobProgress reports fan-out progress. Hint renders "finished/total".
type JobProgress struct {
	Hint        string `json:"hint"`
	Percent     int    `json:"percent"`
	UnitsTotal  int    `json:"unitsTotal"`
	UnitsDone   int    `json:"unitsDone"`
	UnitsFailed int    `json:"unitsFailed"`
}

// Artifact describes one produced output.
type Artifact struct {
	JobID           string   `json:"jobId"`
	Label           string   `json:"label"`
	Path            string   `json:"path"`
	SizeBytes       int64    `json:"sizeBytes"`
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
	BitrateKbps     int      `json:"bitrateKbps,omitempty"`
	DurationSeconds float64  `json:"durationSeconds,omitempty"`
	FPS             float64  `json:"fps,omitempty"`
	StartSeconds    *float64 `json:"startSeconds,omitempty"`
	EndSeconds      *float64 `json:"endSeconds,omitempty"`
	CreatedAt       string   `json:"createdAt,omitempty"`
}

// Source describes a registered media item.
type Source struct {
	ID              int64   `json:"id"`
	Path            string  `json:"path"`
	OriginalName    string  `json:"originalName"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	SizeBytes       int64   `json:"sizeBytes,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	Processed       bool    `json:"processed"`
	CreatedAt       string  `json:"createdAt,omitempty"`
}

// RegisterSourceRequest registers an already stored file. Ingest also queues
// an upload_ingest job that probes the file.
type RegisterSourceRequest struct {
	Path         string `json:"path"`
	OriginalName string `json:"originalName,omitempty"`
	Ingest       bool   `json:"ingest,omitempty"`
}

// RegisterSourceResponse returns the new source and the ingest job, if any.
type RegisterSourceResponse struct {
	Source      Source `json:"source"`
	IngestJobID string `json:"ingestJobId,omitempty"`
}

// SourceListResponse wraps a collection of sources.
type SourceListResponse struct {
	Sources []Source `json:"sources"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// ArtifactListResponse wraps a collection of artifacts.
type ArtifactListResponse struct {
	Artifacts []Artifact `json:"artifacts"`
}

// QueueStats summarizes task queue depth.
type QueueStats struct {
	Ready    int `json:"ready"`
	InFlight int `json:"inFlight"`
}

// DispatcherStatus summarizes the worker pool.
type DispatcherStatus struct {
	Running   bool   `json:"running"`
	Workers   int    `json:"workers"`
	Handled   int64  `json:"handled"`
	LastError string `json:"lastError,omitempty"`
	LastUnit  string `json:"lastUnit,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
// DatabaseCheck is "ok" or the SQLite quick_check failure.
type DaemonStatus struct {
	Running       bool               `json:"running"`
	PID           int                `json:"pid"`
	DatabasePath  string             `json:"databasePath"`
	DatabaseCheck string             `json:"databaseCheck"`
	LockFilePath  string             `json:"lockFilePath"`
	QueueBackend  string             `json:"queueBackend"`
	Dispatcher    DispatcherStatus   `json:"dispatcher"`
	Queue         QueueStats         `json:"queue"`
	JobCounts     map[string]int     `json:"jobCounts"`
	Dependencies  []DependencyStatus `json:"dependencies"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
