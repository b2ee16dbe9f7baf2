package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a transformation. The set is closed.
type Kind string

const (
	KindTrim              Kind = "trim"
	KindTextOverlay       Kind = "text_overlay"
	KindImageOverlay      Kind = "image_overlay"
	KindVideoOverlay      Kind = "video_overlay"
	KindWatermark         Kind = "watermark"
	KindQualityConversion Kind = "quality_conversion"
	KindUploadIngest      Kind = "upload_ingest"
)

var allKinds = []Kind{
	KindTrim,
	KindTextOverlay,
	KindImageOverlay,
	KindVideoOverlay,
	KindWatermark,
	KindQualityConversion,
	KindUploadIngest,
}

// Kinds returns every supported job kind.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// ParseKind normalizes and validates a kind name.
func ParseKind(value string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allKinds {
		if kind == candidate {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", value)
}

// Status represents the lifecycle of a job record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Statuses returns every job status in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus validates a status name.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// FailureKind classifies why a unit or job failed.
type FailureKind string

const (
	FailureToolError          FailureKind = "tool_error"
	FailureTimeout            FailureKind = "timeout"
	FailureEmptyOutput        FailureKind = "empty_output"
	FailureMaxRetriesExceeded FailureKind = "max_retries_exceeded"
)

// Record is the persisted state of one job.
type Record struct {
	ID           string
	Kind         Kind
	Status       Status
	SourceID     int64
	ParamsJSON   string
	ResultJSON   string
	ErrorMessage string
	FailureKind  FailureKind
	RetryOf      string
	UnitsTotal   int
	UnitsDone    int
	UnitsFailed  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// UnitsFinished counts units with a recorded outcome.
func (r Record) UnitsFinished() int {
	return r.UnitsDone + r.UnitsFailed
}

// ProgressHint renders "finished/total" for status displays.
func (r Record) ProgressHint() string {
	return fmt.Sprintf("%d/%d", r.UnitsFinished(), r.UnitsTotal)
}

// Percent approximates job progress: pending 0, completed 100, processing the
// unit ratio for fan-out jobs and 50 otherwise.
func (r Record) Percent() int {
	switch r.Status {
	case StatusPending:
		return 0
	case StatusCompleted:
		return 100
	case StatusFailed:
		if r.UnitsTotal > 0 {
			return r.UnitsFinished() * 100 / r.UnitsTotal
		}
		return 0
	default:
		if r.UnitsTotal > 1 {
			pct := r.UnitsFinished() * 100 / r.UnitsTotal
			if pct >= 100 {
				pct = 99
			}
			return pct
		}
		return 50
	}
}

// CreateParams describes a new job record.
type CreateParams struct {
	Kind       Kind
	SourceID   int64
	ParamsJSON string
	UnitsTotal int
	RetryOf    string
}

// TransitionFields carries the payload that accompanies a status edge.
type TransitionFields struct {
	ResultJSON   string
	ErrorMessage string
	FailureKind  FailureKind
}

// ArtifactAttributes holds descriptive output metadata.
type ArtifactAttributes struct {
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
	BitrateKbps     int      `json:"bitrate_kbps,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	FPS             float64  `json:"fps,omitempty"`
	StartSeconds    *float64 `json:"start_seconds,omitempty"`
	EndSeconds      *float64 `json:"end_seconds,omitempty"`
}

// Artifact is one retrievable output of a job.
type Artifact struct {
	JobID      string
	Label      string
	Path       string
	SizeBytes  int64
	Attributes ArtifactAttributes
	CreatedAt  time.Time
}

// Source is a stored media item that jobs reference.
type Source struct {
	ID              int64
	Path            string
	OriginalName    string
	DurationSeconds float64
	SizeBytes       int64
	Width           int
	Height          int
	FPS             float64
	Processed       bool
	CreatedAt       time.Time
}

// SourceMetadata is the probed information upload ingest records.
type SourceMetadata struct {
	DurationSeconds float64
	SizeBytes       int64
	Width           int
	Height          int
	FPS             float64
}

// UnitOutcome is the terminal result of one work unit.
type UnitOutcome struct {
	Succeeded   bool
	FailureKind FailureKind
	Message     string
}

// UnitOutcomeRow is a ledger entry as stored.
type UnitOutcomeRow struct {
	Index int
	UnitOutcome
	RecordedAt time.Time
}

// UnitTally reports job counters after recording an outcome. Duplicate is set
// when the outcome for this unit had already been recorded.
type UnitTally struct {
	Total     int
	Done      int
	Failed    int
	Duplicate bool
}

// AllSucceeded reports whether every unit finished successfully.
func (t UnitTally) AllSucceeded() bool {
	return t.Failed == 0 && t.Total > 0 && t.Done == t.Total
}

