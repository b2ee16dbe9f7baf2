package api

import (
	"encoding/json"
	"time"

	"mediaforge/internal/jobs"
)

// FromRecord converts a job record to its API representation.
func FromRecord(rec *jobs.Record) Job {
	if rec == nil {
		return Job{}
	}
	dto := Job{
		ID:       rec.ID,
		Kind:     string(rec.Kind),
		Status:   string(rec.Status),
		SourceID: rec.SourceID,
		Progress: JobProgress{
			Hint:        rec.ProgressHint(),
			Percent:     rec.Percent(),
			UnitsTotal:  rec.UnitsTotal,
			UnitsDone:   rec.UnitsDone,
			UnitsFailed: rec.UnitsFailed,
		},
		ErrorMessage: rec.ErrorMessage,
		FailureKind:  string(rec.FailureKind),
		RetryOf:      rec.RetryOf,
		CreatedAt:    formatTime(rec.CreatedAt),
	}
	if rec.StartedAt != nil {
		dto.StartedAt = formatTime(*rec.StartedAt)
	}
	if rec.CompletedAt != nil {
		dto.CompletedAt = formatTime(*rec.CompletedAt)
	}
	if raw := rec.ParamsJSON; raw != "" && json.Valid([]byte(raw)) {
		dto.Params = json.RawMessage(raw)
	}
	if raw := rec.ResultJSON; raw != "" && json.Valid([]byte(raw)) {
		dto.Result = json.RawMessage(raw)
	}
	return dto
}

// FromRecords converts a slice of job records.
func FromRecords(recs []*jobs.Record) []Job {
	out := make([]Job, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		out = append(out, FromRecord(rec))
	}
	return out
}

// FromArtifact converts a stored artifact.
func FromArtifact(a jobs.Artifact) Artifact {
	return Artifact{
		JobID:           a.JobID,
		Label:           a.Label,
		Path:            a.Path,
		SizeBytes:       a.SizeBytes,
		Width:           a.Attributes.Width,
		Height:          a.Attributes.Height,
		BitrateKbps:     a.Attributes.BitrateKbps,
		DurationSeconds: a.Attributes.DurationSeconds,
		FPS:             a.Attributes.FPS,
		StartSeconds:    a.Attributes.StartSeconds,
		EndSeconds:      a.Attributes.EndSeconds,
		CreatedAt:       formatTime(a.CreatedAt),
	}
}

// FromArtifacts converts artifacts, returning an empty slice for none.
func FromArtifacts(list []jobs.Artifact) []Artifact {
	out := make([]Artifact, 0, len(list))
	for _, a := range list {
		out = append(out, FromArtifact(a))
	}
	return out
}

// FromSource converts a registered source.
func FromSource(src *jobs.Source) Source {
	if src == nil {
		return Source{}
	}
	return Source{
		ID:              src.ID,
		Path:            src.Path,
		OriginalName:    src.OriginalName,
		DurationSeconds: src.DurationSeconds,
		SizeBytes:       src.SizeBytes,
		Width:           src.Width,
		Height:          src.Height,
		FPS:             src.FPS,
		Processed:       src.Processed,
		CreatedAt:       formatTime(src.CreatedAt),
	}
}

// MergeJobStats renders job counts keyed by status, including zero counts for
// every lifecycle state.
func MergeJobStats(stats map[jobs.Status]int) map[string]int {
	out := make(map[string]int, len(jobs.Statuses()))
	for _, status := range jobs.Statuses() {
		out[string(status)] = stats[status]
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
