package jobs

import (
	"database/sql"
	"errors"
	"time"
)

const jobColumns = "id, kind, status, source_id, params_json, result_json, error_message, failure_kind, retry_of, units_total, units_done, units_failed, created_at, updated_at, started_at, completed_at"

const sourceColumns = "id, path, original_name, duration_seconds, size_bytes, width, height, fps, processed, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var (
		rec          Record
		kind         string
		status       string
		resultJSON   sql.NullString
		errorMessage sql.NullString
		failureKind  sql.NullString
		retryOf      sql.NullString
		createdRaw   string
		updatedRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&kind,
		&status,
		&rec.SourceID,
		&rec.ParamsJSON,
		&resultJSON,
		&errorMessage,
		&failureKind,
		&retryOf,
		&rec.UnitsTotal,
		&rec.UnitsDone,
		&rec.UnitsFailed,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.ResultJSON = resultJSON.String
	rec.ErrorMessage = errorMessage.String
	rec.FailureKind = FailureKind(failureKind.String)
	rec.RetryOf = retryOf.String
	rec.CreatedAt, _ = parseTimeString(createdRaw)
	rec.UpdatedAt, _ = parseTimeString(updatedRaw)
	rec.StartedAt = parseNullableTime(startedRaw)
	rec.CompletedAt = parseNullableTime(completedRaw)
	return &rec, nil
}

func scanSource(scanner rowScanner) (*Source, error) {
	var (
		src          Source
		originalName sql.NullString
		duration     sql.NullFloat64
		size         sql.NullInt64
		width        sql.NullInt64
		height       sql.NullInt64
		fps          sql.NullFloat64
		processed    int
		createdRaw   string
	)
	if err := scanner.Scan(
		&src.ID,
		&src.Path,
		&originalName,
		&duration,
		&size,
		&width,
		&height,
		&fps,
		&processed,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	src.OriginalName = originalName.String
	src.DurationSeconds = duration.Float64
	src.SizeBytes = size.Int64
	src.Width = int(width.Int64)
	src.Height = int(height.Int64)
	src.FPS = fps.Float64
	src.Processed = processed != 0
	src.CreatedAt, _ = parseTimeString(createdRaw)
	return &src, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// timeLayout is fixed-width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
