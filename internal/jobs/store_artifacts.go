package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mediaforge/internal/services"
)

// PutArtifact records an output. A second insert for the same (job, label) is
// ignored and reports inserted=false.
func (s *Store) PutArtifact(ctx context.Context, artifact Artifact) (bool, error) {
	if strings.TrimSpace(artifact.JobID) == "" || strings.TrimSpace(artifact.Label) == "" {
		return false, services.Wrap(services.ErrValidation, "jobs", "put artifact", "job id and label are required", nil)
	}
	attrs, err := json.Marshal(artifact.Attributes)
	if err != nil {
		return false, fmt.Errorf("marshal artifact attributes: %w", err)
	}
	res, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO artifacts (job_id, label, path, size_bytes, attributes_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.JobID,
		artifact.Label,
		artifact.Path,
		artifact.SizeBytes,
		string(attrs),
		formatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("artifact rows affected: %w", err)
	}
	return inserted == 1, nil
}

// GetArtifact fetches one artifact by (job, label).
func (s *Store) GetArtifact(ctx context.Context, jobID, label string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, label, path, size_bytes, attributes_json, created_at
         FROM artifacts WHERE job_id = ? AND label = ?`, jobID, label)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "jobs", "get artifact", fmt.Sprintf("job %s label %q", jobID, label), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifacts returns every artifact of a job ordered by label. The slice is
// empty, not nil, when none exist yet.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, label, path, size_bytes, attributes_json, created_at
         FROM artifacts WHERE job_id = ? ORDER BY label`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

func scanArtifact(scanner rowScanner) (*Artifact, error) {
	var (
		artifact   Artifact
		attrsRaw   sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&artifact.JobID, &artifact.Label, &artifact.Path, &artifact.SizeBytes, &attrsRaw, &createdRaw); err != nil {
		return nil, err
	}
	if attrsRaw.Valid && attrsRaw.String != "" {
		if err := json.Unmarshal([]byte(attrsRaw.String), &artifact.Attributes); err != nil {
			return nil, fmt.Errorf("decode artifact attributes: %w", err)
		}
	}
	artifact.CreatedAt, _ = parseTimeString(createdRaw)
	return &artifact, nil
}
