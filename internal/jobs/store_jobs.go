package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mediaforge/internal/services"
)

// Create inserts a pending job record. It fails with services.ErrInvalidReference
// when the source does not exist, in which case nothing is written.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Record, error) {
	if params.UnitsTotal <= 0 {
		return nil, services.Wrap(services.ErrValidation, "jobs", "create", "units_total must be positive", nil)
	}
	if _, err := ParseKind(string(params.Kind)); err != nil {
		return nil, services.Wrap(services.ErrValidation, "jobs", "create", "", err)
	}

	id := uuid.NewString()
	now := formatTime(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sources WHERE id = ?`, params.SourceID).Scan(&exists); err != nil {
			return fmt.Errorf("check source: %w", err)
		}
		if exists == 0 {
			return services.Wrap(services.ErrInvalidReference, "jobs", "create", fmt.Sprintf("source %d does not exist", params.SourceID), nil)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (
                id, kind, status, source_id, params_json, retry_of,
                units_total, units_done, units_failed, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			id,
			params.Kind,
			StatusPending,
			params.SourceID,
			params.ParamsJSON,
			nullableString(params.RetryOf),
			params.UnitsTotal,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get fetches a job record by identifier.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "jobs", "get", fmt.Sprintf("job %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// Transition moves a job from one status to another with a single conditional
// update. Illegal edges fail with services.ErrIllegalTransition without touching
// the database; a record no longer in from fails with services.ErrStaleTransition.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, fields TransitionFields) error {
	if !CanTransition(from, to) {
		return services.Wrap(services.ErrIllegalTransition, "jobs", "transition", fmt.Sprintf("%s -> %s", from, to), nil)
	}
	now := formatTime(s.now())

	var (
		res sql.Result
		err error
	)
	switch to {
	case StatusProcessing:
		res, err = s.execWithRetry(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			to, now, now, id, from)
	case StatusCompleted:
		res, err = s.execWithRetry(ctx,
			`UPDATE jobs SET status = ?, result_json = ?, completed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			to, nullableString(fields.ResultJSON), now, now, id, from)
	case StatusFailed:
		res, err = s.execWithRetry(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, failure_kind = ?, completed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			to, nullableString(fields.ErrorMessage), nullableString(string(fields.FailureKind)), now, now, id, from)
	}
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrNotFound, "jobs", "transition", fmt.Sprintf("job %s", id), nil)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return services.Wrap(services.ErrStaleTransition, "jobs", "transition",
		fmt.Sprintf("job %s is %s, expected %s", id, current, from), nil)
}

// ListBySource returns every job referencing a source, oldest first.
func (s *Store) ListBySource(ctx context.Context, sourceID int64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source_id = ? ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by source: %w", err)
	}
	return collectRecords(rows)
}

// List returns jobs filtered by status (all when none given), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
