package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mediaforge/internal/services"
)

// RecordUnitOutcome stores the terminal outcome of one unit and folds it into
// the job counters atomically. The first caller for a (job, index) pair bumps
// the counters; later callers get the current tally with Duplicate set.
func (s *Store) RecordUnitOutcome(ctx context.Context, jobID string, index int, outcome UnitOutcome) (UnitTally, error) {
	var tally UnitTally
	now := formatTime(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tally = UnitTally{}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_units (job_id, unit_index, succeeded, failure_kind, message, recorded_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			jobID,
			index,
			boolToInt(outcome.Succeeded),
			nullableString(string(outcome.FailureKind)),
			nullableString(outcome.Message),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert unit outcome: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("unit outcome rows affected: %w", err)
		}
		if inserted == 0 {
			tally.Duplicate = true
		} else {
			doneDelta, failedDelta := 1, 0
			if !outcome.Succeeded {
				doneDelta, failedDelta = 0, 1
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET units_done = units_done + ?, units_failed = units_failed + ?, updated_at = ?
                 WHERE id = ?`,
				doneDelta, failedDelta, now, jobID,
			); err != nil {
				return fmt.Errorf("bump unit counters: %w", err)
			}
		}
		err = tx.QueryRowContext(ctx,
			`SELECT units_total, units_done, units_failed FROM jobs WHERE id = ?`, jobID,
		).Scan(&tally.Total, &tally.Done, &tally.Failed)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "jobs", "record unit outcome", fmt.Sprintf("job %s", jobID), nil)
		}
		if err != nil {
			return fmt.Errorf("read unit counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return UnitTally{}, err
	}
	return tally, nil
}

// HasUnitOutcome reports whether an outcome was already recorded for the unit.
func (s *Store) HasUnitOutcome(ctx context.Context, jobID string, index int) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM job_units WHERE job_id = ? AND unit_index = ?`, jobID, index,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("check unit outcome: %w", err)
	}
	return count > 0, nil
}

// ListUnitOutcomes returns the ledger rows of a job ordered by unit index.
func (s *Store) ListUnitOutcomes(ctx context.Context, jobID string) ([]UnitOutcomeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_index, succeeded, failure_kind, message, recorded_at
         FROM job_units WHERE job_id = ? ORDER BY unit_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list unit outcomes: %w", err)
	}
	defer rows.Close()

	var out []UnitOutcomeRow
	for rows.Next() {
		var (
			row         UnitOutcomeRow
			succeeded   int
			failureKind sql.NullString
			message     sql.NullString
			recordedRaw string
		)
		if err := rows.Scan(&row.Index, &succeeded, &failureKind, &message, &recordedRaw); err != nil {
			return nil, fmt.Errorf("scan unit outcome: %w", err)
		}
		row.Succeeded = succeeded != 0
		row.FailureKind = FailureKind(failureKind.String)
		row.Message = message.String
		row.RecordedAt, _ = parseTimeString(recordedRaw)
		out = append(out, row)
	}
	return out, rows.Err()
}
