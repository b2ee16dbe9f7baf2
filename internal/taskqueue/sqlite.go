package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediaforge/internal/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_units (
    job_id TEXT NOT NULL,
    unit_index INTEGER NOT NULL,
    kind TEXT NOT NULL,
    label TEXT NOT NULL,
    params_json TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    visible_at INTEGER NOT NULL,
    worker_id TEXT,
    enqueued_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, unit_index)
);
CREATE INDEX IF NOT EXISTS idx_task_units_visible ON task_units(visible_at, enqueued_at);
`

// SQLiteQueue stores units in the job database. Times are unix milliseconds.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite prepares the task_units table on db.
func NewSQLite(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteQueue, error) {
	if db == nil {
		return nil, errors.New("sqlite queue: nil database")
	}
	o := buildOptions(opts)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create task_units: %w", err)
	}
	return &SQLiteQueue{db: db, now: o.now}, nil
}

func (q *SQLiteQueue) nowMillis() int64 {
	return q.now().UnixMilli()
}

func (q *SQLiteQueue) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := jobs.RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = q.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, unit Unit) error {
	now := q.nowMillis()
	if _, err := q.exec(ctx,
		`INSERT OR IGNORE INTO task_units (job_id, unit_index, kind, label, params_json, attempts, visible_at, enqueued_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		unit.JobID, unit.Index, unit.Kind, unit.Label, unit.ParamsJSON, now, now,
	); err != nil {
		return fmt.Errorf("enqueue unit %s: %w", unit.Key(), err)
	}
	return nil
}

func (q *SQLiteQueue) Claim(ctx context.Context, workerID string, visibility time.Duration) (*Lease, error) {
	now := q.nowMillis()
	deadline := now + visibility.Milliseconds()

	var (
		lease    Lease
		kind     string
		enqueued int64
		found    bool
	)
	err := jobs.RetryOnBusy(ctx, func() error {
		row := q.db.QueryRowContext(ctx,
			`UPDATE task_units
             SET attempts = attempts + 1, visible_at = ?, worker_id = ?
             WHERE rowid = (
                 SELECT rowid FROM task_units
                 WHERE visible_at <= ?
                 ORDER BY visible_at, enqueued_at
                 LIMIT 1
             )
             RETURNING job_id, unit_index, kind, label, params_json, attempts, enqueued_at`,
			deadline, workerID, now,
		)
		err := row.Scan(&lease.JobID, &lease.Index, &kind, &lease.Label, &lease.ParamsJSON, &lease.Attempts, &enqueued)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	if !found {
		return nil, nil
	}
	lease.Kind = jobs.Kind(kind)
	lease.EnqueuedAt = time.UnixMilli(enqueued)
	lease.WorkerID = workerID
	lease.Deadline = time.UnixMilli(deadline)
	return &lease, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID string, index int, workerID string) error {
	if _, err := q.exec(ctx,
		`DELETE FROM task_units WHERE job_id = ? AND unit_index = ? AND worker_id = ?`,
		jobID, index, workerID,
	); err != nil {
		return fmt.Errorf("ack unit %s: %w", unitKey(jobID, index), err)
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, jobID string, index int, workerID string) error {
	res, err := q.exec(ctx,
		`UPDATE task_units SET visible_at = ?, worker_id = NULL WHERE job_id = ? AND unit_index = ? AND worker_id = ?`,
		q.nowMillis(), jobID, index, workerID,
	)
	if err != nil {
		return fmt.Errorf("nack unit %s: %w", unitKey(jobID, index), err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("nack unit %s: %w", unitKey(jobID, index), ErrLeaseLost)
	}
	return nil
}

func (q *SQLiteQueue) Extend(ctx context.Context, jobID string, index int, workerID string, visibility time.Duration) error {
	res, err := q.exec(ctx,
		`UPDATE task_units SET visible_at = ? WHERE job_id = ? AND unit_index = ? AND worker_id = ?`,
		q.nowMillis()+visibility.Milliseconds(), jobID, index, workerID,
	)
	if err != nil {
		return fmt.Errorf("extend unit %s: %w", unitKey(jobID, index), err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("extend unit %s: %w", unitKey(jobID, index), ErrLeaseLost)
	}
	return nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := q.nowMillis()
	if err := q.db.QueryRowContext(ctx,
		`SELECT
             COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0)
         FROM task_units`, now, now,
	).Scan(&stats.Ready, &stats.InFlight); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Close is a no-op; the database handle belongs to the job store.
func (q *SQLiteQueue) Close() error {
	return nil
}
