package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
)

// ErrLeaseLost reports that the caller no longer owns the unit's lease.
var ErrLeaseLost = errors.New("lease lost")

// Unit is one schedulable piece of a job. Its identity is (JobID, Index).
type Unit struct {
	JobID      string
	Index      int
	Kind       jobs.Kind
	Label      string
	ParamsJSON string
	Attempts   int
	EnqueuedAt time.Time
}

// Key renders the unit identity.
func (u Unit) Key() string {
	return unitKey(u.JobID, u.Index)
}

// Lease is a claimed unit together with its owner and visibility deadline.
type Lease struct {
	Unit
	WorkerID string
	Deadline time.Time
}

// Stats summarizes queue depth.
type Stats struct {
	Ready    int
	InFlight int
}

// Queue is the at-least-once unit queue contract.
type Queue interface {
	// Enqueue adds a unit. Enqueueing a unit that is already queued or in
	// flight is a no-op.
	Enqueue(ctx context.Context, unit Unit) error
	// Claim leases the oldest visible unit. It returns nil, nil when none is available.
	Claim(ctx context.Context, workerID string, visibility time.Duration) (*Lease, error)
	// Ack removes a unit permanently when workerID still holds its lease.
	// Acking a unit that is gone or leased to another worker is a no-op.
	Ack(ctx context.Context, jobID string, index int, workerID string) error
	// Nack releases workerID's lease so the unit is immediately claimable
	// again. It fails with ErrLeaseLost when the lease has moved on.
	Nack(ctx context.Context, jobID string, index int, workerID string) error
	// Extend pushes the lease deadline out. It fails with ErrLeaseLost when
	// workerID no longer holds the lease.
	Extend(ctx context.Context, jobID string, index int, workerID string, visibility time.Duration) error
	// Stats reports ready and in-flight counts.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New constructs the backend selected in cfg. The sqlite backend shares db;
// the redis backend dials cfg.Queue.RedisURL.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, opts ...Option) (Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendSQLite, "":
		return NewSQLite(ctx, db, opts...)
	case config.QueueBackendRedis:
		return DialRedis(ctx, cfg.Queue.RedisURL, cfg.Queue.RedisKeyPrefix, opts...)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func unitKey(jobID string, index int) string {
	return jobID + ":" + strconv.Itoa(index)
}
