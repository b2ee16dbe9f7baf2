package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/services"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/transform"
)

// resultSummary is stored as result_json on completed jobs.
type resultSummary struct {
	Artifacts []artifactSummary `json:"artifacts"`
}

type artifactSummary struct {
	Label     string `json:"label"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// handle drives one leased unit to an outcome. The unit is acked only after
// the job store reflects that outcome; any store error releases the lease so
// the unit is redelivered.
func (m *Manager) handle(ctx context.Context, workerID string, lease *taskqueue.Lease) error {
	ctx = services.WithJobID(ctx, lease.JobID)
	ctx = services.WithUnitIndex(ctx, lease.Index)
	logger := logging.WithContext(ctx, m.logger)
	defer m.noteHandled(lease.Key())

	rec, err := m.store.Get(ctx, lease.JobID)
	if errors.Is(err, services.ErrNotFound) {
		logging.WarnWithContext(logger, "dropping unit for unknown job", "orphan_unit",
			logging.String(logging.FieldImpact, "unit discarded without execution"),
		)
		return m.ack(ctx, logger, lease)
	}
	if err != nil {
		return m.release(ctx, logger, lease, err)
	}

	recorded, err := m.store.HasUnitOutcome(ctx, rec.ID, lease.Index)
	if err != nil {
		return m.release(ctx, logger, lease, err)
	}
	if recorded {
		// Redelivery of a unit whose outcome already landed. The earlier
		// delivery may have stopped before settling the job, so settle again.
		logger.Info("duplicate delivery; outcome already recorded",
			logging.String(logging.FieldEventType, "unit_duplicate"),
			logging.Int("attempts", lease.Attempts),
		)
		if err := m.settle(ctx, logger, rec.ID, tallyFromRecord(rec)); err != nil {
			return m.release(ctx, logger, lease, err)
		}
		return m.ack(ctx, logger, lease)
	}

	if limit := m.cfg.Queue.MaxDeliveries; limit > 0 && lease.Attempts > limit {
		logging.WarnWithContext(logger, "unit exceeded delivery limit", "unit_max_retries",
			logging.Int("attempts", lease.Attempts),
			logging.Int("max_deliveries", limit),
			logging.String(logging.FieldImpact, "job will be marked failed"),
		)
		outcome := jobs.UnitOutcome{
			FailureKind: jobs.FailureMaxRetriesExceeded,
			Message:     fmt.Sprintf("%s: unit %d delivered %d times without an outcome", jobs.FailureMaxRetriesExceeded, lease.Index, lease.Attempts-1),
		}
		return m.conclude(ctx, logger, lease, outcome)
	}

	if rec.Status == jobs.StatusPending {
		err := m.store.Transition(ctx, rec.ID, jobs.StatusPending, jobs.StatusProcessing, jobs.TransitionFields{})
		switch {
		case err == nil:
			logger.Info("job processing", logging.String(logging.FieldEventType, "job_processing"))
		case errors.Is(err, services.ErrStaleTransition):
			// A sibling unit already started the job.
		default:
			return m.release(ctx, logger, lease, err)
		}
	}

	existing, err := m.store.GetArtifact(ctx, rec.ID, lease.Label)
	switch {
	case err == nil:
		// An earlier delivery published and recorded the artifact but stopped
		// before its outcome landed.
		logger.Info("artifact already recorded; skipping execution",
			logging.String(logging.FieldEventType, "unit_artifact_reused"),
			logging.String("label", lease.Label),
			logging.String("path", existing.Path),
		)
		return m.conclude(ctx, logger, lease, jobs.UnitOutcome{Succeeded: true})
	case !errors.Is(err, services.ErrNotFound):
		return m.release(ctx, logger, lease, err)
	}

	result, runErr := m.execute(ctx, logger, rec, lease)
	if runErr != nil {
		kind, ok := transform.Classify(runErr)
		if !ok {
			if ctx.Err() != nil {
				logger.Info("unit interrupted; leaving lease for redelivery",
					logging.String(logging.FieldEventType, "unit_interrupted"),
				)
				return ctx.Err()
			}
			return m.release(ctx, logger, lease, runErr)
		}
		logging.WarnWithContext(logger, "unit failed", "unit_failed",
			logging.String("failure_kind", string(kind)),
			logging.Error(runErr),
			logging.String(logging.FieldImpact, "job will be marked failed"),
		)
		return m.conclude(ctx, logger, lease, jobs.UnitOutcome{FailureKind: kind, Message: runErr.Error()})
	}

	// Metadata lands before the artifact so a recorded artifact implies both.
	if result.Metadata != nil {
		if err := m.store.UpdateSourceMetadata(ctx, rec.SourceID, *result.Metadata); err != nil {
			return m.release(ctx, logger, lease, err)
		}
	}
	if _, err := m.store.PutArtifact(ctx, jobs.Artifact{
		JobID:      rec.ID,
		Label:      lease.Label,
		Path:       result.OutputPath,
		SizeBytes:  result.SizeBytes,
		Attributes: result.Attributes,
	}); err != nil {
		return m.release(ctx, logger, lease, err)
	}
	logger.Info("unit succeeded",
		logging.String(logging.FieldEventType, "unit_succeeded"),
		logging.String("label", lease.Label),
		logging.Int64("size_bytes", result.SizeBytes),
	)
	return m.conclude(ctx, logger, lease, jobs.UnitOutcome{Succeeded: true})
}

// execute resolves the source and runs the executor while a heartbeat keeps
// the lease alive.
func (m *Manager) execute(ctx context.Context, logger *slog.Logger, rec *jobs.Record, lease *taskqueue.Lease) (transform.Result, error) {
	params, err := transform.DecodeUnitParams(lease.Kind, lease.ParamsJSON)
	if err != nil {
		return transform.Result{}, &transform.Failure{Kind: jobs.FailureToolError, Message: "decode unit parameters", Err: err}
	}
	src, err := m.store.GetSource(ctx, rec.SourceID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return transform.Result{}, &transform.Failure{Kind: jobs.FailureToolError, Message: "source media missing", Err: err}
		}
		return transform.Result{}, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeat(hbCtx, logger, lease)

	return m.exec.Execute(ctx, transform.Request{
		Kind:            lease.Kind,
		SourcePath:      src.Path,
		Params:          params,
		OutputPath:      transform.OutputPath(m.cfg.Paths.ArtifactsDir, rec.ID, lease.Label, lease.Kind),
		ExpectedSeconds: src.DurationSeconds,
	})
}

// heartbeat extends the lease until ctx ends. A lost lease is only logged:
// the outcome ledger keeps a second delivery from double counting.
func (m *Manager) heartbeat(ctx context.Context, logger *slog.Logger, lease *taskqueue.Lease) {
	interval := m.cfg.HeartbeatInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.queue.Extend(ctx, lease.JobID, lease.Index, lease.WorkerID, m.visibility())
			switch {
			case err == nil:
			case errors.Is(err, taskqueue.ErrLeaseLost):
				logging.WarnWithContext(logger, "unit lease lost during execution", "lease_lost",
					logging.String(logging.FieldImpact, "unit may be executed twice; outcome is recorded once"),
				)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Debug("lease extension failed", logging.Error(err))
			}
		}
	}
}

// conclude records the unit outcome, settles the job, and acks.
func (m *Manager) conclude(ctx context.Context, logger *slog.Logger, lease *taskqueue.Lease, outcome jobs.UnitOutcome) error {
	tally, err := m.store.RecordUnitOutcome(ctx, lease.JobID, lease.Index, outcome)
	if err != nil {
		return m.release(ctx, logger, lease, err)
	}
	if tally.Duplicate {
		logger.Debug("unit outcome already recorded by another delivery")
	}
	if err := m.settle(ctx, logger, lease.JobID, tally); err != nil {
		return m.release(ctx, logger, lease, err)
	}
	return m.ack(ctx, logger, lease)
}

// settle applies the terminal transition the tally calls for, if any. Any
// failure fails the job with the earliest recorded failure; completion needs
// every unit to have succeeded. Losing the conditional update to another
// worker is expected and ignored.
func (m *Manager) settle(ctx context.Context, logger *slog.Logger, jobID string, tally jobs.UnitTally) error {
	switch {
	case tally.Failed > 0:
		first, err := m.firstFailure(ctx, jobID)
		if err != nil {
			return err
		}
		return m.finish(ctx, logger, jobID, jobs.StatusFailed, jobs.TransitionFields{
			ErrorMessage: first.Message,
			FailureKind:  first.FailureKind,
		})
	case tally.AllSucceeded():
		summary, err := m.summarize(ctx, jobID)
		if err != nil {
			return err
		}
		return m.finish(ctx, logger, jobID, jobs.StatusCompleted, jobs.TransitionFields{ResultJSON: summary})
	default:
		return nil
	}
}

func (m *Manager) finish(ctx context.Context, logger *slog.Logger, jobID string, to jobs.Status, fields jobs.TransitionFields) error {
	// A unit can fail on its delivery limit before any sibling moved the job
	// out of pending; the state machine still requires the processing step.
	err := m.store.Transition(ctx, jobID, jobs.StatusPending, jobs.StatusProcessing, jobs.TransitionFields{})
	if err != nil && !errors.Is(err, services.ErrStaleTransition) {
		return err
	}

	err = m.store.Transition(ctx, jobID, jobs.StatusProcessing, to, fields)
	switch {
	case err == nil:
		if to == jobs.StatusFailed {
			logging.WarnWithContext(logger, "job failed", "job_failed",
				logging.String("failure_kind", string(fields.FailureKind)),
				logging.String("error_message", fields.ErrorMessage),
				logging.String(logging.FieldImpact, "no result will be available for this job"),
				logging.String(logging.FieldErrorHint, "inspect the error and retry the job once the input is fixed"),
			)
		} else {
			logger.Info("job completed", logging.String(logging.FieldEventType, "job_completed"))
		}
		return nil
	case errors.Is(err, services.ErrStaleTransition):
		logger.Debug("job already settled", logging.String("target", string(to)))
		return nil
	default:
		return err
	}
}

func (m *Manager) firstFailure(ctx context.Context, jobID string) (jobs.UnitOutcome, error) {
	rows, err := m.store.ListUnitOutcomes(ctx, jobID)
	if err != nil {
		return jobs.UnitOutcome{}, err
	}
	failures := make([]jobs.UnitOutcomeRow, 0, len(rows))
	for _, row := range rows {
		if !row.Succeeded {
			failures = append(failures, row)
		}
	}
	if len(failures) == 0 {
		return jobs.UnitOutcome{}, fmt.Errorf("job %s counts a failure but the ledger has none", jobID)
	}
	sort.SliceStable(failures, func(i, j int) bool {
		return failures[i].RecordedAt.Before(failures[j].RecordedAt)
	})
	first := failures[0].UnitOutcome
	if first.Message == "" {
		first.Message = string(first.FailureKind)
	}
	return first, nil
}

func (m *Manager) summarize(ctx context.Context, jobID string) (string, error) {
	artifacts, err := m.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return "", err
	}
	summary := resultSummary{Artifacts: make([]artifactSummary, 0, len(artifacts))}
	for _, a := range artifacts {
		summary.Artifacts = append(summary.Artifacts, artifactSummary{Label: a.Label, Path: a.Path, SizeBytes: a.SizeBytes})
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("encode result summary: %w", err)
	}
	return string(data), nil
}

func (m *Manager) ack(ctx context.Context, logger *slog.Logger, lease *taskqueue.Lease) error {
	if err := m.queue.Ack(ctx, lease.JobID, lease.Index, lease.WorkerID); err != nil {
		// The outcome is committed; a redelivery will find it in the ledger.
		logging.WarnWithContext(logger, "failed to ack unit", "queue_ack_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "unit will be redelivered and discarded"),
		)
		return err
	}
	return nil
}

// release returns the unit to the queue after an infrastructure error.
func (m *Manager) release(ctx context.Context, logger *slog.Logger, lease *taskqueue.Lease, cause error) error {
	logging.ErrorWithContext(logger, "unit handling failed; releasing lease", "unit_released",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "check job database and queue backend health"),
	)
	if ctx.Err() != nil {
		return cause
	}
	if err := m.queue.Nack(ctx, lease.JobID, lease.Index, lease.WorkerID); err != nil {
		logger.Warn("failed to release unit", logging.Error(err))
	}
	m.waitOrShutdown(ctx, m.cfg.ErrorRetryInterval())
	return cause
}

func tallyFromRecord(rec *jobs.Record) jobs.UnitTally {
	return jobs.UnitTally{Total: rec.UnitsTotal, Done: rec.UnitsDone, Failed: rec.UnitsFailed, Duplicate: true}
}
