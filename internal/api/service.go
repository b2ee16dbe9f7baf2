package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/services"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/transform"
)

// Service exposes the job engine to callers. It never waits on execution.
type Service struct {
	cfg     *config.Config
	store   *jobs.Store
	queue   taskqueue.Queue
	limiter *rate.Limiter
	// settled caches terminal records; they never change again.
	settled *lru.Cache[string, jobs.Record]
	logger  *slog.Logger
}

// NewService constructs the API service.
func NewService(cfg *config.Config, store *jobs.Store, queue taskqueue.Queue, logger *slog.Logger) (*Service, error) {
	if cfg == nil || store == nil || queue == nil {
		return nil, errors.New("api service requires config, store, and queue")
	}
	size := cfg.API.StatusCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, jobs.Record](size)
	if err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}
	limit := rate.Inf
	if cfg.API.SubmitRatePerSecond > 0 {
		limit = rate.Limit(cfg.API.SubmitRatePerSecond)
	}
	burst := cfg.API.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		limiter: rate.NewLimiter(limit, burst),
		settled: cache,
		logger:  logging.NewComponentLogger(logger, "api"),
	}, nil
}

// Submit validates the request, records a pending job, and enqueues its
// units. Nothing is written when validation fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !s.limiter.Allow() {
		return "", services.Wrap(services.ErrRateLimited, "api", "submit", "too many submissions", nil)
	}
	kind, err := jobs.ParseKind(req.Kind)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "api", "submit", "", err)
	}
	return s.submit(ctx, kind, req.SourceID, string(req.Params), "")
}

func (s *Service) submit(ctx context.Context, kind jobs.Kind, sourceID int64, params, retryOf string) (string, error) {
	if strings.TrimSpace(params) == "" || strings.TrimSpace(params) == "null" {
		params = "{}"
	}
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return "", services.Wrap(services.ErrInvalidReference, "api", "submit", fmt.Sprintf("source %d does not exist", sourceID), nil)
		}
		return "", err
	}
	plans, err := transform.Plan(kind, params, s.cfg.Qualities)
	if err != nil {
		return "", err
	}

	rec, err := s.store.Create(ctx, jobs.CreateParams{
		Kind:       kind,
		SourceID:   sourceID,
		ParamsJSON: params,
		UnitsTotal: len(plans),
		RetryOf:    retryOf,
	})
	if err != nil {
		return "", err
	}
	logger := logging.WithContext(services.WithJobID(ctx, rec.ID), s.logger)

	for _, plan := range plans {
		unit := taskqueue.Unit{
			JobID:      rec.ID,
			Index:      plan.Index,
			Kind:       kind,
			Label:      plan.Label,
			ParamsJSON: plan.ParamsJSON,
		}
		if err := s.queue.Enqueue(ctx, unit); err != nil {
			s.abandon(ctx, logger, rec.ID, err)
			return "", fmt.Errorf("enqueue job %s: %w", rec.ID, err)
		}
	}

	logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String(logging.FieldKind, string(kind)),
		logging.Int64("source_id", sourceID),
		logging.Int("units", len(plans)),
	)
	return rec.ID, nil
}

// abandon fails a job whose units could not all be enqueued so it does not
// sit in pending forever. Units already queued finish against a failed job.
func (s *Service) abandon(ctx context.Context, logger *slog.Logger, jobID string, cause error) {
	fields := jobs.TransitionFields{
		ErrorMessage: "submission aborted: " + cause.Error(),
		FailureKind:  jobs.FailureToolError,
	}
	if err := s.store.Transition(ctx, jobID, jobs.StatusPending, jobs.StatusProcessing, jobs.TransitionFields{}); err != nil &&
		!errors.Is(err, services.ErrStaleTransition) {
		logger.Warn("failed to abandon job", logging.Error(err))
		return
	}
	if err := s.store.Transition(ctx, jobID, jobs.StatusProcessing, jobs.StatusFailed, fields); err != nil &&
		!errors.Is(err, services.ErrStaleTransition) {
		logger.Warn("failed to abandon job", logging.Error(err))
		return
	}
	logging.WarnWithContext(logger, "job abandoned after enqueue failure", "job_abandoned",
		logging.Error(cause),
		logging.String(logging.FieldImpact, "job marked failed; resubmit once the queue is healthy"),
		logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
	)
}

// Status returns the job with its progress. Terminal records are served from
// cache.
func (s *Service) Status(ctx context.Context, jobID string) (Job, error) {
	rec, err := s.record(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	return FromRecord(rec), nil
}

func (s *Service) record(ctx context.Context, jobID string) (*jobs.Record, error) {
	jobID = strings.TrimSpace(jobID)
	if cached, ok := s.settled.Get(jobID); ok {
		return &cached, nil
	}
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		s.settled.Add(jobID, *rec)
	}
	return rec, nil
}

// Result returns the artifact stored under label. An empty label selects the
// job's only artifact, or the "result" artifact of single-output jobs. It fails
// with ErrNotReady until the job has completed.
func (s *Service) Result(ctx context.Context, jobID, label string) (Artifact, error) {
	rec, err := s.record(ctx, jobID)
	if err != nil {
		return Artifact{}, err
	}
	if rec.Status != jobs.StatusCompleted {
		return Artifact{}, services.Wrap(services.ErrNotReady, "api", "result", fmt.Sprintf("job %s is %s", rec.ID, rec.Status), nil)
	}

	label = strings.TrimSpace(label)
	var artifact *jobs.Artifact
	if label == "" {
		list, err := s.store.ListArtifacts(ctx, rec.ID)
		if err != nil {
			return Artifact{}, err
		}
		switch {
		case len(list) == 1:
			artifact = &list[0]
		case len(list) == 0:
			return Artifact{}, services.Wrap(services.ErrNotFound, "api", "result", fmt.Sprintf("job %s has no artifacts", rec.ID), nil)
		default:
			for i := range list {
				if list[i].Label == transform.ResultLabel {
					artifact = &list[i]
				}
			}
			if artifact == nil {
				return Artifact{}, services.Wrap(services.ErrValidation, "api", "result",
					fmt.Sprintf("job %s has %d artifacts; a label is required", rec.ID, len(list)), nil)
			}
		}
	} else {
		artifact, err = s.store.GetArtifact(ctx, rec.ID, label)
		if err != nil {
			return Artifact{}, err
		}
	}

	info, err := os.Stat(artifact.Path)
	if err != nil || info.IsDir() {
		return Artifact{}, services.Wrap(services.ErrNotFound, "api", "result",
			fmt.Sprintf("artifact file %s is missing", artifact.Path), err)
	}
	return FromArtifact(*artifact), nil
}

// Artifacts lists every artifact of a job, including those a failed fan-out
// job produced before failing.
func (s *Service) Artifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	rec, err := s.record(ctx, jobID)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListArtifacts(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return FromArtifacts(list), nil
}

// JobsForSource lists every job that referenced a source, oldest first.
func (s *Service) JobsForSource(ctx context.Context, sourceID int64) ([]Job, error) {
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return FromRecords(recs), nil
}

// ListJobs returns jobs filtered by status names.
func (s *Service) ListJobs(ctx context.Context, statuses ...string) ([]Job, error) {
	filter := make([]jobs.Status, 0, len(statuses))
	for _, raw := range statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := jobs.ParseStatus(raw)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "api", "list jobs", fmt.Sprintf("unknown status %q", raw), nil)
		}
		filter = append(filter, status)
	}
	recs, err := s.store.List(ctx, filter...)
	if err != nil {
		return nil, err
	}
	return FromRecords(recs), nil
}

// Retry submits a new job with the parameters of a failed one. The failed
// record is left untouched.
func (s *Service) Retry(ctx context.Context, jobID string) (string, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if rec.Status != jobs.StatusFailed {
		return "", services.Wrap(services.ErrValidation, "api", "retry",
			fmt.Sprintf("job %s is %s; only failed jobs can be retried", rec.ID, rec.Status), nil)
	}
	if !s.limiter.Allow() {
		return "", services.Wrap(services.ErrRateLimited, "api", "retry", "too many submissions", nil)
	}
	return s.submit(ctx, rec.Kind, rec.SourceID, rec.ParamsJSON, rec.ID)
}

// RegisterSource records a stored media file. With Ingest set it also queues
// an upload_ingest job that probes the file.
func (s *Service) RegisterSource(ctx context.Context, req RegisterSourceRequest) (RegisterSourceResponse, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return RegisterSourceResponse{}, services.Wrap(services.ErrValidation, "api", "register source", "path is required", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return RegisterSourceResponse{}, services.Wrap(services.ErrValidation, "api", "register source", "", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return RegisterSourceResponse{}, services.Wrap(services.ErrValidation, "api", "register source", fmt.Sprintf("stat %s", abs), err)
	}
	if info.IsDir() {
		return RegisterSourceResponse{}, services.Wrap(services.ErrValidation, "api", "register source", fmt.Sprintf("%s is a directory", abs), nil)
	}

	src, err := s.store.RegisterSource(ctx, abs, req.OriginalName)
	if err != nil {
		return RegisterSourceResponse{}, err
	}
	resp := RegisterSourceResponse{Source: FromSource(src)}
	s.logger.Info("source registered",
		logging.String(logging.FieldEventType, "source_registered"),
		logging.Int64("source_id", src.ID),
		logging.String("path", abs),
	)
	if req.Ingest {
		id, err := s.submit(ctx, jobs.KindUploadIngest, src.ID, "{}", "")
		if err != nil {
			return resp, err
		}
		resp.IngestJobID = id
	}
	return resp, nil
}

// GetSource returns a registered source.
func (s *Service) GetSource(ctx context.Context, id int64) (Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return Source{}, err
	}
	return FromSource(src), nil
}

// ListSources returns every registered source, newest first.
func (s *Service) ListSources(ctx context.Context) ([]Source, error) {
	list, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(list))
	for _, src := range list {
		out = append(out, FromSource(src))
	}
	return out, nil
}

// Ping reports whether the job database answers.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// JobCounts returns job totals keyed by status.
func (s *Service) JobCounts(ctx context.Context) (map[string]int, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeJobStats(stats), nil
}

// QueueStats reports task queue depth.
func (s *Service) QueueStats(ctx context.Context) (QueueStats, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Ready: stats.Ready, InFlight: stats.InFlight}, nil
}

// MarshalParams is a helper for callers building SubmitRequest values from Go
// structs.
func MarshalParams(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
