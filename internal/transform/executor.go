package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/media/ffprobe"
	"mediaforge/internal/services"
)

// Request describes one unit of work.
type Request struct {
	Kind            jobs.Kind
	SourcePath      string
	Params          Params
	OutputPath      string
	ExpectedSeconds float64
}

// Result is what a successful run produced.
type Result struct {
	OutputPath string
	SizeBytes  int64
	Attributes jobs.ArtifactAttributes
	// Metadata is set for upload_ingest only.
	Metadata *jobs.SourceMetadata
}

// Failure is the error Execute returns when the unit itself failed.
// Errors of any other type (context cancellation on shutdown) mean the run
// was interrupted and should be retried.
type Failure struct {
	Kind    jobs.FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps err to a failure kind. ok is false for errors that are not
// unit failures.
func Classify(err error) (jobs.FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// Prober inspects a media file.
type Prober func(ctx context.Context, path string) (ffprobe.Result, error)

// Option configures the executor.
type Option func(*Executor)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(r Runner) Option {
	return func(e *Executor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithProber replaces ffprobe inspection (primarily for tests).
func WithProber(p Prober) Option {
	return func(e *Executor) {
		if p != nil {
			e.probe = p
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor runs ffmpeg for one unit at a time. It is safe for concurrent use.
type Executor struct {
	ffmpeg    string
	qualities map[string]config.Quality
	timeout   func(expectedSeconds float64) time.Duration
	tailLines int
	runner    Runner
	probe     Prober
	logger    *slog.Logger
}

// NewExecutor builds an executor from configuration.
func NewExecutor(cfg *config.Config, opts ...Option) *Executor {
	ffprobeBinary := cfg.FFprobeBinary()
	e := &Executor{
		ffmpeg:    cfg.FFmpegBinary(),
		qualities: cfg.Qualities,
		timeout:   cfg.ToolTimeout,
		tailLines: cfg.Transform.StderrTailLines,
		runner:    commandRunner{},
		logger:    logging.NewNop(),
	}
	e.probe = func(ctx context.Context, path string) (ffprobe.Result, error) {
		return ffprobe.Inspect(ctx, path, ffprobe.Options{Binary: ffprobeBinary})
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tailLines <= 0 {
		e.tailLines = 20
	}
	return e
}

// Execute runs one unit. A *Failure is returned when the unit failed; the
// caller records it and does not retry.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	logger := logging.WithContext(ctx, e.logger)
	if req.Params == nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "missing parameters", Err: services.ErrValidation}
	}
	if err := req.Params.Check(); err != nil {
		return Result{}, &Failure{
			Kind:    jobs.FailureToolError,
			Message: "invalid parameters",
			Err:     services.Wrap(services.ErrValidation, "transform", string(req.Kind), "", err),
		}
	}
	published, err := checkOutput(req.OutputPath)
	if err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "prepare output", Err: err}
	}
	if published {
		// An earlier delivery of this unit already produced the output.
		logger.Info("output already published; reusing it",
			logging.String(logging.FieldEventType, "output_reused"),
			logging.String("output", req.OutputPath),
		)
		return e.finalResult(ctx, req)
	}
	attemptDir, err := os.MkdirTemp(filepath.Dir(req.OutputPath), ".attempt-*")
	if err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "create attempt directory", Err: err}
	}
	defer os.RemoveAll(attemptDir)
	staged := filepath.Join(attemptDir, filepath.Base(req.OutputPath))

	if req.ExpectedSeconds <= 0 && req.Kind != jobs.KindUploadIngest {
		req.ExpectedSeconds = e.sourceDuration(ctx, req)
	}
	timeout := e.timeout(req.ExpectedSeconds)
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if req.Kind == jobs.KindUploadIngest {
		return e.ingest(runCtx, ctx, req, staged)
	}

	args, err := e.buildArgs(req, staged)
	if err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "build arguments", Err: err}
	}
	args = append([]string{"-hide_banner", "-nostdin"}, args...)

	logger.Info("ffmpeg started",
		logging.String(logging.FieldEventType, "tool_started"),
		logging.String(logging.FieldKind, string(req.Kind)),
		logging.String("output", req.OutputPath),
		logging.String("staged", staged),
		logging.Duration("timeout", timeout),
	)
	started := time.Now()
	tail := newLineTail(e.tailLines)
	sampler := logging.NewProgressSampler(25)
	runErr := e.runner.Run(runCtx, e.ffmpeg, args, func(line string) {
		if seconds, ok := parseProgressTime(line); ok {
			if req.ExpectedSeconds > 0 {
				pct := seconds / req.ExpectedSeconds * 100
				if sampler.ShouldLog(pct) {
					logger.Debug("ffmpeg progress", logging.Float64("percent", pct))
				}
			}
			return
		}
		tail.Add(line)
	})
	if runErr != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, &Failure{
				Kind:    jobs.FailureTimeout,
				Message: fmt.Sprintf("ffmpeg exceeded %s", timeout),
				Err:     services.ErrTimeout,
			}
		}
		msg := "ffmpeg failed"
		if excerpt := tail.String(); excerpt != "" {
			msg += ": " + excerpt
		}
		return Result{}, &Failure{
			Kind:    jobs.FailureToolError,
			Message: msg,
			Err:     services.Wrap(services.ErrExternalTool, "transform", "ffmpeg", "", runErr),
		}
	}

	if _, err := e.inspectOutput(runCtx, staged); err != nil {
		return Result{}, err
	}
	adopted, err := publish(staged, req.OutputPath)
	if err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "publish output", Err: err}
	}
	result, err := e.finalResult(runCtx, req)
	if err != nil {
		return Result{}, err
	}
	logger.Info("ffmpeg finished",
		logging.String(logging.FieldEventType, "tool_finished"),
		logging.Duration("elapsed", time.Since(started)),
		logging.Int64("size_bytes", result.SizeBytes),
		logging.Bool("adopted_existing", adopted),
	)
	return result, nil
}

// finalResult inspects the published output and adds the attributes that
// come from the request rather than the file.
func (e *Executor) finalResult(ctx context.Context, req Request) (Result, error) {
	if req.Kind == jobs.KindUploadIngest {
		return e.ingestResult(ctx, req)
	}
	result, err := e.inspectOutput(ctx, req.OutputPath)
	if err != nil {
		return Result{}, err
	}
	switch p := req.Params.(type) {
	case TrimParams:
		start, end := p.StartTime, p.EndTime
		result.Attributes.StartSeconds = &start
		result.Attributes.EndSeconds = &end
	case QualityUnitParams:
		result.Attributes.BitrateKbps = e.qualities[p.Quality].BitrateKbps
	}
	return result, nil
}

// sourceDuration estimates how much media ffmpeg will process. Probe errors
// leave the estimate at zero so the base timeout applies.
func (e *Executor) sourceDuration(ctx context.Context, req Request) float64 {
	if p, ok := req.Params.(TrimParams); ok {
		return p.EndTime - p.StartTime
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	probe, err := e.probe(probeCtx, req.SourcePath)
	if err != nil {
		e.logger.Debug("source probe failed; using base timeout", logging.Error(err))
		return 0
	}
	return probe.DurationSeconds()
}

// buildArgs maps the request onto an ffmpeg invocation writing to out.
func (e *Executor) buildArgs(req Request, out string) ([]string, error) {
	src := req.SourcePath
	switch p := req.Params.(type) {
	case TrimParams:
		return trimArgs(src, out, p), nil
	case TextOverlayParams:
		return textOverlayArgs(src, out, p), nil
	case ImageOverlayParams:
		return overlayArgs(src, p.OverlayPath, out, p.Window), nil
	case VideoOverlayParams:
		return overlayArgs(src, p.OverlayPath, out, p.Window), nil
	case WatermarkParams:
		return watermarkArgs(src, out, p), nil
	case QualityUnitParams:
		q, ok := e.qualities[p.Quality]
		if !ok {
			return nil, services.Wrap(services.ErrUnknownQuality, "transform", "quality", p.Quality, nil)
		}
		return qualityArgs(src, out, q), nil
	default:
		return nil, fmt.Errorf("no ffmpeg mapping for %T", req.Params)
	}
}

// inspectOutput rejects missing, empty, or unreadable output.
func (e *Executor) inspectOutput(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, &Failure{Kind: jobs.FailureEmptyOutput, Message: "output missing", Err: services.ErrEmptyOutput}
	}
	if info.Size() == 0 {
		return Result{}, &Failure{Kind: jobs.FailureEmptyOutput, Message: "output is empty", Err: services.ErrEmptyOutput}
	}
	probe, err := e.probe(ctx, path)
	if err != nil {
		return Result{}, &Failure{
			Kind:    jobs.FailureEmptyOutput,
			Message: "output could not be probed",
			Err:     services.Wrap(services.ErrEmptyOutput, "transform", "ffprobe", "", err),
		}
	}
	if !probe.HasMedia() {
		return Result{}, &Failure{Kind: jobs.FailureEmptyOutput, Message: "output has no media streams", Err: services.ErrEmptyOutput}
	}
	return Result{
		OutputPath: path,
		SizeBytes:  info.Size(),
		Attributes: attributesFromProbe(probe),
	}, nil
}

func (e *Executor) ingest(runCtx, parent context.Context, req Request, staged string) (Result, error) {
	probe, err := e.probe(runCtx, req.SourcePath)
	if err != nil {
		if parent.Err() != nil {
			return Result{}, fmt.Errorf("ffprobe interrupted: %w", parent.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, &Failure{Kind: jobs.FailureTimeout, Message: "ffprobe timed out", Err: services.ErrTimeout}
		}
		return Result{}, &Failure{
			Kind:    jobs.FailureToolError,
			Message: "source could not be probed",
			Err:     services.Wrap(services.ErrExternalTool, "transform", "ffprobe", "", err),
		}
	}
	if err := os.WriteFile(staged, probe.RawJSON(), 0o644); err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "write probe report", Err: err}
	}
	if _, err := publish(staged, req.OutputPath); err != nil {
		return Result{}, &Failure{Kind: jobs.FailureToolError, Message: "publish probe report", Err: err}
	}
	return e.ingestResult(runCtx, req)
}

// ingestResult reads the published probe report back into source metadata.
func (e *Executor) ingestResult(ctx context.Context, req Request) (Result, error) {
	data, err := os.ReadFile(req.OutputPath)
	if err != nil || len(data) == 0 {
		return Result{}, &Failure{Kind: jobs.FailureEmptyOutput, Message: "probe report is empty", Err: services.ErrEmptyOutput}
	}
	probe, err := ffprobe.Parse(data)
	if err != nil {
		return Result{}, &Failure{
			Kind:    jobs.FailureEmptyOutput,
			Message: "probe report is unreadable",
			Err:     services.Wrap(services.ErrEmptyOutput, "transform", "ffprobe", "", err),
		}
	}
	attrs := attributesFromProbe(probe)
	return Result{
		OutputPath: req.OutputPath,
		SizeBytes:  int64(len(data)),
		Attributes: attrs,
		Metadata: &jobs.SourceMetadata{
			DurationSeconds: attrs.DurationSeconds,
			SizeBytes:       probe.SizeBytes(),
			Width:           attrs.Width,
			Height:          attrs.Height,
			FPS:             attrs.FPS,
		},
	}, nil
}

func attributesFromProbe(probe ffprobe.Result) jobs.ArtifactAttributes {
	attrs := jobs.ArtifactAttributes{
		DurationSeconds: probe.DurationSeconds(),
		FPS:             probe.FPS(),
	}
	if stream, ok := probe.VideoStream(); ok {
		attrs.Width = stream.Width
		attrs.Height = stream.Height
	}
	if rate := probe.BitRate(); rate > 0 {
		attrs.BitrateKbps = int(rate / 1000)
	}
	return attrs
}

// checkOutput refuses directories and creates the parent directory. It
// reports whether a published output is already in place.
func checkOutput(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("output path is empty")
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return false, fmt.Errorf("output path %q is a directory", path)
	case err == nil:
		return true, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("stat output: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create output directory: %w", err)
	}
	return false, nil
}

// publish moves a finished attempt to its final path without ever
// replacing a file that is already there. adopted is true when another
// attempt published first; the staged copy is then discarded.
func publish(staged, final string) (adopted bool, err error) {
	err = os.Link(staged, final)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, os.ErrExist):
		return true, nil
	}
	// No hard link support; fall back to a rename when the path is free.
	if _, statErr := os.Lstat(final); statErr == nil {
		return true, nil
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return false, fmt.Errorf("stat output: %w", statErr)
	}
	if err := os.Rename(staged, final); err != nil {
		return false, fmt.Errorf("publish output: %w", err)
	}
	return false, nil
}

var progressTimePattern = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseProgressTime extracts the encoded position from an ffmpeg status line.
func parseProgressTime(line string) (float64, bool) {
	m := progressTimePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.ParseFloat(m[3], 64)
	return float64(h*3600+mi*60) + s, true
}

// lineTail keeps the last n non-empty lines.
type lineTail struct {
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
