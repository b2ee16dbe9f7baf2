package transform_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/services"
	"mediaforge/internal/testsupport"
	"mediaforge/internal/transform"
)

func newExecutor(t *testing.T, runner *testsupport.FakeRunner) (*transform.Executor, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	exec := transform.NewExecutor(cfg,
		transform.WithRunner(runner),
		transform.WithProber(testsupport.FakeProber(cfg, 12)),
	)
	return exec, cfg
}

func sourceFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(cfg.Paths.SourcesDir, "clip.mp4")
	testsupport.WriteFile(t, path, 4096)
	return path
}

func failureKind(t *testing.T, err error) jobs.FailureKind {
	t.Helper()
	kind, ok := transform.Classify(err)
	if !ok {
		t.Fatalf("expected unit failure, got %v", err)
	}
	return kind
}

func TestExecuteQualityConversion(t *testing.T) {
	runner := &testsupport.FakeRunner{OutputSize: 8192}
	exec, cfg := newExecutor(t, runner)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job-1", "720p.mp4")

	res, err := exec.Execute(context.Background(), transform.Request{
		Kind:            jobs.KindQualityConversion,
		SourcePath:      sourceFile(t, cfg),
		Params:          transform.QualityUnitParams{Quality: "720p"},
		OutputPath:      out,
		ExpectedSeconds: 12,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OutputPath != out || res.SizeBytes != 8192 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Attributes.Width != 1280 || res.Attributes.Height != 720 || res.Attributes.BitrateKbps != 3000 {
		t.Fatalf("unexpected attributes: %+v", res.Attributes)
	}
	if res.Attributes.FPS != 30 || res.Attributes.DurationSeconds != 12 {
		t.Fatalf("unexpected probe attributes: %+v", res.Attributes)
	}
	calls := runner.Calls()
	if len(calls) != 1 || !strings.Contains(strings.Join(calls[0], " "), "scale=1280:720") {
		t.Fatalf("unexpected ffmpeg invocation: %v", calls)
	}
}

func TestExecuteTrimEndBeforeStartNeverRunsTool(t *testing.T) {
	runner := &testsupport.FakeRunner{}
	exec, cfg := newExecutor(t, runner)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job-2", "result.mp4")

	_, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 10, EndTime: 5},
		OutputPath: out,
	})
	if got := failureKind(t, err); got != jobs.FailureToolError {
		t.Fatalf("expected tool_error, got %s", got)
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("ffmpeg should not run for invalid parameters")
	}
	if _, statErr := os.Stat(out); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("no output expected, stat err=%v", statErr)
	}
}

func TestExecuteTrimRecordsOffsets(t *testing.T) {
	exec, cfg := newExecutor(t, &testsupport.FakeRunner{})
	res, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 1, EndTime: 4},
		OutputPath: filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Attributes.StartSeconds == nil || *res.Attributes.StartSeconds != 1 || *res.Attributes.EndSeconds != 4 {
		t.Fatalf("unexpected offsets: %+v", res.Attributes)
	}
}

func TestExecuteMissingOverlayFile(t *testing.T) {
	runner := &testsupport.FakeRunner{}
	exec, cfg := newExecutor(t, runner)
	_, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindImageOverlay,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.ImageOverlayParams{OverlayPath: filepath.Join(cfg.Paths.SourcesDir, "missing.png")},
		OutputPath: filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4"),
	})
	if got := failureKind(t, err); got != jobs.FailureToolError {
		t.Fatalf("expected tool_error, got %s", got)
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("ffmpeg should not run without the overlay")
	}
}

func TestExecuteToolErrorIncludesStderrTail(t *testing.T) {
	runner := &testsupport.FakeRunner{
		FailWith: errors.New("exit status 1"),
		Stderr: []string{
			"frame=  10 fps=0.0 time=00:00:00.40 bitrate=N/A",
			"[libx264 @ 0x1] broken pipe",
			"Conversion failed!",
		},
	}
	exec, cfg := newExecutor(t, runner)
	_, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindTextOverlay,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TextOverlayParams{Content: "hi", FontSize: 24, FontColor: "white"},
		OutputPath: filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4"),
	})
	if got := failureKind(t, err); got != jobs.FailureToolError {
		t.Fatalf("expected tool_error, got %s", got)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Conversion failed!") || strings.Contains(msg, "frame=") {
		t.Fatalf("unexpected stderr excerpt: %s", msg)
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool marker, got %v", err)
	}
}

func TestExecuteEmptyOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4")
	empty := transform.NewExecutor(cfg,
		transform.WithRunner(runnerFunc(func(_ context.Context, _ string, args []string, _ func(string)) error {
			return os.WriteFile(args[len(args)-1], nil, 0o644)
		})),
		transform.WithProber(testsupport.FakeProber(cfg, 1)),
	)
	_, err := empty.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 0, EndTime: 1},
		OutputPath: out,
	})
	if got := failureKind(t, err); got != jobs.FailureEmptyOutput {
		t.Fatalf("expected empty_output, got %s", got)
	}
}

func trimRequest(t *testing.T, cfg *config.Config, out string) transform.Request {
	t.Helper()
	return transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 0, EndTime: 2},
		OutputPath: out,
	}
}

func requireNoAttemptDirs(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".attempt-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("attempt directories left behind: %v", matches)
	}
}

func TestExecuteReusesPublishedOutput(t *testing.T) {
	runner := &testsupport.FakeRunner{OutputSize: 100}
	exec, cfg := newExecutor(t, runner)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4")
	testsupport.WriteFile(t, out, 5000)

	res, err := exec.Execute(context.Background(), trimRequest(t, cfg, out))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SizeBytes != 5000 || res.Attributes.EndSeconds == nil || *res.Attributes.EndSeconds != 2 {
		t.Fatalf("expected published output to be reused, got %+v", res)
	}
	if calls := runner.Calls(); len(calls) != 0 {
		t.Fatalf("published output must not be re-encoded, got %v", calls)
	}
	if info, err := os.Stat(out); err != nil || info.Size() != 5000 {
		t.Fatalf("published output changed: %v %v", info, err)
	}
	requireNoAttemptDirs(t, filepath.Dir(out))
}

func TestExecuteFailedAttemptNeverTouchesFinalPath(t *testing.T) {
	exec, cfg := newExecutor(t, &testsupport.FakeRunner{FailWith: errors.New("exit status 1")})
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4")

	_, err := exec.Execute(context.Background(), trimRequest(t, cfg, out))
	if got := failureKind(t, err); got != jobs.FailureToolError {
		t.Fatalf("expected tool_error, got %s", got)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed attempt left output behind: %v", err)
	}
	requireNoAttemptDirs(t, filepath.Dir(out))
}

func TestExecuteAdoptsOutputPublishedDuringRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4")
	// Another delivery of the same unit publishes while this one encodes.
	racing := transform.NewExecutor(cfg,
		transform.WithRunner(runnerFunc(func(_ context.Context, _ string, args []string, _ func(string)) error {
			staged := args[len(args)-1]
			if filepath.Dir(staged) == filepath.Dir(out) {
				t.Errorf("ffmpeg wrote straight to the final directory: %s", staged)
			}
			if err := os.WriteFile(out, make([]byte, 700), 0o644); err != nil {
				return err
			}
			return os.WriteFile(staged, make([]byte, 300), 0o644)
		})),
		transform.WithProber(testsupport.FakeProber(cfg, 2)),
	)

	res, err := racing.Execute(context.Background(), trimRequest(t, cfg, out))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SizeBytes != 700 {
		t.Fatalf("expected the first published output to win, got size %d", res.SizeBytes)
	}
	if info, err := os.Stat(out); err != nil || info.Size() != 700 {
		t.Fatalf("published output replaced: %v %v", info, err)
	}
	requireNoAttemptDirs(t, filepath.Dir(out))
}

func TestExecuteRejectsDirectoryOutput(t *testing.T) {
	runner := &testsupport.FakeRunner{}
	exec, cfg := newExecutor(t, runner)
	dirOut := filepath.Join(cfg.Paths.ArtifactsDir, "job", "dir.mp4")
	if err := os.MkdirAll(dirOut, 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := exec.Execute(context.Background(), trimRequest(t, cfg, dirOut))
	if got := failureKind(t, err); got != jobs.FailureToolError {
		t.Fatalf("expected tool_error for directory output, got %s", got)
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("directory output must not reach ffmpeg")
	}
}

func TestExecuteUploadIngestWritesReport(t *testing.T) {
	runner := &testsupport.FakeRunner{}
	exec, cfg := newExecutor(t, runner)
	out := filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.json")

	res, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindUploadIngest,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.UploadIngestParams{},
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata == nil || res.Metadata.Width != 1920 || res.Metadata.DurationSeconds != 12 || res.Metadata.SizeBytes != 4096 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), `"codec_type":"video"`) {
		t.Fatalf("report not written: %s", data)
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("ingest should not invoke ffmpeg")
	}
}

func TestExecuteShutdownIsNotAFailure(t *testing.T) {
	exec, cfg := newExecutor(t, &testsupport.FakeRunner{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 0, EndTime: 2},
		OutputPath: filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4"),
	})
	if err == nil {
		t.Fatal("expected interruption error")
	}
	if _, ok := transform.Classify(err); ok {
		t.Fatalf("shutdown must not be classified as a unit failure: %v", err)
	}
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	cfg := testsupport.NewConfig(t)
	testsupport.WriteStubBinary(t, testsupport.BaseDir(cfg), "ffmpeg", "echo starting >&2\nsleep 30\n")
	cfg.Transform.TimeoutBaseSeconds = 1
	cfg.Transform.TimeoutFactor = 0
	exec := transform.NewExecutor(cfg, transform.WithProber(testsupport.FakeProber(cfg, 1)))

	started := time.Now()
	_, err := exec.Execute(context.Background(), transform.Request{
		Kind:       jobs.KindTrim,
		SourcePath: sourceFile(t, cfg),
		Params:     transform.TrimParams{StartTime: 0, EndTime: 2},
		OutputPath: filepath.Join(cfg.Paths.ArtifactsDir, "job", "result.mp4"),
	})
	if got := failureKind(t, err); got != jobs.FailureTimeout {
		t.Fatalf("expected timeout, got %s (%v)", got, err)
	}
	if elapsed := time.Since(started); elapsed > 15*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

type runnerFunc func(ctx context.Context, binary string, args []string, onStderr func(string)) error

func (f runnerFunc) Run(ctx context.Context, binary string, args []string, onStderr func(string)) error {
	return f(ctx, binary, args, onStderr)
}
