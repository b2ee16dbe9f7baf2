package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"mediaforge/internal/api"
	"mediaforge/internal/config"
	"mediaforge/internal/daemon"
	"mediaforge/internal/dispatch"
	"mediaforge/internal/jobs"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/testsupport"
	"mediaforge/internal/transform"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *jobs.Store
	daemon     *daemon.Daemon
	configPath string
	apiAddr    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	queue, err := taskqueue.New(context.Background(), cfg, store.DB())
	if err != nil {
		t.Fatalf("taskqueue.New: %v", err)
	}
	exec := transform.NewExecutor(cfg,
		transform.WithRunner(&testsupport.FakeRunner{OutputSize: 2048}),
		transform.WithProber(testsupport.FakeProber(cfg, 30)),
	)
	svc, err := api.NewService(cfg, store, queue, nil)
	if err != nil {
		t.Fatalf("api.NewService: %v", err)
	}
	d, err := daemon.New(cfg, store, queue, dispatch.NewManager(cfg, store, queue, exec, nil), svc, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Stop()
		_ = d.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		configPath: configPath,
		apiAddr:    d.APIAddress(),
	}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--config", env.configPath}
	if env.apiAddr != "" {
		flags = append(flags, "--api", env.apiAddr)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(output, want) {
			t.Fatalf("expected output to contain %q\n%s", want, output)
		}
	}
}

func TestCLISourceAndJobLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)

	sourcePath := filepath.Join(env.cfg.Paths.SourcesDir, "clip.mp4")
	testsupport.WriteFile(t, sourcePath, 4096)

	out, _, err := runCLI(t, env, "--json", "source", "add", sourcePath, "--ingest=false")
	if err != nil {
		t.Fatalf("source add: %v", err)
	}
	var registered api.RegisterSourceResponse
	if err := json.Unmarshal([]byte(out), &registered); err != nil {
		t.Fatalf("decode source add output: %v\n%s", err, out)
	}
	if registered.Source.ID == 0 || registered.IngestJobID != "" {
		t.Fatalf("unexpected registration: %+v", registered)
	}
	sourceID := strconv.FormatInt(registered.Source.ID, 10)

	out, _, err = runCLI(t, env, "source", "show", sourceID)
	if err != nil {
		t.Fatalf("source show: %v", err)
	}
	requireContains(t, out, "clip.mp4", sourcePath)

	out, _, err = runCLI(t, env, "source", "list")
	if err != nil {
		t.Fatalf("source list: %v", err)
	}
	requireContains(t, out, "clip.mp4", sourceID)

	out, _, err = runCLI(t, env, "--json", "job", "submit", "quality_conversion", "--source", sourceID, "-q", "720p", "-q", "480p")
	if err != nil {
		t.Fatalf("job submit: %v", err)
	}
	var submitted api.SubmitResponse
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("decode submit output: %v\n%s", err, out)
	}
	if submitted.JobID == "" {
		t.Fatal("expected job id")
	}

	out, _, err = runCLI(t, env, "job", "wait", submitted.JobID, "--interval", "10ms", "--timeout", "10s")
	if err != nil {
		t.Fatalf("job wait: %v\n%s", err, out)
	}
	requireContains(t, out, "Completed", "Quality Conversion", "2/2")

	out, _, err = runCLI(t, env, "job", "artifacts", submitted.JobID)
	if err != nil {
		t.Fatalf("job artifacts: %v", err)
	}
	requireContains(t, out, "720p", "480p", "1280x720", "854x480", "2.0 KiB")

	if _, _, err := runCLI(t, env, "job", "result", submitted.JobID); err == nil {
		t.Fatal("expected result without --label to fail for a multi-output job")
	}

	target := filepath.Join(t.TempDir(), "out", "clip-480p.mp4")
	out, _, err = runCLI(t, env, "job", "result", submitted.JobID, "--label", "480p", "--output", target)
	if err != nil {
		t.Fatalf("job result download: %v", err)
	}
	requireContains(t, out, "Wrote 2.0 KiB")
	if size := testsupport.FileSize(t, target); size != 2048 {
		t.Fatalf("expected 2048 byte download, got %d", size)
	}
	if _, err := os.Stat(target + ".part"); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be renamed, got %v", err)
	}

	out, _, err = runCLI(t, env, "job", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("job list: %v", err)
	}
	requireContains(t, out, submitted.JobID)

	out, _, err = runCLI(t, env, "source", "jobs", sourceID)
	if err != nil {
		t.Fatalf("source jobs: %v", err)
	}
	requireContains(t, out, submitted.JobID)
}

func TestCLITrimSubmitRejectsMissingEnd(t *testing.T) {
	env := setupCLITestEnv(t)
	src := testsupport.NewSource(t, env.store, env.cfg, "clip.mp4")

	_, _, err := runCLI(t, env, "job", "submit", "trim", "--source", strconv.FormatInt(src.ID, 10), "--start", "1")
	if err == nil || !strings.Contains(err.Error(), "--end") {
		t.Fatalf("expected missing --end error, got %v", err)
	}

	_, _, err = runCLI(t, env, "job", "submit", "resize", "--source", strconv.FormatInt(src.ID, 10))
	if err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}

	_, _, err = runCLI(t, env, "job", "submit", "quality_conversion", "--source", strconv.FormatInt(src.ID, 10), "-q", "2160p")
	if err == nil || !strings.Contains(err.Error(), "2160p") {
		t.Fatalf("expected unknown quality error, got %v", err)
	}
}

func TestCLIRetryRejectsPendingJob(t *testing.T) {
	env := setupCLITestEnv(t)
	src := testsupport.NewSource(t, env.store, env.cfg, "clip.mp4")
	rec := testsupport.NewJob(t, env.store, jobs.KindTrim, src.ID, `{"start_time":0,"end_time":2}`, 1)
	// Not enqueued, so the dispatcher never moves it out of pending.

	if _, _, err := runCLI(t, env, "job", "retry", rec.ID); err == nil {
		t.Fatal("expected retry of a pending job to fail")
	}
	out, _, err := runCLI(t, env, "job", "status", rec.ID)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	requireContains(t, out, "Pending", "Trim", "0/1")
}

func TestCLIStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Daemon", "Queue", "Dependencies", "Sqlite", "FFmpeg", "Completed", "[OK] "+env.store.Path())

	out, _, err = runCLI(t, env, "--json", "status")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status api.DaemonStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if !status.Running || status.QueueBackend != config.QueueBackendSQLite || status.DatabaseCheck != "ok" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCLIReportsUnreachableDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.daemon.Stop()

	_, _, err := runCLI(t, env, "status")
	if err == nil || !strings.Contains(err.Error(), "mediaforge daemon run") {
		t.Fatalf("expected unreachable hint, got %v", err)
	}
}
