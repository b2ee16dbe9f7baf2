package dispatch_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mediaforge/internal/config"
	"mediaforge/internal/dispatch"
	"mediaforge/internal/jobs"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/testsupport"
	"mediaforge/internal/transform"
)

type dispatchEnv struct {
	cfg    *config.Config
	store  *jobs.Store
	queue  taskqueue.Queue
	runner *testsupport.FakeRunner
	mgr    *dispatch.Manager
	source *jobs.Source
}

func newDispatchEnv(t *testing.T, runner *testsupport.FakeRunner, opts ...testsupport.ConfigOption) *dispatchEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	q, err := taskqueue.NewSQLite(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	return buildDispatchEnv(t, cfg, store, q, runner)
}

// newRedisDispatchEnv runs the dispatcher against a redis queue served by
// miniredis.
func newRedisDispatchEnv(t *testing.T, runner *testsupport.FakeRunner, opts ...testsupport.ConfigOption) *dispatchEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append(opts, testsupport.WithRedisQueue("redis://"+mr.Addr()))
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	q, err := taskqueue.DialRedis(context.Background(), cfg.Queue.RedisURL, "dispatch-test")
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return buildDispatchEnv(t, cfg, store, q, runner)
}

func buildDispatchEnv(t *testing.T, cfg *config.Config, store *jobs.Store, q taskqueue.Queue, runner *testsupport.FakeRunner) *dispatchEnv {
	t.Helper()
	exec := transform.NewExecutor(cfg,
		transform.WithRunner(runner),
		transform.WithProber(testsupport.FakeProber(cfg, 12)),
	)
	return &dispatchEnv{
		cfg:    cfg,
		store:  store,
		queue:  q,
		runner: runner,
		mgr:    dispatch.NewManager(cfg, store, q, exec, nil),
		source: testsupport.NewSource(t, store, cfg, "clip.mp4"),
	}
}

func (e *dispatchEnv) submit(t *testing.T, kind jobs.Kind, params string) *jobs.Record {
	t.Helper()
	ctx := context.Background()
	plans, err := transform.Plan(kind, params, e.cfg.Qualities)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	rec := testsupport.NewJob(t, e.store, kind, e.source.ID, params, len(plans))
	for _, plan := range plans {
		if err := e.queue.Enqueue(ctx, taskqueue.Unit{
			JobID:      rec.ID,
			Index:      plan.Index,
			Kind:       kind,
			Label:      plan.Label,
			ParamsJSON: plan.ParamsJSON,
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	return rec
}

func (e *dispatchEnv) start(t *testing.T) {
	t.Helper()
	if err := e.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.mgr.Stop)
}

// waitTerminal polls the job until it settles and returns every distinct
// status observed along the way.
func (e *dispatchEnv) waitTerminal(t *testing.T, id string) (*jobs.Record, []jobs.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var seen []jobs.Status
	for time.Now().Before(deadline) {
		rec, err := e.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(seen) == 0 || seen[len(seen)-1] != rec.Status {
			seen = append(seen, rec.Status)
		}
		if rec.Status.Terminal() {
			return rec, seen
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not settle; statuses seen %v", id, seen)
	return nil, nil
}

func waitQueueDrained(t *testing.T, q taskqueue.Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := q.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Ready == 0 && stats.InFlight == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func statusRank(s jobs.Status) int {
	for i, candidate := range jobs.Statuses() {
		if candidate == s {
			return i
		}
	}
	return -1
}

func requireMonotonic(t *testing.T, seen []jobs.Status) {
	t.Helper()
	for i := 1; i < len(seen); i++ {
		if statusRank(seen[i]) <= statusRank(seen[i-1]) {
			t.Fatalf("status went backwards: %v", seen)
		}
	}
}

func TestQualityConversionCompletesWithArtifactPerQuality(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{OutputSize: 4096})
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p","480p"]}`)
	if rec.UnitsTotal != 2 {
		t.Fatalf("expected two units, got %d", rec.UnitsTotal)
	}
	env.start(t)

	final, seen := env.waitTerminal(t, rec.ID)
	requireMonotonic(t, seen)
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("expected lifecycle timestamps: %+v", final)
	}
	if final.UnitsDone != 2 || final.UnitsFailed != 0 {
		t.Fatalf("unexpected counters: %+v", final)
	}
	if !strings.Contains(final.ResultJSON, "720p") || !strings.Contains(final.ResultJSON, "480p") {
		t.Fatalf("result summary missing labels: %s", final.ResultJSON)
	}

	artifacts, err := env.store.ListArtifacts(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	want := map[string][2]int{"720p": {1280, 720}, "480p": {854, 480}}
	if len(artifacts) != len(want) {
		t.Fatalf("expected %d artifacts, got %+v", len(want), artifacts)
	}
	for _, a := range artifacts {
		dims, ok := want[a.Label]
		if !ok {
			t.Fatalf("unexpected artifact label %q", a.Label)
		}
		if a.Attributes.Width != dims[0] || a.Attributes.Height != dims[1] {
			t.Fatalf("artifact %s dimensions %dx%d", a.Label, a.Attributes.Width, a.Attributes.Height)
		}
		if a.SizeBytes != testsupport.FileSize(t, a.Path) {
			t.Fatalf("artifact %s size %d does not match file", a.Label, a.SizeBytes)
		}
	}
	waitQueueDrained(t, env.queue)
}

func TestTrimWithEndBeforeStartFailsWithoutArtifact(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{})
	rec := env.submit(t, jobs.KindTrim, `{"start_time":10.0,"end_time":5.0}`)
	env.start(t)

	final, seen := env.waitTerminal(t, rec.ID)
	requireMonotonic(t, seen)
	if final.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if strings.TrimSpace(final.ErrorMessage) == "" {
		t.Fatal("expected error message")
	}
	if final.FailureKind != jobs.FailureToolError {
		t.Fatalf("expected tool_error, got %q", final.FailureKind)
	}
	artifacts, err := env.store.ListArtifacts(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %+v", artifacts)
	}
	if calls := env.runner.Calls(); len(calls) != 0 {
		t.Fatalf("ffmpeg should not run for invalid trim, got %v", calls)
	}
}

func TestFanOutSiblingFailureFailsJobButKeepsArtifacts(t *testing.T) {
	runner := &testsupport.FakeRunner{FailOutputs: []string{"480p"}, Stderr: []string{"Conversion failed!"}}
	env := newDispatchEnv(t, runner)
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p","480p","360p"]}`)
	env.start(t)

	final, seen := env.waitTerminal(t, rec.ID)
	requireMonotonic(t, seen)
	if final.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "Conversion failed!") {
		t.Fatalf("expected stderr excerpt in error, got %q", final.ErrorMessage)
	}
	waitQueueDrained(t, env.queue)

	// Siblings still land as artifacts once the queue drains, but the job
	// stays failed.
	artifacts, err := env.store.ListArtifacts(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	labels := make(map[string]bool)
	for _, a := range artifacts {
		labels[a.Label] = true
	}
	if labels["480p"] || !labels["720p"] || !labels["360p"] {
		t.Fatalf("unexpected artifact labels: %v", labels)
	}
	after, err := env.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != jobs.StatusFailed || after.UnitsDone != 2 || after.UnitsFailed != 1 {
		t.Fatalf("unexpected final record: %+v", after)
	}
}

func TestDuplicateDeliveryDoesNotRecountOrReexecute(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{})
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p"]}`)
	env.start(t)
	env.waitTerminal(t, rec.ID)
	waitQueueDrained(t, env.queue)
	callsBefore := len(env.runner.Calls())

	plans, err := transform.Plan(jobs.KindQualityConversion, `{"qualities":["720p"]}`, env.cfg.Qualities)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := env.queue.Enqueue(context.Background(), taskqueue.Unit{
		JobID:      rec.ID,
		Index:      0,
		Kind:       jobs.KindQualityConversion,
		Label:      plans[0].Label,
		ParamsJSON: plans[0].ParamsJSON,
	}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	waitQueueDrained(t, env.queue)

	after, err := env.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != jobs.StatusCompleted || after.UnitsDone != 1 {
		t.Fatalf("duplicate delivery changed the record: %+v", after)
	}
	artifacts, err := env.store.ListArtifacts(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d", len(artifacts))
	}
	if got := len(env.runner.Calls()); got != callsBefore {
		t.Fatalf("duplicate delivery re-ran ffmpeg: %d calls, want %d", got, callsBefore)
	}
}

func TestUnitOverDeliveryLimitFailsJob(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{}, testsupport.WithMaxDeliveries(2))
	rec := env.submit(t, jobs.KindWatermark, `{"watermark_path":"/nonexistent.png"}`)

	// Simulate two workers that crashed mid-execution.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		lease, err := env.queue.Claim(ctx, "crashed", time.Minute)
		if err != nil || lease == nil {
			t.Fatalf("Claim: %v %v", lease, err)
		}
		if err := env.queue.Nack(ctx, lease.JobID, lease.Index, lease.WorkerID); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}
	env.start(t)

	final, seen := env.waitTerminal(t, rec.ID)
	requireMonotonic(t, seen)
	if final.Status != jobs.StatusFailed || final.FailureKind != jobs.FailureMaxRetriesExceeded {
		t.Fatalf("expected max retries failure, got %s %q", final.Status, final.FailureKind)
	}
	if final.StartedAt == nil {
		t.Fatal("failed job must pass through processing")
	}
	if calls := env.runner.Calls(); len(calls) != 0 {
		t.Fatalf("exhausted unit must not run, got %v", calls)
	}
}

func TestConcurrentFanOutJobsAllComplete(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{}, testsupport.WithConcurrency(4))
	var ids []string
	for i := 0; i < 5; i++ {
		rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["1080p","720p","480p","360p"]}`)
		ids = append(ids, rec.ID)
	}
	env.start(t)

	for _, id := range ids {
		rec, _ := env.waitTerminal(t, id)
		if rec.Status != jobs.StatusCompleted || rec.UnitsDone != 4 {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
	waitQueueDrained(t, env.queue)

	status := env.mgr.Status(context.Background())
	if !status.Running || status.Workers != 4 || status.Handled == 0 {
		t.Fatalf("unexpected dispatcher status: %+v", status)
	}
}

func TestStartRejectsSecondStart(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{})
	env.start(t)
	if err := env.mgr.Start(context.Background()); err == nil {
		t.Fatal("expected error starting twice")
	}
}

func TestCrashedWorkerLeaseExpiresAndUnitCompletesOnce(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{})
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p"]}`)

	// A worker claims the unit with a short lease and dies without acking.
	ctx := context.Background()
	lease, err := env.queue.Claim(ctx, "crashed", 50*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("Claim: %v %v", lease, err)
	}
	if err := env.store.Transition(ctx, rec.ID, jobs.StatusPending, jobs.StatusProcessing, jobs.TransitionFields{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	env.start(t)

	final, seen := env.waitTerminal(t, rec.ID)
	requireMonotonic(t, seen)
	if final.Status != jobs.StatusCompleted || final.UnitsDone != 1 || final.UnitsFailed != 0 {
		t.Fatalf("unexpected record after redelivery: %+v", final)
	}
	waitQueueDrained(t, env.queue)
	if calls := env.runner.Calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one ffmpeg run, got %d", len(calls))
	}
	outcomes, err := env.store.ListUnitOutcomes(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListUnitOutcomes: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Succeeded {
		t.Fatalf("expected a single successful outcome, got %+v", outcomes)
	}
	if err := env.queue.Ack(ctx, lease.JobID, lease.Index, lease.WorkerID); err != nil {
		t.Fatalf("late Ack from crashed worker: %v", err)
	}
}

func TestRecordedOutcomesSettleStuckJobWithoutRunning(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{})
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p","480p"]}`)

	// An earlier delivery recorded both outcomes but stopped before the job
	// left processing, so its units are still queued.
	ctx := context.Background()
	if err := env.store.Transition(ctx, rec.ID, jobs.StatusPending, jobs.StatusProcessing, jobs.TransitionFields{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.store.RecordUnitOutcome(ctx, rec.ID, i, jobs.UnitOutcome{Succeeded: true}); err != nil {
			t.Fatalf("RecordUnitOutcome: %v", err)
		}
	}
	env.start(t)

	final, _ := env.waitTerminal(t, rec.ID)
	if final.Status != jobs.StatusCompleted || final.UnitsDone != 2 {
		t.Fatalf("expected stuck job to complete, got %+v", final)
	}
	waitQueueDrained(t, env.queue)
	if calls := env.runner.Calls(); len(calls) != 0 {
		t.Fatalf("recorded units must not run again, got %v", calls)
	}
}

func TestRedeliveryKeepsRecordedArtifact(t *testing.T) {
	env := newDispatchEnv(t, &testsupport.FakeRunner{OutputSize: 100})
	rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["720p"]}`)

	// An earlier delivery published and recorded the artifact, then crashed
	// before its outcome landed.
	ctx := context.Background()
	out := transform.OutputPath(env.cfg.Paths.ArtifactsDir, rec.ID, "720p", jobs.KindQualityConversion)
	testsupport.WriteFile(t, out, 5000)
	if _, err := env.store.PutArtifact(ctx, jobs.Artifact{JobID: rec.ID, Label: "720p", Path: out, SizeBytes: 5000}); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	env.start(t)

	final, _ := env.waitTerminal(t, rec.ID)
	if final.Status != jobs.StatusCompleted || final.UnitsDone != 1 {
		t.Fatalf("expected completed job, got %+v", final)
	}
	if calls := env.runner.Calls(); len(calls) != 0 {
		t.Fatalf("recorded artifact must not be re-encoded, got %v", calls)
	}
	if size := testsupport.FileSize(t, out); size != 5000 {
		t.Fatalf("artifact file rewritten: size %d", size)
	}
	if !strings.Contains(final.ResultJSON, out) {
		t.Fatalf("result summary missing artifact path: %s", final.ResultJSON)
	}
}

func TestRedisBackedFanOutCompletes(t *testing.T) {
	env := newRedisDispatchEnv(t, &testsupport.FakeRunner{OutputSize: 4096}, testsupport.WithConcurrency(3))
	var ids []string
	for i := 0; i < 3; i++ {
		rec := env.submit(t, jobs.KindQualityConversion, `{"qualities":["1080p","720p","480p"]}`)
		ids = append(ids, rec.ID)
	}
	env.start(t)

	for _, id := range ids {
		rec, seen := env.waitTerminal(t, id)
		requireMonotonic(t, seen)
		if rec.Status != jobs.StatusCompleted || rec.UnitsDone != 3 || rec.UnitsFailed != 0 {
			t.Fatalf("unexpected record: %+v", rec)
		}
		artifacts, err := env.store.ListArtifacts(context.Background(), id)
		if err != nil {
			t.Fatalf("ListArtifacts: %v", err)
		}
		if len(artifacts) != 3 {
			t.Fatalf("expected three artifacts for %s, got %d", id, len(artifacts))
		}
	}
	waitQueueDrained(t, env.queue)
	if calls := env.runner.Calls(); len(calls) != 9 {
		t.Fatalf("expected one ffmpeg run per unit, got %d", len(calls))
	}
}
