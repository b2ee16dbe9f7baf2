package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"mediaforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.SourcesDir = filepath.Join(base, "sources")
	cfgVal.Paths.LogDir = ""
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Dispatch.PollIntervalMillis = 5
	cfgVal.Dispatch.PollMaxIntervalMillis = 20

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithConcurrency sets the dispatcher worker count.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.Concurrency = n
	}
}

// WithMaxDeliveries sets the per-unit delivery limit.
func WithMaxDeliveries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxDeliveries = n
	}
}

// WithRedisQueue switches the task queue backend to redis at url.
func WithRedisQueue(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backend = config.QueueBackendRedis
		b.cfg.Queue.RedisURL = url
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		for _, name := range names {
			WriteStubBinary(b.t, b.baseDir, name, "exit 0\n")
		}
	}
}

// WriteStubBinary writes an executable shell script named name under
// baseDir/bin and prepends that directory to PATH for the test's lifetime.
func WriteStubBinary(t testing.TB, baseDir, name, body string) string {
	t.Helper()
	binDir := filepath.Join(baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}

	oldPath := os.Getenv("PATH")
	if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
		t.Fatalf("set PATH: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Setenv("PATH", oldPath)
	})
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
