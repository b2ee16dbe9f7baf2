package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaforge/internal/api"
	"mediaforge/internal/config"
)

func TestStatusTitle(t *testing.T) {
	cases := map[string]string{
		"quality_conversion": "Quality Conversion",
		"completed":          "Completed",
		"upload_ingest":      "Upload Ingest",
		"  ":                 "-",
	}
	for in, want := range cases {
		if got := statusTitle(in); got != want {
			t.Fatalf("statusTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatBytes(0); got != "-" {
		t.Fatalf("formatBytes(0) = %q", got)
	}
	if got := formatBytes(3 * 1024 * 1024); got != "3.0 MiB" {
		t.Fatalf("formatBytes = %q", got)
	}
	if got := formatDimensions(1280, 720); got != "1280x720" {
		t.Fatalf("formatDimensions = %q", got)
	}
	if got := formatDimensions(0, 720); got != "-" {
		t.Fatalf("formatDimensions zero = %q", got)
	}
	if got := formatDuration(2.5); got != "2.5s" {
		t.Fatalf("formatDuration = %q", got)
	}
	if got := formatAge("not a time"); got != "-" {
		t.Fatalf("formatAge invalid = %q", got)
	}
	stamp := time.Now().Add(-3 * time.Minute).UTC().Format(time.RFC3339)
	if got := formatAge(stamp); !strings.Contains(got, "minutes ago") {
		t.Fatalf("formatAge = %q", got)
	}
	job := api.Job{Progress: api.JobProgress{Hint: "1/2", Percent: 50}}
	if got := formatProgress(job); got != "1/2 (50%)" {
		t.Fatalf("formatProgress = %q", got)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "config.toml")

	cmd := newRootCommand()
	var stdout strings.Builder
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}
	requireContains(t, stdout.String(), "Wrote sample configuration")

	cmd = newRootCommand()
	cmd.SetOut(&strings.Builder{})
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--overwrite") {
		t.Fatalf("expected existing config to be refused, got %v", err)
	}

	// Point the sample's directories into the temp dir before validating.
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.ArtifactsDir = filepath.Join(dir, "artifacts")
	cfg.Paths.SourcesDir = filepath.Join(dir, "sources")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	writeTestConfig(t, target, &cfg)

	cmd = newRootCommand()
	stdout.Reset()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--config", target, "config", "validate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, stdout.String(), "Configuration valid", "Queue backend: sqlite", target)
	if _, err := os.Stat(filepath.Join(dir, "artifacts")); err != nil {
		t.Fatalf("expected validate to create directories: %v", err)
	}
}
