package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
)

// MustOpenStore opens a jobs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewSource writes a small placeholder media file under the configured
// sources directory and registers it.
func NewSource(t testing.TB, store *jobs.Store, cfg *config.Config, name string) *jobs.Source {
	t.Helper()

	path := filepath.Join(cfg.Paths.SourcesDir, name)
	WriteFile(t, path, 4096)
	src, err := store.RegisterSource(context.Background(), path, name)
	if err != nil {
		t.Fatalf("store.RegisterSource: %v", err)
	}
	return src
}

// NewJob creates a pending job record for tests.
func NewJob(t testing.TB, store *jobs.Store, kind jobs.Kind, sourceID int64, paramsJSON string, units int) *jobs.Record {
	t.Helper()

	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	rec, err := store.Create(context.Background(), jobs.CreateParams{
		Kind:       kind,
		SourceID:   sourceID,
		ParamsJSON: paramsJSON,
		UnitsTotal: units,
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return rec
}
