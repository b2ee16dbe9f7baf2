package services_test

import (
	"context"
	"testing"

	"mediaforge/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-42")
	ctx = services.WithUnitIndex(ctx, 1)
	ctx = services.WithWorker(ctx, "worker-0")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-42" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if idx, ok := services.UnitIndexFromContext(ctx); !ok || idx != 1 {
		t.Fatalf("unexpected unit index: %v %v", idx, ok)
	}
	if w, ok := services.WorkerFromContext(ctx); !ok || w != "worker-0" {
		t.Fatalf("unexpected worker: %v %v", w, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "")
	ctx = services.WithWorker(ctx, "")
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected no job id value")
	}
	if _, ok := services.WorkerFromContext(ctx); ok {
		t.Fatal("expected no worker value")
	}
	if _, ok := services.UnitIndexFromContext(ctx); ok {
		t.Fatal("expected no unit index value")
	}
}
