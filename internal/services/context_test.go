package services_test

import (
	"context"
	"testing"

	"conveyor/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithItemID(ctx, 42)
	ctx = services.WithExecutionID(ctx, "exec-7")
	ctx = services.WithStep(ctx, "transcode")
	ctx = services.WithCorrelationID(ctx, "corr-123")

	if id, ok := services.ItemIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("unexpected item id: %v %v", id, ok)
	}
	if exec, ok := services.ExecutionIDFromContext(ctx); !ok || exec != "exec-7" {
		t.Fatalf("unexpected execution id: %v %v", exec, ok)
	}
	if step, ok := services.StepFromContext(ctx); !ok || step != "transcode" {
		t.Fatalf("unexpected step: %v %v", step, ok)
	}
	if cid, ok := services.CorrelationIDFromContext(ctx); !ok || cid != "corr-123" {
		t.Fatalf("unexpected correlation id: %v %v", cid, ok)
	}
}

func TestStepBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStep(ctx, "")
	if _, ok := services.StepFromContext(ctx); ok {
		t.Fatal("expected no step value")
	}
}
