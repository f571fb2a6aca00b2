package store_test

import (
	"context"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/dispatch"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	req, err := st.CreateRequest(ctx, &media.Request{
		Title:      "Blade Runner",
		TMDBID:     78,
		MediaType:  media.MediaTypeMovie,
		TemplateID: "standard",
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.ID == 0 {
		t.Fatal("expected request ID to be assigned")
	}

	fetched, err := st.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if fetched == nil || fetched.Title != "Blade Runner" || fetched.MediaType != media.MediaTypeMovie {
		t.Fatalf("unexpected fetched request: %#v", fetched)
	}

	missing, err := st.GetRequest(ctx, 9999)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing request, got %#v", missing)
	}
}

func TestItemRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	req := testsupport.NewRequest(t, st, "Severance")
	item, err := st.CreateItem(ctx, &media.Item{
		RequestID: req.ID,
		Season:    2,
		Episode:   1,
		Title:     "Severance",
		Status:    media.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	retryAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	item.Status = media.StatusFailed
	item.Attempts = 2
	item.RetryAt = &retryAt
	item.ErrorMessage = "boom"
	item.ErrorHistory = item.ErrorHistory.Append(media.ErrorHistoryEntry{
		At:      time.Now().UTC(),
		Message: "boom",
		Class:   "TRANSIENT",
		Attempt: 2,
	})
	if err := st.UpdateItem(ctx, item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	fetched, err := st.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if fetched.Status != media.StatusFailed || fetched.Attempts != 2 {
		t.Fatalf("unexpected item after update: %#v", fetched)
	}
	if fetched.RetryAt == nil || !fetched.RetryAt.Equal(retryAt) {
		t.Fatalf("retry_at lost: %v", fetched.RetryAt)
	}
	if len(fetched.ErrorHistory) != 1 || fetched.ErrorHistory[0].Message != "boom" {
		t.Fatalf("error history lost: %#v", fetched.ErrorHistory)
	}

	byRequest, err := st.ItemsByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("ItemsByRequest failed: %v", err)
	}
	if len(byRequest) != 1 || byRequest[0].ID != item.ID {
		t.Fatalf("unexpected items for request: %#v", byRequest)
	}
}

func TestItemsReadyForRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	req := testsupport.NewRequest(t, st, "Dune")

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := testsupport.NewItem(t, st, req.ID, "due")
	due.Status = media.StatusFailed
	due.RetryAt = &past
	if err := st.UpdateItem(ctx, due); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	deferred := testsupport.NewItem(t, st, req.ID, "deferred")
	deferred.Status = media.StatusFailed
	deferred.SkipUntil = &past
	if err := st.UpdateItem(ctx, deferred); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	notYet := testsupport.NewItem(t, st, req.ID, "not-yet")
	notYet.Status = media.StatusFailed
	notYet.RetryAt = &future
	if err := st.UpdateItem(ctx, notYet); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	ready, err := st.ItemsReadyForRetry(ctx, now)
	if err != nil {
		t.Fatalf("ItemsReadyForRetry failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready items, got %d", len(ready))
	}
	for _, item := range ready {
		if item.Title == "not-yet" {
			t.Fatal("future retry_at item should not be ready")
		}
	}
}

func TestRollbackProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	req := testsupport.NewRequest(t, st, "Alien")

	cases := map[string]struct {
		in   media.Status
		want media.Status
	}{
		"downloading": {media.StatusDownloading, media.StatusFound},
		"encoding":    {media.StatusEncoding, media.StatusDownloaded},
		"delivering":  {media.StatusDelivering, media.StatusEncoded},
	}

	ids := make(map[string]int64)
	for name, tc := range cases {
		item := testsupport.NewItem(t, st, req.ID, name)
		item.Status = tc.in
		if err := st.UpdateItem(ctx, item); err != nil {
			t.Fatalf("UpdateItem failed: %v", err)
		}
		ids[name] = item.ID
	}

	affected, err := st.RollbackProcessing(ctx)
	if err != nil {
		t.Fatalf("RollbackProcessing failed: %v", err)
	}
	if affected != 3 {
		t.Fatalf("expected 3 rollbacks, got %d", affected)
	}

	for name, tc := range cases {
		item, err := st.GetItem(ctx, ids[name])
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if item.Status != tc.want {
			t.Fatalf("%s rolled back to %s, want %s", name, item.Status, tc.want)
		}
	}
}

func TestExecutionPersistence(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	req := testsupport.NewRequest(t, st, "Heat")

	exec := pipeline.NewExecution(req, "standard", time.Now().UTC())
	exec.Context.Merge("search", map[string]any{"sourcePath": "/staging/heat.mkv"})
	exec.Cursor = "download"
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	fetched, err := st.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if fetched == nil || fetched.Status != pipeline.ExecutionRunning {
		t.Fatalf("unexpected execution: %#v", fetched)
	}
	if fetched.Cursor != "download" {
		t.Fatalf("cursor lost: %q", fetched.Cursor)
	}
	if got := fetched.Context.StringValue("search.sourcePath"); got != "/staging/heat.mkv" {
		t.Fatalf("context lost: %q", got)
	}
	if got := fetched.Context.RequestID(); got != req.ID {
		t.Fatalf("identity lost: %d", got)
	}

	completed := time.Now().UTC()
	fetched.Status = pipeline.ExecutionCompleted
	fetched.Cursor = ""
	fetched.CompletedAt = &completed
	if err := st.SaveExecution(ctx, fetched); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	again, err := st.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if again.Status != pipeline.ExecutionCompleted || again.CompletedAt == nil {
		t.Fatalf("completion lost: %#v", again)
	}

	running, err := st.ListExecutions(ctx, 0, pipeline.ExecutionRunning)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running executions, got %d", len(running))
	}
}

func TestStepRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	req := testsupport.NewRequest(t, st, "Heat")

	exec := pipeline.NewExecution(req, "standard", time.Now().UTC())
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	for i, outcome := range []pipeline.StepOutcome{pipeline.StepSucceeded, pipeline.StepSkipped, pipeline.StepFailed} {
		rec := &pipeline.StepRecord{
			ExecutionID: exec.ID,
			StepName:    "step",
			StepType:    "noop",
			Sequence:    i + 1,
			Outcome:     outcome,
			StartedAt:   time.Now().UTC(),
			FinishedAt:  time.Now().UTC(),
		}
		if outcome == pipeline.StepFailed {
			rec.Error = "boom"
		}
		if err := st.AppendStepRecord(ctx, rec); err != nil {
			t.Fatalf("AppendStepRecord failed: %v", err)
		}
		if rec.ID == 0 {
			t.Fatal("expected step record ID to be assigned")
		}
	}

	records, err := st.StepRecords(ctx, exec.ID)
	if err != nil {
		t.Fatalf("StepRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[2].Outcome != pipeline.StepFailed || records[2].Error != "boom" {
		t.Fatalf("unexpected final record: %#v", records[2])
	}
}

func TestBreakerCRUD(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	missing, err := st.GetBreaker(ctx, "tmdb")
	if err != nil {
		t.Fatalf("GetBreaker failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing breaker, got %#v", missing)
	}

	opensAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	rec := &breaker.Record{
		Service:  "tmdb",
		State:    breaker.StateOpen,
		Failures: 3,
		OpensAt:  &opensAt,
	}
	if err := st.SaveBreaker(ctx, rec); err != nil {
		t.Fatalf("SaveBreaker failed: %v", err)
	}

	fetched, err := st.GetBreaker(ctx, "tmdb")
	if err != nil {
		t.Fatalf("GetBreaker failed: %v", err)
	}
	if fetched.State != breaker.StateOpen || fetched.Failures != 3 {
		t.Fatalf("unexpected breaker: %#v", fetched)
	}
	if fetched.OpensAt == nil || !fetched.OpensAt.Equal(opensAt) {
		t.Fatalf("opens_at lost: %v", fetched.OpensAt)
	}

	fetched.State = breaker.StateClosed
	fetched.Failures = 0
	fetched.OpensAt = nil
	if err := st.SaveBreaker(ctx, fetched); err != nil {
		t.Fatalf("SaveBreaker upsert failed: %v", err)
	}
	again, err := st.GetBreaker(ctx, "tmdb")
	if err != nil {
		t.Fatalf("GetBreaker failed: %v", err)
	}
	if again.State != breaker.StateClosed || again.OpensAt != nil {
		t.Fatalf("upsert did not apply: %#v", again)
	}

	all, err := st.ListBreakers(ctx)
	if err != nil {
		t.Fatalf("ListBreakers failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 breaker, got %d", len(all))
	}

	removed, err := st.DeleteBreaker(ctx, "tmdb")
	if err != nil {
		t.Fatalf("DeleteBreaker failed: %v", err)
	}
	if !removed {
		t.Fatal("expected breaker to be removed")
	}
}

func TestAssignmentOrphaning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	req := testsupport.NewRequest(t, st, "Tron")
	item := testsupport.NewItem(t, st, req.ID, "Tron")

	now := time.Now().UTC()
	running := dispatch.NewAssignment(item.ID, "encoder-a", now)
	running.Status = dispatch.AssignmentRunning
	if err := st.CreateAssignment(ctx, running); err != nil {
		t.Fatalf("CreateAssignment failed: %v", err)
	}
	other := dispatch.NewAssignment(item.ID, "encoder-b", now)
	other.Status = dispatch.AssignmentRunning
	if err := st.CreateAssignment(ctx, other); err != nil {
		t.Fatalf("CreateAssignment failed: %v", err)
	}
	done := dispatch.NewAssignment(item.ID, "encoder-a", now)
	done.Status = dispatch.AssignmentCompleted
	if err := st.CreateAssignment(ctx, done); err != nil {
		t.Fatalf("CreateAssignment failed: %v", err)
	}

	orphans, err := st.OrphanAssignmentsForEncoder(ctx, "encoder-a", "encoder disconnected")
	if err != nil {
		t.Fatalf("OrphanAssignmentsForEncoder failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != running.ID {
		t.Fatalf("unexpected orphans: %#v", orphans)
	}

	fetched, err := st.GetAssignment(ctx, running.ID)
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if fetched.Status != dispatch.AssignmentFailed || fetched.Error != "encoder disconnected" {
		t.Fatalf("orphan not failed: %#v", fetched)
	}

	untouched, err := st.GetAssignment(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if untouched.Status != dispatch.AssignmentRunning {
		t.Fatalf("other encoder's assignment touched: %#v", untouched)
	}

	completedStill, err := st.GetAssignment(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if completedStill.Status != dispatch.AssignmentCompleted {
		t.Fatalf("terminal assignment touched: %#v", completedStill)
	}
}
