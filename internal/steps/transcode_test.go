package steps_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/retry"
	"conveyor/internal/step"
	"conveyor/internal/steps"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

// fakeDispatcher scripts Dispatch outcomes per job title.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	fn   func(job dispatch.Job) (*dispatch.Assignment, error)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job dispatch.Job) (*dispatch.Assignment, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return f.fn(job)
}

func (f *fakeDispatcher) dispatched() []dispatch.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Job(nil), f.jobs...)
}

func completingDispatcher(encoderID string) *fakeDispatcher {
	return &fakeDispatcher{fn: func(job dispatch.Job) (*dispatch.Assignment, error) {
		a := dispatch.NewAssignment(job.ItemID, encoderID, time.Now().UTC())
		a.Status = dispatch.AssignmentCompleted
		a.OutputPath = filepath.Join(job.OutputDir, job.Title+".mkv")
		return a, nil
	}}
}

type transcodeEnv struct {
	cfg      *config.Config
	store    *store.Store
	req      *media.Request
	ctx      *pipeline.Context
	strategy *retry.Strategy
}

func newTranscodeEnv(t *testing.T) transcodeEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	breakers := breaker.NewRegistry(st, breaker.Settings{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Hour}, logging.NewNop())
	strategy := retry.NewStrategy(retry.Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute, Factor: 2}, time.Minute, breakers, logging.NewNop())
	req := testsupport.NewRequest(t, st, "Harbor Lights")
	return transcodeEnv{cfg: cfg, store: st, req: req, ctx: pipeline.NewContext(req), strategy: strategy}
}

func (e transcodeEnv) newStep(d steps.Dispatcher) *steps.TranscodeStep {
	return steps.NewTranscodeStep(d, e.store, e.strategy, e.cfg, logging.NewNop())
}

func (e transcodeEnv) addStagedItem(t *testing.T, title string) *media.Item {
	t.Helper()

	item := testsupport.NewItem(t, e.store, e.req.ID, title)
	item.Status = media.StatusDownloaded
	item.SourcePath = filepath.Join(e.cfg.Paths.StagingDir, "request", title+".mkv")
	if err := e.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	return item
}

func (e transcodeEnv) reload(t *testing.T, id int64) *media.Item {
	t.Helper()

	item, err := e.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	return item
}

func TestTranscodeStepEncodesStagedItems(t *testing.T) {
	env := newTranscodeEnv(t)
	first := env.addStagedItem(t, "e01")
	second := env.addStagedItem(t, "e02")
	d := completingDispatcher("rack-1")

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := result.Data["encoded"]; got != 2 {
		t.Fatalf("encoded = %v, want 2", got)
	}
	if got := result.Data["profile"]; got != "default" {
		t.Fatalf("profile = %v, want default", got)
	}

	for _, id := range []int64{first.ID, second.ID} {
		item := env.reload(t, id)
		if item.Status != media.StatusEncoded {
			t.Fatalf("item %d status = %s, want %s", id, item.Status, media.StatusEncoded)
		}
		if item.EncodedPath == "" {
			t.Fatalf("item %d has no encoded path", id)
		}
	}

	jobs := d.dispatched()
	if len(jobs) != 2 {
		t.Fatalf("dispatched %d jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Profile != "default" {
			t.Fatalf("job profile = %q, want default", job.Profile)
		}
		if !strings.HasPrefix(job.OutputDir, env.cfg.Paths.StagingDir) {
			t.Fatalf("output dir %s not under staging", job.OutputDir)
		}
	}
}

func TestTranscodeStepUsesConfiguredProfile(t *testing.T) {
	env := newTranscodeEnv(t)
	env.addStagedItem(t, "e01")
	d := completingDispatcher("rack-1")

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, map[string]any{"profile": "av1-fast"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := result.Data["profile"]; got != "av1-fast" {
		t.Fatalf("profile = %v, want av1-fast", got)
	}
	if jobs := d.dispatched(); len(jobs) != 1 || jobs[0].Profile != "av1-fast" {
		t.Fatalf("jobs = %+v, want one av1-fast job", jobs)
	}
}

func TestTranscodeStepSkipsWithoutStagedItems(t *testing.T) {
	env := newTranscodeEnv(t)
	testsupport.NewItem(t, env.store, env.req.ID, "still pending")

	result, err := env.newStep(completingDispatcher("rack-1")).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSkip {
		t.Fatalf("result kind = %s, want skip", result.Kind)
	}
}

func TestTranscodeStepIdempotentOnceEncoded(t *testing.T) {
	env := newTranscodeEnv(t)
	item := env.addStagedItem(t, "e01")
	item.Status = media.StatusEncoded
	item.EncodedPath = "/already/encoded.mkv"
	if err := env.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	d := completingDispatcher("rack-1")

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := result.Data["encoded"]; got != 0 {
		t.Fatalf("encoded = %v, want 0 on replay", got)
	}
	if len(d.dispatched()) != 0 {
		t.Fatal("replay must not re-dispatch encoded items")
	}
}

func TestTranscodeStepAttributesEncoderFailure(t *testing.T) {
	env := newTranscodeEnv(t)
	item := env.addStagedItem(t, "e01")
	d := &fakeDispatcher{fn: func(job dispatch.Job) (*dispatch.Assignment, error) {
		a := dispatch.NewAssignment(job.ItemID, "rack-9", time.Now().UTC())
		a.Status = dispatch.AssignmentFailed
		return a, errors.New("x265 exited with status 3")
	}}

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindFailure {
		t.Fatalf("result = %+v, want failure", result)
	}
	if result.Service != "encoder:rack-9" {
		t.Fatalf("service = %q, want encoder:rack-9", result.Service)
	}
	if !result.Retry {
		t.Fatal("encoder failures should be retryable")
	}

	if got := env.reload(t, item.ID); got.Status != media.StatusEncoding {
		t.Fatalf("item status = %s, want %s left in flight", got.Status, media.StatusEncoding)
	}
}

func TestTranscodeStepWaitsForCapacity(t *testing.T) {
	env := newTranscodeEnv(t)
	env.addStagedItem(t, "e01")
	d := &fakeDispatcher{fn: func(dispatch.Job) (*dispatch.Assignment, error) {
		return nil, dispatch.ErrNoCapacity
	}}

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindFailure {
		t.Fatalf("result = %+v, want failure", result)
	}
	if result.Service != "" {
		t.Fatalf("service = %q, capacity waits are not a service failure", result.Service)
	}
	if !result.Retry {
		t.Fatal("capacity waits should be retryable")
	}
}

func TestTranscodeStepPersistsLandedSiblings(t *testing.T) {
	env := newTranscodeEnv(t)
	good := env.addStagedItem(t, "good")
	bad := env.addStagedItem(t, "bad")
	d := &fakeDispatcher{fn: func(job dispatch.Job) (*dispatch.Assignment, error) {
		a := dispatch.NewAssignment(job.ItemID, "rack-1", time.Now().UTC())
		if job.Title == "bad" {
			a.Status = dispatch.AssignmentFailed
			return a, errors.New("source unreadable")
		}
		a.Status = dispatch.AssignmentCompleted
		a.OutputPath = filepath.Join(job.OutputDir, job.Title+".mkv")
		return a, nil
	}}

	result, err := env.newStep(d).Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindFailure {
		t.Fatalf("result = %+v, want failure", result)
	}

	if got := env.reload(t, good.ID); got.Status != media.StatusEncoded {
		t.Fatalf("landed sibling status = %s, want %s", got.Status, media.StatusEncoded)
	}
	if got := env.reload(t, bad.ID); got.Status != media.StatusEncoding {
		t.Fatalf("failed item status = %s, want %s", got.Status, media.StatusEncoding)
	}
}

func TestTranscodeStepValidateConfig(t *testing.T) {
	env := newTranscodeEnv(t)
	s := env.newStep(completingDispatcher("rack-1"))

	if err := s.ValidateConfig(nil); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
	if err := s.ValidateConfig(map[string]any{"profile": "hdr"}); err != nil {
		t.Fatalf("string profile should validate: %v", err)
	}
	if err := s.ValidateConfig(map[string]any{"profile": 7}); err == nil {
		t.Fatal("numeric profile must fail validation")
	}
	if err := s.ValidateConfig(map[string]any{"profile": "  "}); err == nil {
		t.Fatal("blank profile must fail validation")
	}
}
