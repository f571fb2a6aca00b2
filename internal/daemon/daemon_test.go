package daemon_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/executor"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/retry"
	"conveyor/internal/step"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

type noopStep struct{}

func (noopStep) ValidateConfig(map[string]any) error { return nil }

func (noopStep) Execute(context.Context, *pipeline.Context, map[string]any) (step.Result, error) {
	return step.Success(nil), nil
}

func newTestDaemon(t *testing.T, cfg *config.Config, st *store.Store) *daemon.Daemon {
	t.Helper()
	lib, err := pipeline.LoadLibrary(cfg.Paths.TemplatesDir)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	reg := step.NewRegistry()
	for _, name := range []string{"search", "download", "transcode", "deliver", "notify"} {
		if err := reg.Register(name, noopStep{}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	breakers := breaker.NewRegistry(st, breaker.Settings{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Hour}, logging.NewNop())
	strategy := retry.NewStrategy(retry.PolicyFromConfig(cfg.Retry), cfg.SearchIntervalDuration(), breakers, logging.NewNop())
	exec := executor.New(st, reg, lib, strategy, cfg, logging.NewNop())
	d, err := daemon.New(cfg, logging.NewNop(), daemon.Components{
		Store:     st,
		Executor:  exec,
		Breakers:  breakers,
		Templates: lib,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if d.Running() {
		t.Fatal("daemon reported running before Start")
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !d.Running() {
		t.Fatal("daemon not running after Start")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("status should report running")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("status PID = %d, want %d", status.PID, os.Getpid())
	}
	if status.StorePath == "" {
		t.Fatal("status missing store path")
	}
	if status.StartedAt.IsZero() {
		t.Fatal("status missing start time")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("daemon still running after Stop")
	}
	// Stop is idempotent.
	d.Stop()
}

func TestAddRequestValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)

	ctx := context.Background()
	cases := []struct {
		name    string
		params  daemon.AddRequestParams
		wantErr string
	}{
		{
			name:    "empty title",
			params:  daemon.AddRequestParams{MediaType: "movie"},
			wantErr: "title is required",
		},
		{
			name:    "unknown media type",
			params:  daemon.AddRequestParams{Title: "Alpha", MediaType: "hologram"},
			wantErr: "unknown media type",
		},
		{
			name:    "tv without season",
			params:  daemon.AddRequestParams{Title: "Alpha", MediaType: "tv", Episodes: []int{1}},
			wantErr: "season number",
		},
		{
			name:    "tv without episodes",
			params:  daemon.AddRequestParams{Title: "Alpha", MediaType: "tv", Season: 1},
			wantErr: "at least one episode",
		},
		{
			name:    "movie with episodes",
			params:  daemon.AddRequestParams{Title: "Alpha", MediaType: "movie", Season: 1, Episodes: []int{1}},
			wantErr: "only apply to tv",
		},
		{
			name:    "unknown template",
			params:  daemon.AddRequestParams{Title: "Alpha", MediaType: "movie", TemplateID: "missing"},
			wantErr: "unknown template",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.AddRequest(ctx, tc.params)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestRequestLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	record, err := d.AddRequest(ctx, daemon.AddRequestParams{
		Title:       "Signal Hill",
		MediaType:   "movie",
		TMDBID:      42,
		RequestedBy: "ops",
	})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if record.Request.TemplateID != "standard" {
		t.Fatalf("template = %q, want standard", record.Request.TemplateID)
	}
	if len(record.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(record.Items))
	}
	if len(record.Executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(record.Executions))
	}

	tv, err := d.AddRequest(ctx, daemon.AddRequestParams{
		Title:     "Harbor Lights",
		MediaType: "tv",
		Season:    2,
		Episodes:  []int{3, 1, 3},
	})
	if err != nil {
		t.Fatalf("AddRequest tv: %v", err)
	}
	if len(tv.Items) != 2 {
		t.Fatalf("tv items = %d, want 2 after episode dedupe", len(tv.Items))
	}

	list, err := d.ListRequests(ctx)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("requests = %d, want 2", len(list))
	}

	shown, err := d.ShowRequest(ctx, record.Request.ID)
	if err != nil {
		t.Fatalf("ShowRequest: %v", err)
	}
	if shown.Request.Title != "Signal Hill" {
		t.Fatalf("title = %q", shown.Request.Title)
	}

	if _, err := d.ShowRequest(ctx, 9999); err == nil {
		t.Fatal("ShowRequest on unknown id should fail")
	}
	if _, err := d.RetryRequest(ctx, 9999); err == nil {
		t.Fatal("RetryRequest on unknown id should fail")
	}
	if err := d.CancelRequest(ctx, 9999); err == nil {
		t.Fatal("CancelRequest on unknown id should fail")
	}
	if err := d.CancelRequest(ctx, tv.Request.ID); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
}

func TestTemplatesAndBreakers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)

	ctx := context.Background()
	templates := d.Templates()
	found := false
	for _, tpl := range templates {
		if tpl.ID == "standard" {
			found = true
		}
	}
	if !found {
		t.Fatal("builtin standard template missing")
	}

	records, err := d.Breakers(ctx)
	if err != nil {
		t.Fatalf("Breakers: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("breakers = %d, want none", len(records))
	}
	reset, err := d.ResetBreaker(ctx, "never-tripped")
	if err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	if reset {
		t.Fatal("reset should be false for an unknown breaker")
	}
}

func TestTailLog(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)

	ctx := context.Background()

	// Missing log file yields an empty result rather than an error.
	empty, err := d.TailLog(ctx, daemon.TailOptions{Offset: -1, Limit: 5})
	if err != nil {
		t.Fatalf("TailLog missing file: %v", err)
	}
	if len(empty.Lines) != 0 {
		t.Fatalf("lines = %d, want 0", len(empty.Lines))
	}

	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "first\nsecond\nthird\n"
	if err := os.WriteFile(d.LogPath(), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	last, err := d.TailLog(ctx, daemon.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if len(last.Lines) != 2 || last.Lines[0] != "second" || last.Lines[1] != "third" {
		t.Fatalf("last lines = %v", last.Lines)
	}
	if last.Offset != int64(len(content)) {
		t.Fatalf("offset = %d, want %d", last.Offset, len(content))
	}

	forward, err := d.TailLog(ctx, daemon.TailOptions{Offset: 0, Limit: 10})
	if err != nil {
		t.Fatalf("TailLog forward: %v", err)
	}
	if len(forward.Lines) != 3 || forward.Lines[0] != "first" {
		t.Fatalf("forward lines = %v", forward.Lines)
	}
}
