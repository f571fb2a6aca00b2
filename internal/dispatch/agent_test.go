package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/testsupport"
)

func startServer(t *testing.T, d *dispatch.Dispatcher) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startAgent(t *testing.T, cfg dispatch.AgentConfig, runner dispatch.Runner) {
	t.Helper()
	agent, err := dispatch.NewAgent(cfg, runner, logging.NewNop())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = agent.Run(ctx) }()
}

func TestAgentRunsDispatchedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	settings := testSettings()
	settings.AuthToken = "hunter2"
	d := dispatch.New(st, settings, logging.NewNop())
	url := startServer(t, d)

	runner := dispatch.RunnerFunc(func(ctx context.Context, job dispatch.JobAssignPayload, progress func(float64, string)) (dispatch.JobCompletedPayload, error) {
		progress(50, "halfway")
		return dispatch.JobCompletedPayload{
			OutputPath: job.OutputDir + "/done.mkv",
			OutputSize: 2048,
		}, nil
	})
	startAgent(t, dispatch.AgentConfig{
		ServerURL: url,
		Token:     "hunter2",
		WorkerID:  "enc-agent",
		Capacity:  2,
	}, runner)

	waitFor(t, "agent registration", func() bool { return len(d.Workers()) == 1 })

	a, err := d.Dispatch(context.Background(), dispatch.Job{
		ItemID:     11,
		SourcePath: "/staging/src.mkv",
		OutputDir:  "/staging/out",
		Profile:    "default",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if a.Status != dispatch.AssignmentCompleted || a.OutputPath != "/staging/out/done.mkv" || a.OutputSize != 2048 {
		t.Fatalf("unexpected assignment: %+v", a)
	}
}

func TestAgentRejectedWithBadToken(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	settings := testSettings()
	settings.AuthToken = "hunter2"
	d := dispatch.New(st, settings, logging.NewNop())
	url := startServer(t, d)

	runner := dispatch.RunnerFunc(func(ctx context.Context, job dispatch.JobAssignPayload, progress func(float64, string)) (dispatch.JobCompletedPayload, error) {
		return dispatch.JobCompletedPayload{}, nil
	})
	startAgent(t, dispatch.AgentConfig{
		ServerURL:    url,
		Token:        "wrong",
		WorkerID:     "enc-agent",
		Capacity:     1,
		ReconnectMin: 20 * time.Millisecond,
	}, runner)

	time.Sleep(300 * time.Millisecond)
	if got := len(d.Workers()); got != 0 {
		t.Fatalf("workers = %d, want 0 with a bad token", got)
	}
}

func TestAgentCancelPropagatesToRunner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := dispatch.New(st, testSettings(), logging.NewNop())
	url := startServer(t, d)

	sawCancel := make(chan struct{})
	runner := dispatch.RunnerFunc(func(ctx context.Context, job dispatch.JobAssignPayload, progress func(float64, string)) (dispatch.JobCompletedPayload, error) {
		<-ctx.Done()
		close(sawCancel)
		return dispatch.JobCompletedPayload{}, ctx.Err()
	})
	startAgent(t, dispatch.AgentConfig{
		ServerURL: url,
		WorkerID:  "enc-agent",
		Capacity:  1,
	}, runner)

	waitFor(t, "agent registration", func() bool { return len(d.Workers()) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	outcome := dispatchAsync(d, ctx, dispatch.Job{ItemID: 21, SourcePath: "/src.mkv"})

	waitFor(t, "job in flight", func() bool {
		workers := d.Workers()
		return len(workers) == 1 && workers[0].InFlight == 1
	})
	cancel()

	out := awaitOutcome(t, outcome)
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", out.err)
	}
	select {
	case <-sawCancel:
	case <-time.After(3 * time.Second):
		t.Fatal("runner never observed cancellation")
	}
}
