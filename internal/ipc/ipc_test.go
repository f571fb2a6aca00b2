package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/executor"
	"conveyor/internal/ipc"
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

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := filepath.Join(cfg.Paths.LogDir, "conveyor.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Status.Running {
		t.Fatal("expected daemon to be running")
	}

	addResp, err := client.RequestAdd(ipc.RequestAddRequest{
		Title:       "Signal Hill",
		TMDBID:      4821,
		MediaType:   "movie",
		RequestedBy: "ops",
	})
	if err != nil {
		t.Fatalf("RequestAdd failed: %v", err)
	}
	if addResp.Request.ID <= 0 {
		t.Fatalf("expected persisted request id, got %d", addResp.Request.ID)
	}
	if addResp.Request.TemplateID != "standard" {
		t.Fatalf("expected default template, got %q", addResp.Request.TemplateID)
	}

	if _, err := client.RequestAdd(ipc.RequestAddRequest{Title: "Bad", MediaType: "hologram"}); err == nil {
		t.Fatal("expected error for unknown media type")
	}

	listResp, err := client.RequestList(nil)
	if err != nil {
		t.Fatalf("RequestList failed: %v", err)
	}
	if len(listResp.Requests) != 1 || listResp.Requests[0].ID != addResp.Request.ID {
		t.Fatalf("unexpected request list: %#v", listResp.Requests)
	}

	showResp, err := client.RequestShow(addResp.Request.ID)
	if err != nil {
		t.Fatalf("RequestShow failed: %v", err)
	}
	if showResp.Request.Title != "Signal Hill" {
		t.Fatalf("unexpected request title %q", showResp.Request.Title)
	}
	if len(showResp.Request.Items) != 1 {
		t.Fatalf("expected one item for a movie request, got %d", len(showResp.Request.Items))
	}

	tplResp, err := client.TemplateList()
	if err != nil {
		t.Fatalf("TemplateList failed: %v", err)
	}
	foundStandard := false
	for _, tpl := range tplResp.Templates {
		if tpl.ID == "standard" {
			foundStandard = true
		}
	}
	if !foundStandard {
		t.Fatalf("expected standard template in %#v", tplResp.Templates)
	}

	breakerResp, err := client.BreakerList()
	if err != nil {
		t.Fatalf("BreakerList failed: %v", err)
	}
	for _, rec := range breakerResp.Breakers {
		if rec.State == "OPEN" {
			t.Fatalf("unexpected open breaker %q", rec.Service)
		}
	}
	resetResp, err := client.BreakerReset("never-tripped")
	if err != nil {
		t.Fatalf("BreakerReset failed: %v", err)
	}
	if resetResp.Reset {
		t.Fatal("expected no-op reset for unknown service")
	}

	encResp, err := client.EncoderList()
	if err != nil {
		t.Fatalf("EncoderList failed: %v", err)
	}
	if len(encResp.Encoders) != 0 {
		t.Fatalf("expected no encoders, got %d", len(encResp.Encoders))
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatalf("expected Stopped=true, got %#v", stopResp)
	}
}

func TestIPCLogTail(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	d := newTestDaemon(t, cfg, st)
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := filepath.Join(cfg.Paths.LogDir, "conveyor.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	logPath := d.LogPath()
	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	tailResp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("LogTail failed: %v", err)
	}
	if len(tailResp.Lines) != 2 || tailResp.Lines[0] != "second" || tailResp.Lines[1] != "third" {
		t.Fatalf("unexpected log tail lines: %#v", tailResp.Lines)
	}

	followDone := make(chan struct{})
	go func(offset int64) {
		resp, err := client.LogTail(ipc.LogTailRequest{Offset: offset, Follow: true, WaitMillis: 500})
		if err != nil {
			t.Errorf("LogTail follow error: %v", err)
			return
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "fourth" {
			t.Errorf("unexpected follow lines: %#v", resp.Lines)
		}
		close(followDone)
	}(tailResp.Offset)

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	if _, err := f.WriteString("fourth\n"); err != nil {
		t.Fatalf("append line: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	select {
	case <-followDone:
	case <-time.After(10 * time.Second):
		t.Fatal("log tail follow timed out")
	}
}
