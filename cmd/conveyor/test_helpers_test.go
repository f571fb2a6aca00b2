package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

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

type cliTestEnv struct {
	cfg        *config.Config
	store      *store.Store
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
	logPath    string
	cancel     context.CancelFunc
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	logPath := filepath.Join(cfg.Paths.LogDir, logging.DaemonLogFileName)
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(logPath, nil, 0o644); err != nil {
			t.Fatalf("create log file: %v", err)
		}
	}

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	st := testsupport.MustOpenStore(t, cfg)

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

	ctx, cancel := context.WithCancel(context.Background())
	socketPath := filepath.Join(cfg.Paths.LogDir, "cli.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	env := &cliTestEnv{
		cfg:        cfg,
		store:      st,
		daemon:     d,
		server:     srv,
		socketPath: socketPath,
		configPath: configPath,
		logPath:    logPath,
		cancel:     cancel,
	}

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	return env
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
