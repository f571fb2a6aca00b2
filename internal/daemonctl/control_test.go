package daemonctl_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/daemonctl"
)

func TestDeriveLogDir(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = "/var/log/conveyor"

	if got := daemonctl.DeriveLogDir("/run/conveyor/conveyord.lock", "", &cfg); got != "/run/conveyor" {
		t.Fatalf("lock path should win, got %q", got)
	}
	if got := daemonctl.DeriveLogDir("", "/data/conveyor.db", &cfg); got != "/data" {
		t.Fatalf("store path should be used, got %q", got)
	}
	if got := daemonctl.DeriveLogDir("", "", &cfg); got != "/var/log/conveyor" {
		t.Fatalf("config fallback failed, got %q", got)
	}
	if got := daemonctl.DeriveLogDir("", "", nil); got != "" {
		t.Fatalf("expected empty dir without hints, got %q", got)
	}
}

func TestForceKillProcessGuards(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, daemonctl.PidFileName)

	if _, err := daemonctl.ForceKillProcess(pidPath, "", 0); err == nil {
		t.Fatal("expected error when pid cannot be determined")
	}

	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	_, err := daemonctl.ForceKillProcess(pidPath, "", 0)
	if err == nil || !strings.Contains(err.Error(), "refusing to kill current process") {
		t.Fatalf("expected self-kill guard, got %v", err)
	}
}

func TestStopAndTerminateWhenNotRunning(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "conveyor.sock")
	cfg := config.Default()
	_, err := daemonctl.StopAndTerminate(socket, &cfg, 0)
	if err != daemonctl.ErrDaemonNotRunning {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}
