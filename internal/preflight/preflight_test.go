package preflight_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/preflight"
	"conveyor/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()

	result := preflight.CheckDirectoryAccess("Staging", dir)
	if !result.Passed {
		t.Fatalf("expected pass for %s, got detail %q", dir, result.Detail)
	}

	missing := preflight.CheckDirectoryAccess("Staging", filepath.Join(dir, "nope"))
	if missing.Passed {
		t.Fatal("expected missing directory to fail")
	}

	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	notDir := preflight.CheckDirectoryAccess("Staging", file)
	if notDir.Passed {
		t.Fatal("expected regular file to fail directory check")
	}
}

func TestCheckTemplates(t *testing.T) {
	dir := t.TempDir()

	result := preflight.CheckTemplates(dir)
	if !result.Passed {
		t.Fatalf("empty template dir should pass via built-ins: %q", result.Detail)
	}

	bad := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(bad, []byte("id: [unbalanced"), 0o644); err != nil {
		t.Fatal(err)
	}
	result = preflight.CheckTemplates(dir)
	if result.Passed {
		t.Fatal("expected malformed template to fail the check")
	}
}

func TestCheckDeliveryTargets(t *testing.T) {
	root := t.TempDir()
	results := preflight.CheckDeliveryTargets([]config.DeliveryTarget{
		{Name: "good", Type: "local", Root: root},
		{Name: "empty", Type: "local"},
		{Name: "remote", Type: "stub"},
		{Name: "weird", Type: "ftp"},
	})
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	want := []bool{true, false, true, false}
	for i, result := range results {
		if result.Passed != want[i] {
			t.Errorf("result %d (%s): passed=%v, want %v (%s)", i, result.Name, result.Passed, want[i], result.Detail)
		}
	}
}

func TestRunAllReportsMissingDirectories(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	// Directories are not created until EnsureDirectories runs.
	failed := preflight.Failed(preflight.RunAll(context.Background(), cfg))
	if len(failed) == 0 {
		t.Fatal("expected failures before EnsureDirectories")
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	failed = preflight.Failed(preflight.RunAll(context.Background(), cfg))
	if len(failed) != 0 {
		t.Fatalf("expected no failures after EnsureDirectories, got %+v", failed)
	}
}
