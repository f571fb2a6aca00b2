package search_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/search"
	"conveyor/internal/services"
	"conveyor/internal/step"
	"conveyor/internal/testsupport"
)

func (e searchEnv) addSourcedItem(t *testing.T, title, source string) *media.Item {
	t.Helper()

	item := testsupport.NewItem(t, e.store, e.req.ID, title)
	item.Status = media.StatusFound
	item.SourcePath = source
	if err := e.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	return item
}

func TestDownloadStepStagesFoundItems(t *testing.T) {
	env := newSearchEnv(t)
	source := writeDropFile(t, env.cfg.Search.DropDir, "Harbor Lights.mkv", 96)
	item := env.addSourcedItem(t, "Harbor Lights", source)

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := result.Data["files"]; got != 1 {
		t.Fatalf("files = %v, want 1", got)
	}
	if got := result.Data["bytes"]; got != int64(96) {
		t.Fatalf("bytes = %v, want 96", got)
	}

	got := env.reload(t, item.ID)
	if got.Status != media.StatusDownloaded {
		t.Fatalf("item status = %s, want %s", got.Status, media.StatusDownloaded)
	}
	if !strings.HasPrefix(got.SourcePath, env.cfg.Paths.StagingDir) {
		t.Fatalf("source %s not under staging dir %s", got.SourcePath, env.cfg.Paths.StagingDir)
	}
	if _, err := os.Stat(got.SourcePath); err != nil {
		t.Fatalf("staged copy missing: %v", err)
	}
	if result.Data["stagedDir"] != filepath.Dir(got.SourcePath) {
		t.Fatalf("stagedDir = %v, item staged in %s", result.Data["stagedDir"], filepath.Dir(got.SourcePath))
	}
}

func TestDownloadStepSkipsWithoutSources(t *testing.T) {
	env := newSearchEnv(t)
	testsupport.NewItem(t, env.store, env.req.ID, "Harbor Lights")

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSkip {
		t.Fatalf("result kind = %s, want skip", result.Kind)
	}
}

func TestDownloadStepIdempotentOnceStaged(t *testing.T) {
	env := newSearchEnv(t)
	item := testsupport.NewItem(t, env.store, env.req.ID, "Harbor Lights")
	item.Status = media.StatusDownloaded
	item.SourcePath = filepath.Join(env.cfg.Paths.StagingDir, "request-1", "Harbor Lights.mkv")
	if err := env.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := result.Data["files"]; got != 0 {
		t.Fatalf("files = %v, want 0 on replay", got)
	}
}

func TestDownloadStepResumesBrokenCopy(t *testing.T) {
	env := newSearchEnv(t)
	source := writeDropFile(t, env.cfg.Search.DropDir, "Harbor Lights.mkv", 64)
	item := env.addSourcedItem(t, "Harbor Lights", source)
	item.Status = media.StatusDownloading
	if err := env.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if got := env.reload(t, item.ID); got.Status != media.StatusDownloaded {
		t.Fatalf("item status = %s, want %s", got.Status, media.StatusDownloaded)
	}
}

func TestDownloadStepKeepsAlreadyStagedSource(t *testing.T) {
	env := newSearchEnv(t)
	destDir := filepath.Join(env.cfg.Paths.StagingDir, "request-"+itoa(env.req.ID))
	staged := writeDropFile(t, destDir, "Harbor Lights.mkv", 128)
	item := env.addSourcedItem(t, "Harbor Lights", staged)

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindSuccess {
		t.Fatalf("result = %+v, want success", result)
	}

	got := env.reload(t, item.ID)
	if got.Status != media.StatusDownloaded {
		t.Fatalf("item status = %s, want %s", got.Status, media.StatusDownloaded)
	}
	info, err := os.Stat(staged)
	if err != nil {
		t.Fatalf("staged copy missing: %v", err)
	}
	if info.Size() != 128 {
		t.Fatalf("staged copy is %d bytes, self-copy must not truncate", info.Size())
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestDownloadStepMissingSourceFails(t *testing.T) {
	env := newSearchEnv(t)
	item := env.addSourcedItem(t, "Harbor Lights", filepath.Join(env.cfg.Search.DropDir, "vanished.mkv"))

	s := search.NewDownloadStep(env.store, env.cfg, logging.NewNop())
	result, err := s.Execute(context.Background(), env.ctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Kind != step.KindFailure {
		t.Fatalf("result = %+v, want failure", result)
	}
	if !result.Retry {
		t.Fatal("a vanished source should stay retryable")
	}
	if !errors.Is(result.Err, services.ErrTransient) {
		t.Fatalf("err = %v, want transient marker", result.Err)
	}

	if got := env.reload(t, item.ID); got.Status != media.StatusDownloading {
		t.Fatalf("item status = %s, want %s left in flight", got.Status, media.StatusDownloading)
	}
}
