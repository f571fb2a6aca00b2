package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"conveyor/internal/config"
	"conveyor/internal/fileutil"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// DownloadStepType is the template type tag the download step registers under.
const DownloadStepType = "download"

// DownloadStep stages found sources into the staging directory with checksum
// verification. The staged copy becomes the item's canonical source, so later
// steps survive the drop directory being cleaned out from under them.
type DownloadStep struct {
	store      Store
	stagingDir string
	logger     *slog.Logger
}

// NewDownloadStep builds the download step over the configured staging root.
func NewDownloadStep(store Store, cfg *config.Config, logger *slog.Logger) *DownloadStep {
	return &DownloadStep{
		store:      store,
		stagingDir: cfg.Paths.StagingDir,
		logger:     logging.NewComponentLogger(logger, "download-step"),
	}
}

func (s *DownloadStep) ValidateConfig(map[string]any) error { return nil }

func (s *DownloadStep) Execute(ctx context.Context, execCtx *pipeline.Context, _ map[string]any) (step.Result, error) {
	requestID, ok := execCtx.IntValue(pipeline.FieldRequestID)
	if !ok {
		return step.Fail(services.Wrap(services.ErrValidation, "download", "resolve request", "execution context has no request id", nil), false), nil
	}

	items, err := s.store.ItemsByRequest(ctx, requestID)
	if err != nil {
		return step.Result{}, fmt.Errorf("load items: %w", err)
	}

	// Found items need staging; downloading ones are retries of a copy that
	// broke mid-flight. Anything further along already went through here.
	var work []*media.Item
	past := 0
	for _, item := range items {
		switch item.Status {
		case media.StatusFound, media.StatusDownloading:
			work = append(work, item)
		case media.StatusDownloaded, media.StatusEncoding, media.StatusEncoded,
			media.StatusDelivering, media.StatusDelivered:
			past++
		}
	}
	destDir := filepath.Join(s.stagingDir, fmt.Sprintf("request-%d", requestID))
	if len(work) == 0 {
		if past == 0 {
			return step.Skip("no sourced items to download"), nil
		}
		return step.Success(map[string]any{"stagedDir": destDir, "files": 0}), nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return step.Fail(services.Wrap(services.ErrConfiguration, "download", "prepare staging directory", destDir, err), false), nil
	}

	var total int64
	for _, item := range work {
		if err := ctx.Err(); err != nil {
			return step.Result{}, err
		}
		if item.SourcePath == "" {
			return step.Fail(services.Wrap(services.ErrValidation, "download", "inspect item", fmt.Sprintf("item %d is found but has no source path", item.ID), nil), false), nil
		}
		item.Status = media.StatusDownloading
		item.SetProgress("staging source", 0)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item downloading: %w", err)
		}

		dest := filepath.Join(destDir, filepath.Base(item.SourcePath))
		// A retried item may already point at its staged copy; copying a
		// file onto itself would truncate it.
		if dest != item.SourcePath {
			if err := fileutil.CopyFileVerified(item.SourcePath, dest); err != nil {
				return step.Fail(services.Wrap(services.ErrTransient, "download", "stage source", item.Label(), err), true), nil
			}
		}
		if info, err := os.Stat(dest); err == nil {
			total += info.Size()
		}

		item.SourcePath = dest
		item.Status = media.StatusDownloaded
		item.SetProgress("source staged", 0)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item downloaded: %w", err)
		}
		s.logger.Info("source staged",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.String("title", item.Label()),
			logging.String("target", dest),
		)
	}

	return step.Success(map[string]any{
		"stagedDir": destDir,
		"files":     len(work),
		"bytes":     total,
	}), nil
}
