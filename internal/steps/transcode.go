package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/retry"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// TranscodeStepType is the template type tag the transcode step registers
// under.
const TranscodeStepType = "transcode"

const persistTimeout = 10 * time.Second

// Store is the persistence slice the builtin steps in this package need.
type Store interface {
	ItemsByRequest(ctx context.Context, requestID int64) ([]*media.Item, error)
	UpdateItem(ctx context.Context, item *media.Item) error
}

// Dispatcher is the slice of the worker dispatcher the transcode step uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) (*dispatch.Assignment, error)
}

// TranscodeStep hands each staged item to a remote encoder and waits for the
// fleet to finish. Template config:
//
//	profile: encoder profile name, defaults to "default"
type TranscodeStep struct {
	dispatcher Dispatcher
	store      Store
	strategy   *retry.Strategy
	stagingDir string
	logger     *slog.Logger
}

// NewTranscodeStep builds the transcode step over the dispatcher.
func NewTranscodeStep(dispatcher Dispatcher, store Store, strategy *retry.Strategy, cfg *config.Config, logger *slog.Logger) *TranscodeStep {
	return &TranscodeStep{
		dispatcher: dispatcher,
		store:      store,
		strategy:   strategy,
		stagingDir: cfg.Paths.StagingDir,
		logger:     logging.NewComponentLogger(logger, "transcode-step"),
	}
}

func (s *TranscodeStep) ValidateConfig(cfg map[string]any) error {
	_, err := profileName(cfg)
	return err
}

func (s *TranscodeStep) Execute(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) (step.Result, error) {
	requestID, ok := execCtx.IntValue(pipeline.FieldRequestID)
	if !ok {
		return step.Fail(services.Wrap(services.ErrValidation, "transcode", "resolve request", "execution context has no request id", nil), false), nil
	}
	profile, err := profileName(cfg)
	if err != nil {
		return step.Fail(services.Wrap(services.ErrConfiguration, "transcode", "read config", err.Error(), nil), false), nil
	}

	items, err := s.store.ItemsByRequest(ctx, requestID)
	if err != nil {
		return step.Result{}, fmt.Errorf("load items: %w", err)
	}

	// Downloaded items need encoding; encoding ones are retries of a job
	// that broke mid-flight. Anything further along already went through.
	var work []*media.Item
	past := 0
	for _, item := range items {
		switch item.Status {
		case media.StatusDownloaded, media.StatusEncoding:
			work = append(work, item)
		case media.StatusEncoded, media.StatusDelivering, media.StatusDelivered:
			past++
		}
	}
	outDir := filepath.Join(s.stagingDir, fmt.Sprintf("request-%d", requestID), "encoded")
	if len(work) == 0 {
		if past == 0 {
			return step.Skip("no staged items to transcode"), nil
		}
		return step.Success(map[string]any{"encoded": 0, "profile": profile, "outputDir": outDir}), nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return step.Fail(services.Wrap(services.ErrConfiguration, "transcode", "prepare output directory", outDir, err), false), nil
	}

	for _, item := range work {
		if item.SourcePath == "" {
			return step.Fail(services.Wrap(services.ErrValidation, "transcode", "inspect item", fmt.Sprintf("item %d is staged but has no source path", item.ID), nil), false), nil
		}
		item.Status = media.StatusEncoding
		item.SetProgress("waiting for an encoder", 0)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item encoding: %w", err)
		}
	}

	// Jobs fan out across the fleet without inter-job cancellation: one
	// failed encode must not abort a sibling that is about to land.
	type outcome struct {
		assignment *dispatch.Assignment
		err        error
	}
	results := make([]outcome, len(work))
	var wg sync.WaitGroup
	for i, item := range work {
		wg.Add(1)
		go func(i int, item *media.Item) {
			defer wg.Done()
			a, err := s.dispatcher.Dispatch(ctx, dispatch.Job{
				ItemID:     item.ID,
				SourcePath: item.SourcePath,
				OutputDir:  outDir,
				Profile:    profile,
				Title:      item.Label(),
			})
			results[i] = outcome{assignment: a, err: err}
		}(i, item)
	}
	wg.Wait()

	// Landed encodes persist on a fresh context so a cancel arriving during
	// the fan-out cannot erase finished work.
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	encoded := 0
	var failedItem *media.Item
	var failed outcome
	for i, item := range work {
		res := results[i]
		if res.err != nil {
			if failedItem == nil && !errors.Is(res.err, context.Canceled) {
				failedItem, failed = item, res
			}
			continue
		}
		item.EncodedPath = res.assignment.OutputPath
		item.Status = media.StatusEncoded
		item.SetProgress("encoded", 100)
		if err := s.store.UpdateItem(pctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item encoded: %w", err)
		}
		s.strategy.RecordSuccess(pctx, encoderService(res.assignment))
		encoded++
		s.logger.Info("item encoded",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.String(logging.FieldEncoderID, res.assignment.EncoderID),
			logging.String("output", res.assignment.OutputPath),
		)
	}

	if err := ctx.Err(); err != nil {
		return step.Result{}, err
	}
	if failedItem != nil {
		if errors.Is(failed.err, dispatch.ErrNoWorkers) || errors.Is(failed.err, dispatch.ErrNoCapacity) {
			return step.Fail(services.Wrap(services.ErrTransient, "transcode", "find encoder", failedItem.Label(), failed.err), true), nil
		}
		return step.FailExternal(encoderService(failed.assignment), services.Wrap(services.ErrExternalService, "transcode", "encode item", failedItem.Label(), failed.err), true), nil
	}

	return step.Success(map[string]any{
		"encoded":   encoded,
		"profile":   profile,
		"outputDir": outDir,
	}), nil
}

// encoderService names the breaker bucket for an assignment's encoder.
func encoderService(a *dispatch.Assignment) string {
	if a == nil || a.EncoderID == "" {
		return "encoder"
	}
	return "encoder:" + a.EncoderID
}

func profileName(cfg map[string]any) (string, error) {
	raw, ok := cfg["profile"]
	if !ok || raw == nil {
		return "default", nil
	}
	name, ok := raw.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("transcode: profile must be a non-empty string")
	}
	return strings.TrimSpace(name), nil
}
