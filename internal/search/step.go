package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// StepType is the template type tag the search step registers under.
const StepType = "search"

// Store is the slice of persistence the search and download steps need.
type Store interface {
	ItemsByRequest(ctx context.Context, requestID int64) ([]*media.Item, error)
	UpdateItem(ctx context.Context, item *media.Item) error
}

// Step queries the provider for every item that still needs a source. Items
// that match record their source and advance to found; if any item comes up
// empty the step fails with a not-found error, which parks the execution on
// the fixed search interval while already-found siblings keep their state.
type Step struct {
	store    Store
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStep builds the search step over the configured provider.
func NewStep(store Store, provider Provider, cfg *config.Config, logger *slog.Logger) *Step {
	timeout := time.Duration(cfg.Search.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Step{
		store:    store,
		provider: provider,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "search-step"),
	}
}

func (s *Step) ValidateConfig(map[string]any) error { return nil }

func (s *Step) Execute(ctx context.Context, execCtx *pipeline.Context, _ map[string]any) (step.Result, error) {
	requestID, ok := execCtx.IntValue(pipeline.FieldRequestID)
	if !ok {
		return step.Fail(services.Wrap(services.ErrValidation, "search", "resolve request", "execution context has no request id", nil), false), nil
	}

	items, err := s.store.ItemsByRequest(ctx, requestID)
	if err != nil {
		return step.Result{}, fmt.Errorf("load items: %w", err)
	}

	var pending []*media.Item
	var sourced []string
	for _, item := range items {
		switch {
		case item.IsTerminal() || item.Status == media.StatusReview:
		case item.Status == media.StatusPending || item.Status == media.StatusSearching:
			pending = append(pending, item)
		case item.SourcePath != "":
			sourced = append(sourced, item.SourcePath)
		}
	}
	if len(pending) == 0 && len(sourced) == 0 {
		return step.Fail(services.Wrap(services.ErrValidation, "search", "resolve items", fmt.Sprintf("request %d has no items to search for", requestID), nil), false), nil
	}

	matched, missing := 0, 0
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return step.Result{}, err
		}
		item.Status = media.StatusSearching
		item.SetProgress("searching for a source", 0)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item searching: %w", err)
		}

		res, err := s.query(ctx, item)
		if err != nil {
			return step.FailExternal("search:"+s.provider.Name(), services.Wrap(services.ErrExternalService, "search", "query provider", item.Label(), err), true), nil
		}
		if res == nil {
			missing++
			s.logger.Info("no source yet",
				logging.Int64(logging.FieldItemID, item.ID),
				logging.String("title", item.Label()),
			)
			continue
		}

		item.SourcePath = res.SourcePath
		item.Status = media.StatusFound
		item.SetProgress("source located", 0)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item found: %w", err)
		}
		matched++
		sourced = append(sourced, res.SourcePath)
		s.logger.Info("source located",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.String("title", item.Label()),
			logging.String("source", res.SourcePath),
			logging.Int64("bytes", res.Size),
		)
	}

	if missing > 0 {
		return step.Fail(services.Wrap(services.ErrNotFound, "search", "locate sources", fmt.Sprintf("%d of %d items still have no source", missing, len(pending)), nil), true), nil
	}

	data := map[string]any{
		"provider": s.provider.Name(),
		"matched":  matched,
		"sourced":  len(sourced),
	}
	if len(sourced) > 0 {
		data["sourcePath"] = sourced[0]
	}
	return step.Success(data), nil
}

func (s *Step) query(ctx context.Context, item *media.Item) (*Result, error) {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.provider.Search(qctx, Query{
		Title:   item.Title,
		Season:  item.Season,
		Episode: item.Episode,
	})
}
