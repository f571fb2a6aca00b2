package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// StepType is the template type tag the deliver step registers under.
const StepType = "deliver"

// Step ships a request's encoded items through the delivery queue. Template
// config:
//
//	targets: optional list of target names; defaults to every configured one
type Step struct {
	queue  *Queue
	store  Store
	pairs  map[string][]Pair
	order  []string
	logger *slog.Logger
}

// NewStep builds the deliver step over the queue and the configured targets.
func NewStep(queue *Queue, store Store, targets []config.DeliveryTarget, logger *slog.Logger) *Step {
	s := &Step{
		queue:  queue,
		store:  store,
		pairs:  make(map[string][]Pair, len(targets)),
		logger: logging.NewComponentLogger(logger, "deliver-step"),
	}
	for _, tc := range targets {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			continue
		}
		pairs := make([]Pair, 0, len(tc.Profiles))
		for _, profile := range tc.Profiles {
			pairs = append(pairs, Pair{Target: name, Profile: profile})
		}
		if len(pairs) == 0 {
			pairs = append(pairs, Pair{Target: name})
		}
		s.pairs[name] = pairs
		s.order = append(s.order, name)
	}
	return s
}

func (s *Step) ValidateConfig(cfg map[string]any) error {
	names, err := targetNames(cfg)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := s.pairs[name]; !ok {
			return fmt.Errorf("deliver: unknown target %q", name)
		}
	}
	return nil
}

func (s *Step) Execute(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) (step.Result, error) {
	requestID, ok := execCtx.IntValue(pipeline.FieldRequestID)
	if !ok {
		return step.Fail(services.Wrap(services.ErrValidation, "deliver", "resolve request", "execution context has no request id", nil), false), nil
	}

	pairs, err := s.resolvePairs(cfg)
	if err != nil {
		return step.Fail(err, false), nil
	}
	if len(pairs) == 0 {
		return step.Fail(services.Wrap(services.ErrConfiguration, "deliver", "resolve targets", "no delivery targets configured", nil), false), nil
	}

	items, err := s.store.ItemsByRequest(ctx, requestID)
	if err != nil {
		return step.Result{}, fmt.Errorf("load items: %w", err)
	}
	ready := make([]*media.Item, 0, len(items))
	for _, item := range items {
		if item.Status == media.StatusEncoded {
			ready = append(ready, item)
		}
	}
	if len(ready) == 0 {
		return step.Skip("no encoded items awaiting delivery"), nil
	}

	tickets := make([]*Ticket, 0, len(ready))
	for _, item := range ready {
		if item.EncodedPath == "" {
			return step.Fail(services.Wrap(services.ErrValidation, "deliver", "inspect item", fmt.Sprintf("item %d is encoded but has no artifact path", item.ID), nil), false), nil
		}
		item.Status = media.StatusDelivering
		item.SetProgress("queued for delivery", item.ProgressPercent)
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return step.Result{}, fmt.Errorf("mark item delivering: %w", err)
		}
		ticket, added := s.queue.Enqueue(Job{ItemID: item.ID, SourcePath: item.EncodedPath, Pairs: pairs})
		if !added {
			s.logger.Info("item already queued for delivery", logging.Int64(logging.FieldItemID, item.ID))
		}
		tickets = append(tickets, ticket)
	}

	delivered := 0
	locations := make([]any, 0, len(tickets))
	for i, ticket := range tickets {
		res, err := ticket.Wait(ctx)
		if err != nil {
			return step.Result{}, err
		}
		if res.Err != nil {
			s.failItem(ready[i], res)
			service := failedService(res)
			return step.FailExternal(service, services.Wrap(services.ErrExternalService, "deliver", "ship item", fmt.Sprintf("item %d: %s", ready[i].ID, res.Err), nil), true), nil
		}
		delivered++
		for _, pr := range res.Delivered() {
			locations = append(locations, pr.Location)
		}
	}

	return step.Success(map[string]any{
		"delivered": delivered,
		"locations": locations,
		"targets":   pairTargets(pairs),
	}), nil
}

// resolvePairs expands the config's target list (or all configured targets)
// into fan-out pairs in declaration order.
func (s *Step) resolvePairs(cfg map[string]any) ([]Pair, error) {
	names, err := targetNames(cfg)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "deliver", "resolve targets", err.Error(), nil)
	}
	if len(names) == 0 {
		names = s.order
	}
	pairs := make([]Pair, 0, len(names))
	for _, name := range names {
		tp, ok := s.pairs[name]
		if !ok {
			return nil, services.Wrap(services.ErrConfiguration, "deliver", "resolve targets", fmt.Sprintf("unknown target %q", name), nil)
		}
		pairs = append(pairs, tp...)
	}
	return pairs, nil
}

// failItem records the failed delivery on the item so operators see the
// detail even before the executor's retry pass persists its decision.
func (s *Step) failItem(item *media.Item, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	current, err := s.store.GetItem(ctx, item.ID)
	if err != nil {
		s.logger.Warn("load item after failed delivery", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
		return
	}
	current.SetProgress(res.Err.Error(), current.ProgressPercent)
	if err := s.store.UpdateItem(ctx, current); err != nil {
		s.logger.Warn("persist failed delivery detail", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
	}
}

func targetNames(cfg map[string]any) ([]string, error) {
	raw, ok := cfg["targets"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("deliver: targets must be a list of names")
	}
	names := make([]string, 0, len(list))
	for _, entry := range list {
		name, ok := entry.(string)
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("deliver: targets must be non-empty strings")
		}
		names = append(names, strings.TrimSpace(name))
	}
	return names, nil
}

// failedService attributes a wholly failed job to its first failing target
// for circuit breaker accounting.
func failedService(res Result) string {
	for _, pr := range res.Pairs {
		if pr.Err != "" {
			return "delivery:" + pr.Target
		}
	}
	return "delivery"
}

func pairTargets(pairs []Pair) []any {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]any, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p.Target]; ok {
			continue
		}
		seen[p.Target] = struct{}{}
		out = append(out, p.Target)
	}
	return out
}
