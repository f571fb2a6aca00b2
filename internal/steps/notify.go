package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/pipeline"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// NotifyStepType is the template type tag the notify step registers under.
const NotifyStepType = "notify"

// NotifyStep publishes a configured event for the request. Template config:
//
//	event: notification event name (required)
//
// Templates usually mark notify nodes continueOnError: a lost push must not
// fail an otherwise finished request.
type NotifyStep struct {
	notifier notifications.Service
	logger   *slog.Logger
}

// NewNotifyStep builds the notify step over the notification service.
func NewNotifyStep(notifier notifications.Service, logger *slog.Logger) *NotifyStep {
	return &NotifyStep{
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "notify-step"),
	}
}

func (s *NotifyStep) ValidateConfig(cfg map[string]any) error {
	name, err := eventName(cfg)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("notify: config needs an event name")
	}
	if !notifications.KnownEvent(name) {
		return fmt.Errorf("notify: unknown event %q", name)
	}
	return nil
}

func (s *NotifyStep) Execute(ctx context.Context, execCtx *pipeline.Context, cfg map[string]any) (step.Result, error) {
	name, err := eventName(cfg)
	if err != nil || name == "" {
		if err == nil {
			err = fmt.Errorf("notify: config needs an event name")
		}
		return step.Fail(services.Wrap(services.ErrConfiguration, "notify", "read config", err.Error(), nil), false), nil
	}

	title := execCtx.StringValue(pipeline.FieldTitle)
	payload := notifications.Payload{"title": title}
	if err := s.notifier.Publish(ctx, notifications.Event(name), payload); err != nil {
		return step.FailExternal("ntfy", err, true), nil
	}

	s.logger.Info("event published",
		logging.String(logging.FieldEventType, name),
		logging.String("title", title),
	)
	return step.Success(map[string]any{"event": name}), nil
}

func eventName(cfg map[string]any) (string, error) {
	raw, ok := cfg["event"]
	if !ok || raw == nil {
		return "", nil
	}
	name, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("notify: event must be a string")
	}
	return strings.TrimSpace(name), nil
}
