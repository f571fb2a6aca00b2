package steps

import (
	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/delivery"
	"conveyor/internal/notifications"
	"conveyor/internal/retry"
	"conveyor/internal/search"
	"conveyor/internal/step"
	"conveyor/internal/store"
)

// Deps carries the shared collaborators the builtin steps close over. Store
// is the concrete store because the steps slice it into their own narrower
// interfaces.
type Deps struct {
	Store      *store.Store
	Config     *config.Config
	Provider   search.Provider
	Dispatcher Dispatcher
	Queue      *delivery.Queue
	Strategy   *retry.Strategy
	Notifier   notifications.Service
	Logger     *slog.Logger
}

// RegisterBuiltins binds the five builtin step types: search, download,
// transcode, deliver, notify. The builtin standard template expects all of
// them, so registration failures abort daemon startup.
func RegisterBuiltins(reg *step.Registry, d Deps) error {
	if d.Notifier == nil {
		d.Notifier = notifications.Noop()
	}
	builtins := []struct {
		name string
		impl step.Step
	}{
		{search.StepType, search.NewStep(d.Store, d.Provider, d.Config, d.Logger)},
		{search.DownloadStepType, search.NewDownloadStep(d.Store, d.Config, d.Logger)},
		{TranscodeStepType, NewTranscodeStep(d.Dispatcher, d.Store, d.Strategy, d.Config, d.Logger)},
		{delivery.StepType, delivery.NewStep(d.Queue, d.Store, d.Config.Delivery.Targets, d.Logger)},
		{NotifyStepType, NewNotifyStep(d.Notifier, d.Logger)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.impl); err != nil {
			return err
		}
	}
	return nil
}
