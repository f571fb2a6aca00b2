// Package daemonrun bootstraps the daemon process: logger, pid file, store,
// retry strategy, dispatcher, delivery queue, executor, metrics, IPC server.
// Both the hidden `conveyor daemon` command and the standalone conveyord
// binary call Run.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/delivery"
	"conveyor/internal/dispatch"
	"conveyor/internal/executor"
	"conveyor/internal/ipc"
	"conveyor/internal/logging"
	"conveyor/internal/metrics"
	"conveyor/internal/notifications"
	"conveyor/internal/pipeline"
	"conveyor/internal/preflight"
	"conveyor/internal/retry"
	"conveyor/internal/search"
	"conveyor/internal/step"
	"conveyor/internal/steps"
	"conveyor/internal/store"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	SocketPath  string
	Development bool
}

// Run starts the conveyor daemon runtime loop and blocks until the context
// is cancelled or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conveyord-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logging.DaemonLogFileName, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "conveyord-*.log", Exclude: []string{logPath}},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, "conveyord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	for _, check := range preflight.Failed(preflight.RunAll(signalCtx, cfg)) {
		logger.Warn("preflight check failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
		)
	}

	st, err := store.Open(signalCtx, cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}

	breakers := breaker.NewRegistry(st, breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	}, logger)
	strategy := retry.NewStrategy(retry.PolicyFromConfig(cfg.Retry), cfg.SearchIntervalDuration(), breakers, logger)
	dispatcher := dispatch.New(st, dispatch.SettingsFromConfig(cfg.Dispatch), logger)

	targets, err := delivery.BuildTargets(cfg.Delivery.Targets)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build delivery targets: %w", err)
	}
	queue := delivery.New(st, targets, cfg.Delivery.Workers, logger)

	lib, err := pipeline.LoadLibrary(cfg.Paths.TemplatesDir)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("load templates: %w", err)
	}

	provider, err := search.NewProvider(cfg)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build search provider: %w", err)
	}

	notifier := notifications.NewService(cfg)
	registry := step.NewRegistry()
	if err := steps.RegisterBuiltins(registry, steps.Deps{
		Store:      st,
		Config:     cfg,
		Provider:   provider,
		Dispatcher: dispatcher,
		Queue:      queue,
		Strategy:   strategy,
		Notifier:   notifier,
		Logger:     logger,
	}); err != nil {
		_ = st.Close()
		return fmt.Errorf("register builtin steps: %w", err)
	}

	exec := executor.New(st, registry, lib, strategy, cfg, logger)
	exec.SetNotifier(notifier)

	m := metrics.New()
	exec.OnStepObserved = m.StepObserved
	exec.OnExecutionFinished = m.ExecutionFinished
	queue.OnLegFinished = m.DeliveryLegFinished
	m.TrackActiveExecutions(exec.Active)
	m.TrackConnectedEncoders(func() int { return len(dispatcher.Workers()) })
	m.TrackDeliveryDepth(queue.Depth)
	m.TrackBreakers(breakers.List)

	d, err := daemon.New(cfg, logger, daemon.Components{
		Store:      st,
		Executor:   exec,
		Dispatcher: dispatcher,
		Queue:      queue,
		Breakers:   breakers,
		Templates:  lib,
		Notifier:   notifier,
		Metrics:    m,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(cfg.Paths.LogDir, "conveyor.sock")
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and database access"),
		)
	}

	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down")
	return nil
}

// ensureCurrentLogPointer keeps LogDir/conveyord.log pointing at the newest
// per-run log file so log tailing always reads the live log.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logging.DaemonLogFileName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
