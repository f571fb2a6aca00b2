package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/notifications"
	"conveyor/internal/pipeline"
	"conveyor/internal/retry"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// Store is the persistence surface the executor needs.
type Store interface {
	GetRequest(ctx context.Context, id int64) (*media.Request, error)
	UpdateRequest(ctx context.Context, req *media.Request) error
	ItemsByRequest(ctx context.Context, requestID int64) ([]*media.Item, error)
	UpdateItem(ctx context.Context, item *media.Item) error
	UpdateItemHeartbeat(ctx context.Context, id int64) error
	ItemsReadyForRetry(ctx context.Context, now time.Time) ([]*media.Item, error)
	RollbackProcessing(ctx context.Context) (int64, error)

	CreateExecution(ctx context.Context, exec *pipeline.Execution) error
	SaveExecution(ctx context.Context, exec *pipeline.Execution) error
	GetExecution(ctx context.Context, id string) (*pipeline.Execution, error)
	ListExecutions(ctx context.Context, limit int, statuses ...pipeline.ExecutionStatus) ([]*pipeline.Execution, error)
	ExecutionsByRequest(ctx context.Context, requestID int64) ([]*pipeline.Execution, error)
	AppendStepRecord(ctx context.Context, rec *pipeline.StepRecord) error
	StepRecords(ctx context.Context, executionID string) ([]*pipeline.StepRecord, error)
}

// walkHandle controls one live walk. The user flag distinguishes an operator
// cancel, which finalizes the execution CANCELLED, from daemon shutdown,
// which leaves it RUNNING for the next start to resume.
type walkHandle struct {
	cancel context.CancelFunc
	user   atomic.Bool
}

// Executor owns every template walk in the process. Walks run concurrently
// up to the configured cap; a poll loop and a cron sweeper reschedule parked
// executions when their retry windows open.
type Executor struct {
	store     Store
	registry  *step.Registry
	templates *pipeline.Library
	strategy  *retry.Strategy
	cfg       *config.Config
	logger    *slog.Logger
	notifier  notifications.Service

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	active  map[string]*walkHandle

	wg  sync.WaitGroup
	sem chan struct{}

	// OnStepObserved, when set, observes every recorded node visit. Set
	// before Run.
	OnStepObserved func(stepType string, outcome pipeline.StepOutcome, elapsed time.Duration)
	// OnExecutionFinished, when set, observes terminal execution statuses.
	// Set before Run.
	OnExecutionFinished func(status pipeline.ExecutionStatus)
}

// New builds an executor. All collaborators are required except the logger.
func New(st Store, registry *step.Registry, templates *pipeline.Library, strategy *retry.Strategy, cfg *config.Config, logger *slog.Logger) *Executor {
	capacity := cfg.Workflow.MaxConcurrentExecutions
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		store:     st,
		registry:  registry,
		templates: templates,
		strategy:  strategy,
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "executor"),
		notifier:  notifications.Noop(),
		active:    make(map[string]*walkHandle),
		sem:       make(chan struct{}, capacity),
	}
}

// SetNotifier routes request failures and review holds through svc. These
// are the milestones a template's notify step cannot reach: a walk that
// never gets to its notify node. Call before Run.
func (e *Executor) SetNotifier(svc notifications.Service) {
	if svc == nil {
		return
	}
	e.notifier = svc
}

// Run blocks until ctx is cancelled, driving the poll loop and the retry
// sweeper. Interrupted items are rolled back and RUNNING executions resumed
// before the first tick, so a restart picks up exactly where the previous
// process stopped.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("executor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	sweeper := cron.New()
	schedule := e.cfg.Workflow.RetrySweepSchedule
	if schedule != "" {
		if _, err := sweeper.AddFunc(schedule, func() { e.tick(runCtx) }); err != nil {
			return services.Wrap(services.ErrConfiguration, "executor", "schedule retry sweep", fmt.Sprintf("schedule %q", schedule), err)
		}
	}

	if rolled, err := e.store.RollbackProcessing(runCtx); err != nil {
		e.logger.Warn("roll back interrupted items", logging.Error(err))
	} else if rolled > 0 {
		e.logger.Info("rolled back interrupted items", logging.Int64("count", rolled))
	}

	sweeper.Start()
	e.logger.Info("executor started",
		logging.Int("capacity", cap(e.sem)),
		logging.String("sweep_schedule", schedule),
	)

	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	e.tick(runCtx)
	for {
		select {
		case <-runCtx.Done():
			<-sweeper.Stop().Done()
			e.wg.Wait()
			e.logger.Info("executor stopped")
			return nil
		case <-ticker.C:
			e.tick(runCtx)
		}
	}
}

func (e *Executor) pollInterval() time.Duration {
	if e.cfg.Workflow.QueuePollInterval > 0 {
		return time.Duration(e.cfg.Workflow.QueuePollInterval) * time.Second
	}
	return 5 * time.Second
}

// tick opens elapsed retry windows and resumes any RUNNING execution that
// has no live walk and nothing left to wait for.
func (e *Executor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.sweep(ctx)
	e.resumeRunnable(ctx)
}

// sweep clears retryAt/skipUntil on items whose window has elapsed. The
// schedule fields gate resumption, so clearing them is what makes the owning
// execution runnable again.
func (e *Executor) sweep(ctx context.Context) {
	now := time.Now().UTC()
	items, err := e.store.ItemsReadyForRetry(ctx, now)
	if err != nil {
		e.logger.Warn("list items ready for retry", logging.Error(err))
		return
	}
	for _, item := range items {
		if item.IsTerminal() || item.Status == media.StatusReview {
			continue
		}
		item.RetryAt, item.SkipUntil = nil, nil
		item.SetProgress("retry window open", item.ProgressPercent)
		if err := e.store.UpdateItem(ctx, item); err != nil {
			e.logger.Warn("open retry window", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
			continue
		}
		e.logger.Debug("retry window opened", logging.Int64(logging.FieldItemID, item.ID))
	}
}

// resumeRunnable relaunches RUNNING executions without a live walk, unless
// every reason they stopped is a retry window that has not opened yet.
func (e *Executor) resumeRunnable(ctx context.Context) {
	execs, err := e.store.ListExecutions(ctx, 0, pipeline.ExecutionRunning)
	if err != nil {
		e.logger.Warn("list running executions", logging.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, exec := range execs {
		e.mu.Lock()
		_, live := e.active[exec.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		items, err := e.store.ItemsByRequest(ctx, exec.RequestID)
		if err != nil {
			e.logger.Warn("load items", logging.Int64(logging.FieldRequestID, exec.RequestID), logging.Error(err))
			continue
		}
		if parked(items, now) {
			continue
		}
		tpl, ok := e.templates.Get(exec.TemplateID)
		if !ok {
			logger := e.execLogger(exec)
			e.finishFailed(exec, services.Wrap(services.ErrConfiguration, "executor", "resume walk", fmt.Sprintf("template %s is no longer available", exec.TemplateID), nil), logger)
			continue
		}
		e.launch(exec, tpl)
	}
}

// parked reports whether some item still waits on a future retry window and
// none is ready to go now.
func parked(items []*media.Item, now time.Time) bool {
	waiting := false
	for _, item := range items {
		if item.IsTerminal() || item.Status == media.StatusReview {
			continue
		}
		if item.RetryAt == nil && item.SkipUntil == nil {
			continue
		}
		if item.ReadyForRetry(now) {
			return false
		}
		waiting = true
	}
	return waiting
}

// Start begins a new execution for a request. The template comes from the
// argument, the request, or the configured default, in that order; it is
// validated against the step registry before anything persists. A request
// can only have one live execution at a time.
func (e *Executor) Start(ctx context.Context, requestID int64, templateID string) (*pipeline.Execution, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, services.Wrap(services.ErrNotFound, "executor", "start", fmt.Sprintf("request %d", requestID), nil)
	}

	if templateID == "" {
		templateID = req.TemplateID
	}
	if templateID == "" {
		templateID = e.cfg.Workflow.DefaultTemplate
	}
	tpl, ok := e.templates.Get(templateID)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "executor", "start", fmt.Sprintf("unknown template %q", templateID), nil)
	}
	if err := e.registry.ValidateTemplate(tpl); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "executor", "start", fmt.Sprintf("template %s", tpl.ID), err)
	}

	existing, err := e.store.ExecutionsByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, prior := range existing {
		if !prior.Status.Terminal() {
			return nil, services.Wrap(services.ErrValidation, "executor", "start", fmt.Sprintf("request %d already has execution %s in %s", requestID, prior.ID, prior.Status), nil)
		}
	}

	if req.TemplateID != tpl.ID {
		req.TemplateID = tpl.ID
		if err := e.store.UpdateRequest(ctx, req); err != nil {
			return nil, err
		}
	}

	exec := pipeline.NewExecution(req, tpl.ID, time.Now().UTC())
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.execLogger(exec).Info("execution started", logging.String("title", req.Title))

	// When the executor is not running yet the execution stays RUNNING in
	// the store and the first tick picks it up.
	e.launch(exec, tpl)
	return exec, nil
}

// Resume restarts a PAUSED execution, or relaunches a RUNNING one that has
// no live walk. Any pending retry schedule on the request's items is
// cleared: an operator resume means now.
func (e *Executor) Resume(ctx context.Context, executionID string) (*pipeline.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, services.Wrap(services.ErrNotFound, "executor", "resume", fmt.Sprintf("execution %s", executionID), nil)
	}
	if exec.Status.Terminal() {
		return nil, services.Wrap(services.ErrValidation, "executor", "resume", fmt.Sprintf("execution %s is %s", executionID, exec.Status), nil)
	}

	e.mu.Lock()
	_, live := e.active[executionID]
	e.mu.Unlock()
	if live {
		return exec, nil
	}

	tpl, ok := e.templates.Get(exec.TemplateID)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "executor", "resume", fmt.Sprintf("template %s is no longer available", exec.TemplateID), nil)
	}

	items, err := e.store.ItemsByRequest(ctx, exec.RequestID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.RetryAt == nil && item.SkipUntil == nil {
			continue
		}
		item.RetryAt, item.SkipUntil = nil, nil
		if err := e.store.UpdateItem(ctx, item); err != nil {
			e.logger.Warn("clear retry schedule", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
		}
	}

	if exec.Status == pipeline.ExecutionPaused {
		exec.Status = pipeline.ExecutionRunning
		exec.Error = ""
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
	}
	e.execLogger(exec).Info("execution resumed", logging.String("cursor", exec.Cursor))
	e.launch(exec, tpl)
	return exec, nil
}

// Cancel stops an execution. A live walk is interrupted at the next step
// boundary; a parked one is finalized directly. Terminal executions cannot
// be cancelled.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	h := e.active[executionID]
	e.mu.Unlock()
	if h != nil {
		h.user.Store(true)
		h.cancel()
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return services.Wrap(services.ErrNotFound, "executor", "cancel", fmt.Sprintf("execution %s", executionID), nil)
	}
	if exec.Status.Terminal() {
		return services.Wrap(services.ErrValidation, "executor", "cancel", fmt.Sprintf("execution %s is already %s", executionID, exec.Status), nil)
	}
	e.finishCancelled(exec, e.execLogger(exec))
	return nil
}

// launch registers a walk and runs it on its own goroutine once a capacity
// slot frees up. Launching an execution that is already live is a no-op.
func (e *Executor) launch(exec *pipeline.Execution, tpl *pipeline.Template) {
	e.mu.Lock()
	if !e.running || e.runCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	if _, dup := e.active[exec.ID]; dup {
		e.mu.Unlock()
		return
	}
	walkCtx, cancel := context.WithCancel(e.runCtx)
	h := &walkHandle{cancel: cancel}
	e.active[exec.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, exec.ID)
			e.mu.Unlock()
		}()
		defer cancel()

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-walkCtx.Done():
			e.finishInterrupted(exec, h, e.execLogger(exec))
			return
		}

		go e.heartbeatLoop(walkCtx, exec.RequestID)
		e.runWalk(walkCtx, exec, tpl, h)
	}()
}

// runWalk drives one walk to a stopping point and finalizes the execution.
func (e *Executor) runWalk(ctx context.Context, exec *pipeline.Execution, tpl *pipeline.Template, h *walkHandle) {
	logger := e.execLogger(exec)
	w := &walker{e: e, exec: exec, tpl: tpl, logger: logger}

	recCtx, cancelRec := context.WithTimeout(context.Background(), persistTimeout)
	records, err := e.store.StepRecords(recCtx, exec.ID)
	cancelRec()
	if err != nil {
		logger.Warn("load step records", logging.Error(err))
	}
	w.seq.Store(int64(len(records)))

	start, ok := w.startIndex()
	if !ok {
		e.finishFailed(exec, services.Wrap(services.ErrConfiguration, "executor", "resume walk", fmt.Sprintf("cursor %q is not in template %s", exec.Cursor, tpl.ID), nil), logger)
		return
	}
	if start == -1 {
		// Zero-step template: nothing to walk, nothing to record.
		e.finishCompleted(exec, logger)
		return
	}

	res := w.run(ctx, start)
	switch res.stop {
	case stopNone, stopHalt:
		e.finishCompleted(exec, logger)
	case stopPause:
		exec.Status = pipeline.ExecutionPaused
		exec.Cursor = res.stopAt
		exec.Error = ""
		w.save()
		logger.Info("execution paused", logging.String("cursor", exec.Cursor))
	case stopRetryWait:
		exec.Cursor = res.stopAt
		exec.Error = res.err.Error()
		w.save()
		logger.Info("execution parked for retry", logging.String("cursor", exec.Cursor), logging.Error(res.err))
	case stopFailed:
		e.finishFailed(exec, res.err, logger)
	case stopInterrupted:
		e.finishInterrupted(exec, h, logger)
	}

	// An operator cancel that lands after the walk's last context check
	// would otherwise be lost; honor it before the walk retires.
	if h != nil && h.user.Load() && !exec.Status.Terminal() {
		e.finishCancelled(exec, logger)
	}
}

// Active returns the number of live walks.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// heartbeatLoop stamps the request's in-flight items while the walk is live
// so reclamation can tell working items from abandoned ones.
func (e *Executor) heartbeatLoop(ctx context.Context, requestID int64) {
	interval := e.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := e.store.ItemsByRequest(ctx, requestID)
			if err != nil {
				continue
			}
			for _, item := range items {
				if !item.IsProcessing() {
					continue
				}
				if err := e.store.UpdateItemHeartbeat(ctx, item.ID); err != nil {
					e.logger.Warn("update heartbeat", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
				}
			}
		}
	}
}

func (e *Executor) execLogger(exec *pipeline.Execution) *slog.Logger {
	return e.logger.With(
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.Int64(logging.FieldRequestID, exec.RequestID),
		logging.String(logging.FieldTemplate, exec.TemplateID),
	)
}

func (e *Executor) finishCompleted(exec *pipeline.Execution, logger *slog.Logger) {
	now := time.Now().UTC()
	exec.Status = pipeline.ExecutionCompleted
	exec.Cursor = ""
	exec.Error = ""
	exec.CompletedAt = &now
	e.saveFinal(exec, logger)
	logger.Info("execution completed")
	if e.OnExecutionFinished != nil {
		e.OnExecutionFinished(pipeline.ExecutionCompleted)
	}
}

// finishFailed finalizes the execution FAILED and routes its live items to
// failed or review. Items the retry settlement already finalized are left
// alone.
func (e *Executor) finishFailed(exec *pipeline.Execution, failErr error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	items, err := e.store.ItemsByRequest(ctx, exec.RequestID)
	if err != nil {
		logger.Warn("load items", logging.Error(err))
	}
	for _, item := range items {
		if item.IsTerminal() || item.Status == media.StatusReview {
			continue
		}
		e.failItem(ctx, item, failErr, logger)
	}

	now := time.Now().UTC()
	exec.Status = pipeline.ExecutionFailed
	exec.Error = failErr.Error()
	exec.CompletedAt = &now
	e.saveFinal(exec, logger)
	logging.ErrorWithContext(logger, "execution failed", "execution_failed", logging.Error(failErr))
	e.notifyRequestFailed(ctx, exec.RequestID, failErr, logger)
	if e.OnExecutionFinished != nil {
		e.OnExecutionFinished(pipeline.ExecutionFailed)
	}
}

func (e *Executor) notifyRequestFailed(ctx context.Context, requestID int64, failErr error, logger *slog.Logger) {
	title := fmt.Sprintf("request %d", requestID)
	if req, err := e.store.GetRequest(ctx, requestID); err == nil && req.Title != "" {
		title = req.Title
	}
	payload := notifications.Payload{"title": title, "error": failErr.Error()}
	if err := e.notifier.Publish(ctx, notifications.EventRequestFailed, payload); err != nil {
		logger.Warn("publish request-failed", logging.Error(err))
	}
}

func (e *Executor) finishCancelled(exec *pipeline.Execution, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	items, err := e.store.ItemsByRequest(ctx, exec.RequestID)
	if err != nil {
		logger.Warn("load items", logging.Error(err))
	}
	for _, item := range items {
		if item.IsTerminal() {
			continue
		}
		item.SetCancelled(media.UserCancelReason)
		if err := e.store.UpdateItem(ctx, item); err != nil {
			logger.Warn("cancel item", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
		}
	}

	now := time.Now().UTC()
	exec.Status = pipeline.ExecutionCancelled
	exec.Error = media.UserCancelReason
	exec.CompletedAt = &now
	e.saveFinal(exec, logger)
	logger.Info("execution cancelled")
	if e.OnExecutionFinished != nil {
		e.OnExecutionFinished(pipeline.ExecutionCancelled)
	}
}

// finishInterrupted handles a cancelled walk context: an operator cancel
// finalizes the execution, a daemon stop leaves it RUNNING so the next start
// resumes from the persisted cursor.
func (e *Executor) finishInterrupted(exec *pipeline.Execution, h *walkHandle, logger *slog.Logger) {
	if h != nil && h.user.Load() {
		e.finishCancelled(exec, logger)
		return
	}
	e.saveFinal(exec, logger)
	logger.Info("execution interrupted", logging.String("cursor", exec.Cursor))
}

func (e *Executor) saveFinal(exec *pipeline.Execution, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		logger.Warn("persist execution", logging.Error(err))
	}
}

// failItem records the error on the item and routes it to failed or review
// depending on the failure's classification.
func (e *Executor) failItem(ctx context.Context, item *media.Item, stepErr error, logger *slog.Logger) {
	item.RecordError(time.Now().UTC(), stepErr.Error(), string(retry.Classify(stepErr)))
	review := services.FailureStatus(stepErr) == media.StatusReview
	if review {
		item.SetReview(stepErr.Error())
	} else {
		item.SetFailed(stepErr.Error())
	}
	if err := e.store.UpdateItem(ctx, item); err != nil {
		logger.Warn("persist item failure", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
	}
	if review {
		payload := notifications.Payload{"title": item.Label(), "reason": stepErr.Error()}
		if err := e.notifier.Publish(ctx, notifications.EventReview, payload); err != nil {
			logger.Warn("publish review", logging.Error(err))
		}
	}
}
