package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/delivery"
	"conveyor/internal/dispatch"
	"conveyor/internal/executor"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/metrics"
	"conveyor/internal/notifications"
	"conveyor/internal/pipeline"
	"conveyor/internal/store"
)

// Components bundles the services the daemon supervises and fronts. Store,
// Executor, and Templates are required; Dispatcher, Queue, Breakers, Metrics,
// and Notifier may be nil, in which case the matching surface is inert.
type Components struct {
	Store      *store.Store
	Executor   *executor.Executor
	Dispatcher *dispatch.Dispatcher
	Queue      *delivery.Queue
	Breakers   *breaker.Registry
	Templates  *pipeline.Library
	Notifier   notifications.Service
	Metrics    *metrics.Metrics
}

// Daemon coordinates the background services and enforces single-instance
// execution via a file lock in the log directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	comp   Components

	lockPath string
	logPath  string
	lock     *flock.Flock
	api      *apiServer

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
	running   atomic.Bool
}

// Status is a point-in-time snapshot of the daemon and its services.
type Status struct {
	Running           bool
	PID               int
	StartedAt         time.Time
	StorePath         string
	LockFilePath      string
	APIBind           string
	ActiveExecutions  int
	ConnectedEncoders int
	DeliveryQueued    int
	DeliveryInFlight  int
	ItemCounts        map[media.Status]int
	OpenBreakers      []string
}

// New constructs a daemon around already-built components.
func New(cfg *config.Config, logger *slog.Logger, comp Components) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if comp.Store == nil || comp.Executor == nil || comp.Templates == nil {
		return nil, errors.New("daemon requires store, executor, and template library")
	}
	if comp.Notifier == nil {
		comp.Notifier = notifications.Noop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "conveyord.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		comp:     comp,
		lockPath: lockPath,
		logPath:  filepath.Join(cfg.Paths.LogDir, logging.DaemonLogFileName),
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg.Paths.APIBind, d, logger)
	return d, nil
}

// Start acquires the instance lock, reclaims assignments orphaned by a
// previous crash, and launches the executor, dispatcher, delivery queue, and
// HTTP API. Services stop when ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	if d.comp.Dispatcher != nil {
		if reclaimed, err := d.comp.Dispatcher.ReclaimStartupOrphans(runCtx); err != nil {
			d.logger.Warn("reclaim startup orphans", logging.Error(err))
		} else if reclaimed > 0 {
			d.logger.Info("reclaimed orphaned assignments", logging.Int("count", reclaimed))
		}
		// Must be wired before the API server starts accepting encoder
		// connections.
		d.comp.Dispatcher.OnEncoderEvent = d.publishEncoderEvent
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return d.comp.Executor.Run(groupCtx) })
	if d.comp.Dispatcher != nil {
		group.Go(func() error { return d.comp.Dispatcher.Run(groupCtx) })
	}
	if d.comp.Queue != nil {
		group.Go(func() error { return d.comp.Queue.Run(groupCtx) })
	}

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			cancel()
			_ = group.Wait()
			_ = d.lock.Unlock()
			return fmt.Errorf("start api server: %w", err)
		}
	}

	d.cancel = cancel
	d.group = group
	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("conveyor daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api_bind", d.cfg.Paths.APIBind),
	)
	return nil
}

// Stop cancels background services, waits for them to drain, and releases
// the instance lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.group != nil {
		if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("background service exited with error", logging.Error(err))
		}
		d.group = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.comp.Store != nil {
		return d.comp.Store.Close()
	}
	return nil
}

// Running reports whether the background services are live.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status. Store sampling errors degrade
// the snapshot rather than failing it.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StorePath:    d.comp.Store.Path(),
		LockFilePath: d.lockPath,
		APIBind:      d.cfg.Paths.APIBind,
	}
	d.mu.Lock()
	st.StartedAt = d.startedAt
	d.mu.Unlock()

	st.ActiveExecutions = d.comp.Executor.Active()
	if d.comp.Dispatcher != nil {
		st.ConnectedEncoders = len(d.comp.Dispatcher.Workers())
	}
	if d.comp.Queue != nil {
		st.DeliveryQueued, st.DeliveryInFlight = d.comp.Queue.Depth()
	}
	if counts, err := d.comp.Store.ItemStats(ctx); err != nil {
		d.logger.Warn("sample item stats", logging.Error(err))
	} else {
		st.ItemCounts = counts
	}
	if d.comp.Breakers != nil {
		if records, err := d.comp.Breakers.List(ctx); err != nil {
			d.logger.Warn("sample breakers", logging.Error(err))
		} else {
			for _, rec := range records {
				if rec.State != breaker.StateClosed {
					st.OpenBreakers = append(st.OpenBreakers, rec.Service)
				}
			}
			sort.Strings(st.OpenBreakers)
		}
	}
	return st
}

// AddRequestParams describes a new acquisition request.
type AddRequestParams struct {
	Title       string
	TMDBID      int64
	MediaType   string
	Season      int
	Episodes    []int
	RequestedBy string
	TemplateID  string
}

// RequestRecord pairs a request with its items, computed aggregate status,
// and (where loaded) its executions.
type RequestRecord struct {
	Request    *media.Request
	Status     media.RequestStatus
	Items      []*media.Item
	Executions []*pipeline.Execution
}

// ExecutionRecord pairs an execution with its recorded step visits.
type ExecutionRecord struct {
	Execution *pipeline.Execution
	Steps     []*pipeline.StepRecord
}

// AddRequest validates and persists a new request, seeds one item per
// deliverable, and starts an execution on the resolved template. When the
// request lands but the execution fails to start, the record is returned
// alongside the error so the operator can retry instead of re-adding.
func (d *Daemon) AddRequest(ctx context.Context, params AddRequestParams) (*RequestRecord, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	mediaType, ok := media.ParseMediaType(params.MediaType)
	if !ok {
		return nil, fmt.Errorf("unknown media type %q", params.MediaType)
	}
	episodes, err := normalizeEpisodes(params.Episodes)
	if err != nil {
		return nil, err
	}
	switch mediaType {
	case media.MediaTypeTV:
		if params.Season < 1 {
			return nil, errors.New("tv requests need a season number")
		}
		if len(episodes) == 0 {
			return nil, errors.New("tv requests need at least one episode")
		}
	default:
		if params.Season != 0 || len(episodes) != 0 {
			return nil, errors.New("season and episodes only apply to tv requests")
		}
	}

	templateID := strings.TrimSpace(params.TemplateID)
	if templateID == "" {
		templateID = d.cfg.Workflow.DefaultTemplate
	}
	if _, ok := d.comp.Templates.Get(templateID); !ok {
		return nil, fmt.Errorf("unknown template %q", templateID)
	}

	req, err := d.comp.Store.CreateRequest(ctx, &media.Request{
		Title:       title,
		TMDBID:      params.TMDBID,
		MediaType:   mediaType,
		Season:      params.Season,
		RequestedBy: strings.TrimSpace(params.RequestedBy),
		TemplateID:  templateID,
	})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var items []*media.Item
	seed := func(season, episode int) error {
		item, err := d.comp.Store.CreateItem(ctx, &media.Item{
			RequestID: req.ID,
			Season:    season,
			Episode:   episode,
			Title:     title,
			Status:    media.StatusPending,
		})
		if err != nil {
			return fmt.Errorf("seed item: %w", err)
		}
		items = append(items, item)
		return nil
	}
	if mediaType == media.MediaTypeTV {
		for _, episode := range episodes {
			if err := seed(params.Season, episode); err != nil {
				return nil, err
			}
		}
	} else if err := seed(0, 0); err != nil {
		return nil, err
	}

	record := &RequestRecord{Request: req, Status: computeStatus(items), Items: items}
	exec, err := d.comp.Executor.Start(ctx, req.ID, templateID)
	if err != nil {
		d.logger.Warn("request created but execution did not start",
			logging.Int64(logging.FieldRequestID, req.ID),
			logging.Error(err),
		)
		return record, fmt.Errorf("request %d created but not started: %w", req.ID, err)
	}
	record.Executions = []*pipeline.Execution{exec}
	d.logger.Info("request queued",
		logging.Int64(logging.FieldRequestID, req.ID),
		logging.String("title", req.Title),
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.String(logging.FieldTemplate, templateID),
	)
	return record, nil
}

// ListRequests returns every request with items and computed status.
func (d *Daemon) ListRequests(ctx context.Context) ([]RequestRecord, error) {
	requests, err := d.comp.Store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]RequestRecord, 0, len(requests))
	for _, req := range requests {
		items, err := d.comp.Store.ItemsByRequest(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		records = append(records, RequestRecord{
			Request: req,
			Status:  computeStatus(items),
			Items:   items,
		})
	}
	return records, nil
}

// ShowRequest returns one request with items, computed status, and history.
func (d *Daemon) ShowRequest(ctx context.Context, id int64) (*RequestRecord, error) {
	req, err := d.comp.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %d not found", id)
	}
	items, err := d.comp.Store.ItemsByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	execs, err := d.comp.Store.ExecutionsByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestRecord{
		Request:    req,
		Status:     computeStatus(items),
		Items:      items,
		Executions: execs,
	}, nil
}

// RetryRequest resumes a live execution when one exists. Otherwise it
// rewinds non-delivered items to the last durable artifact (encoded file,
// staged source, or nothing) and starts a fresh execution.
func (d *Daemon) RetryRequest(ctx context.Context, id int64) (*pipeline.Execution, error) {
	req, err := d.comp.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %d not found", id)
	}

	execs, err := d.comp.Store.ExecutionsByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		if !exec.Status.Terminal() {
			return d.comp.Executor.Resume(ctx, exec.ID)
		}
	}

	items, err := d.comp.Store.ItemsByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("request %d has no items", id)
	}
	for _, item := range items {
		if item.Status == media.StatusDelivered {
			continue
		}
		resetForRetry(item)
		if err := d.comp.Store.UpdateItem(ctx, item); err != nil {
			return nil, fmt.Errorf("reset item %d: %w", item.ID, err)
		}
	}

	templateID := req.TemplateID
	if templateID == "" {
		templateID = d.cfg.Workflow.DefaultTemplate
	}
	exec, err := d.comp.Executor.Start(ctx, id, templateID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("request retried",
		logging.Int64(logging.FieldRequestID, id),
		logging.String(logging.FieldExecutionID, exec.ID),
	)
	return exec, nil
}

// CancelRequest stops all live executions for a request. When none exist,
// non-terminal items are cancelled directly.
func (d *Daemon) CancelRequest(ctx context.Context, id int64) error {
	req, err := d.comp.Store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request %d not found", id)
	}

	execs, err := d.comp.Store.ExecutionsByRequest(ctx, id)
	if err != nil {
		return err
	}
	cancelled := false
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		if err := d.comp.Executor.Cancel(ctx, exec.ID); err != nil {
			return fmt.Errorf("cancel execution %s: %w", exec.ID, err)
		}
		cancelled = true
	}
	if cancelled {
		d.logger.Info("request cancelled", logging.Int64(logging.FieldRequestID, id))
		return nil
	}

	items, err := d.comp.Store.ItemsByRequest(ctx, id)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.IsTerminal() {
			continue
		}
		item.SetCancelled(media.UserCancelReason)
		if err := d.comp.Store.UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("cancel item %d: %w", item.ID, err)
		}
	}
	d.logger.Info("request cancelled", logging.Int64(logging.FieldRequestID, id))
	return nil
}

// ListExecutions returns recent executions, optionally filtered by status.
func (d *Daemon) ListExecutions(ctx context.Context, limit int, statuses []string) ([]*pipeline.Execution, error) {
	parsed := make([]pipeline.ExecutionStatus, 0, len(statuses))
	for _, raw := range statuses {
		status := pipeline.ExecutionStatus(strings.ToUpper(strings.TrimSpace(raw)))
		switch status {
		case pipeline.ExecutionRunning, pipeline.ExecutionPaused, pipeline.ExecutionCompleted,
			pipeline.ExecutionFailed, pipeline.ExecutionCancelled:
			parsed = append(parsed, status)
		case "":
		default:
			return nil, fmt.Errorf("unknown execution status %q", raw)
		}
	}
	return d.comp.Store.ListExecutions(ctx, limit, parsed...)
}

// ShowExecution returns one execution with its step records.
func (d *Daemon) ShowExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	exec, err := d.comp.Store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	steps, err := d.comp.Store.StepRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionRecord{Execution: exec, Steps: steps}, nil
}

// ResumeExecution relaunches a paused or parked execution.
func (d *Daemon) ResumeExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	return d.comp.Executor.Resume(ctx, id)
}

// Encoders returns a snapshot of connected encode workers.
func (d *Daemon) Encoders() []dispatch.WorkerInfo {
	if d.comp.Dispatcher == nil {
		return nil
	}
	return d.comp.Dispatcher.Workers()
}

// Breakers returns all persisted circuit breaker records.
func (d *Daemon) Breakers(ctx context.Context) ([]*breaker.Record, error) {
	if d.comp.Breakers == nil {
		return nil, nil
	}
	return d.comp.Breakers.List(ctx)
}

// ResetBreaker force-closes the breaker for a service. It reports whether a
// record existed.
func (d *Daemon) ResetBreaker(ctx context.Context, service string) (bool, error) {
	if d.comp.Breakers == nil {
		return false, errors.New("breaker registry unavailable")
	}
	return d.comp.Breakers.Reset(ctx, service)
}

// Templates returns the loaded template library sorted by ID.
func (d *Daemon) Templates() []*pipeline.Template {
	return d.comp.Templates.List()
}

// TestNotification sends a test event to the configured ntfy topic.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	payload := notifications.Payload{"pid": strconv.Itoa(os.Getpid())}
	if err := d.comp.Notifier.Publish(ctx, notifications.EventTest, payload); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

func (d *Daemon) publishEncoderEvent(event string, info dispatch.WorkerInfo, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := notifications.Payload{"encoder": info.ID}
	evt := notifications.EventEncoderOnline
	if event == "disconnected" {
		evt = notifications.EventEncoderOffline
		payload["reason"] = reason
	} else {
		payload["capacity"] = strconv.Itoa(info.Capacity)
	}
	if err := d.comp.Notifier.Publish(ctx, evt, payload); err != nil {
		d.logger.Warn("publish encoder event",
			logging.String(logging.FieldEncoderID, info.ID),
			logging.Error(err),
		)
	}
}

// resetForRetry rewinds an item to the furthest state its on-disk artifacts
// still support. Error history is kept as the audit trail.
func resetForRetry(item *media.Item) {
	switch {
	case item.EncodedPath != "":
		item.Status = media.StatusEncoded
	case item.SourcePath != "":
		item.Status = media.StatusFound
	default:
		item.Status = media.StatusPending
	}
	item.Attempts = 0
	item.ErrorMessage = ""
	item.NeedsReview = false
	item.ReviewReason = ""
	item.RetryAt = nil
	item.SkipUntil = nil
	item.LastHeartbeat = nil
	item.SetProgress("queued for retry", 0)
}

func computeStatus(items []*media.Item) media.RequestStatus {
	values := make([]media.Item, 0, len(items))
	for _, item := range items {
		if item != nil {
			values = append(values, *item)
		}
	}
	return media.ComputeRequestStatus(values)
}

func normalizeEpisodes(episodes []int) ([]int, error) {
	if len(episodes) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{}, len(episodes))
	out := make([]int, 0, len(episodes))
	for _, episode := range episodes {
		if episode < 1 {
			return nil, fmt.Errorf("invalid episode number %d", episode)
		}
		if _, dup := seen[episode]; dup {
			continue
		}
		seen[episode] = struct{}{}
		out = append(out, episode)
	}
	sort.Ints(out)
	return out, nil
}
