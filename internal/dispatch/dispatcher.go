package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"conveyor/internal/config"
	"conveyor/internal/logging"
)

var (
	// ErrNoWorkers means no encoder is connected at all.
	ErrNoWorkers = errors.New("no encoders connected")
	// ErrNoCapacity means every connected encoder is at declared capacity.
	// Callers retry later instead of queueing on a worker.
	ErrNoCapacity = errors.New("all encoders at capacity")

	errAtCapacity = errors.New("encoder at capacity")
)

// Settings controls connection liveness and write behaviour.
type Settings struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	RegisterTimeout   time.Duration
	AuthToken         string
}

// SettingsFromConfig converts the config section, guarding zero values.
func SettingsFromConfig(dc config.Dispatch) Settings {
	s := Settings{
		HeartbeatInterval: time.Duration(dc.HeartbeatInterval) * time.Second,
		HeartbeatTimeout:  time.Duration(dc.HeartbeatTimeout) * time.Second,
		WriteTimeout:      time.Duration(dc.WriteTimeout) * time.Second,
		AuthToken:         dc.AuthToken,
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		s.HeartbeatTimeout = 4 * s.HeartbeatInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.RegisterTimeout <= 0 {
		s.RegisterTimeout = 10 * time.Second
	}
	return s
}

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	CreateAssignment(ctx context.Context, a *Assignment) error
	SaveAssignment(ctx context.Context, a *Assignment) error
	AssignmentsByStatus(ctx context.Context, statuses ...AssignmentStatus) ([]*Assignment, error)
	OrphanAssignmentsForEncoder(ctx context.Context, encoderID, reason string) ([]*Assignment, error)
}

// Job is one transcode handed to Dispatch.
type Job struct {
	ItemID     int64
	SourcePath string
	OutputDir  string
	Profile    string
	Title      string
}

// WorkerInfo is a point-in-time view of one connected encoder.
type WorkerInfo struct {
	ID            string
	Remote        string
	Version       string
	Capacity      int
	InFlight      int
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Conn is the subset of *websocket.Conn the dispatcher uses; tests drive the
// dispatcher through an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type jobResult struct {
	assignment *Assignment
	err        error
}

type assignRequest struct {
	ctx   context.Context
	job   Job
	reply chan assignReply
}

type assignReply struct {
	assignment *Assignment
	result     chan jobResult
	err        error
}

type cancelRequest struct {
	jobID  string
	reason string
}

// worker is one connected encoder. Its supervisor goroutine is the only
// writer of mutable state; lastBeat and inFlight are atomics so the
// connection table and the sweeper can read them without entering the
// supervisor.
type worker struct {
	id          string
	capacity    int
	version     string
	remote      string
	connectedAt time.Time

	conn     Conn
	outbox   chan []byte
	inbox    chan Envelope
	requests chan assignRequest
	cancels  chan cancelRequest
	stop     chan string
	closed   chan struct{}

	lastBeat atomic.Int64
	inFlight atomic.Int32
}

func (w *worker) requestStop(reason string) {
	select {
	case w.stop <- reason:
	default:
	}
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:            w.id,
		Remote:        w.remote,
		Version:       w.version,
		Capacity:      w.capacity,
		InFlight:      int(w.inFlight.Load()),
		ConnectedAt:   w.connectedAt,
		LastHeartbeat: time.Unix(0, w.lastBeat.Load()).UTC(),
	}
}

// Dispatcher hands transcode jobs to connected encoders and tracks their
// liveness. One supervisor goroutine per worker owns that worker's state;
// the connection table serializes registration and removal per worker id.
type Dispatcher struct {
	store    Store
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	owners  map[string]*worker
	waiters map[string]chan jobResult

	// OnProgress, when set, observes job progress so item rows can follow.
	// Set before the first connection arrives.
	OnProgress func(itemID int64, jobID string, percent float64, message string)
	// OnEncoderEvent, when set, observes connects and disconnects. The
	// reason is empty for connects.
	OnEncoderEvent func(event string, info WorkerInfo, reason string)
}

// New builds a Dispatcher on the given persistence surface.
func New(store Store, settings Settings, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		settings: settings.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "dispatch"),
		workers:  make(map[string]*worker),
		owners:   make(map[string]*worker),
		waiters:  make(map[string]chan jobResult),
	}
}

// Run sweeps for stale heartbeats until ctx is cancelled, then disconnects
// every worker so their in-flight work is orphaned for retry.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-d.settings.HeartbeatTimeout)
			for _, w := range d.snapshot() {
				if time.Unix(0, w.lastBeat.Load()).Before(cutoff) {
					d.logger.Warn("encoder heartbeat stale",
						logging.String(logging.FieldEncoderID, w.id))
					w.requestStop("heartbeat timeout")
				}
			}
		}
	}
}

func (d *Dispatcher) shutdown() {
	workers := d.snapshot()
	for _, w := range workers {
		w.requestStop("daemon stopping")
	}
	deadline := time.After(5 * time.Second)
	for _, w := range workers {
		select {
		case <-w.closed:
		case <-deadline:
			return
		}
	}
}

// ReclaimStartupOrphans fails assignments left non-terminal by a previous
// process so the owning items can be retried. Call before accepting
// connections.
func (d *Dispatcher) ReclaimStartupOrphans(ctx context.Context) (int, error) {
	stale, err := d.store.AssignmentsByStatus(ctx, AssignmentPending, AssignmentRunning)
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		a.Status = AssignmentFailed
		a.Error = "orphaned by daemon restart"
		if err := d.store.SaveAssignment(ctx, a); err != nil {
			return 0, err
		}
		d.logger.Warn("reclaimed orphaned assignment",
			logging.String(logging.FieldJobID, a.ID),
			logging.Int64(logging.FieldItemID, a.ItemID),
			logging.String(logging.FieldEncoderID, a.EncoderID))
	}
	return len(stale), nil
}

// Workers lists connected encoders ordered by id.
func (d *Dispatcher) Workers() []WorkerInfo {
	workers := d.snapshot()
	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Dispatch assigns the job to the least-loaded encoder with spare capacity
// and blocks until the job finishes, fails, or ctx is cancelled.
// Cancellation sends job:cancel to the worker before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (*Assignment, error) {
	assignment, result, err := d.assign(ctx, job)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		if res.err != nil {
			return res.assignment, res.err
		}
		return res.assignment, nil
	case <-ctx.Done():
		d.Cancel(assignment.ID, "cancelled by orchestrator")
		return nil, ctx.Err()
	}
}

// Cancel asks the worker running jobID to abandon it. Returns false when the
// job is not in flight.
func (d *Dispatcher) Cancel(jobID, reason string) bool {
	d.mu.Lock()
	w := d.owners[jobID]
	d.mu.Unlock()
	if w == nil {
		return false
	}
	select {
	case w.cancels <- cancelRequest{jobID: jobID, reason: reason}:
		return true
	case <-w.closed:
		return false
	}
}

func (d *Dispatcher) assign(ctx context.Context, job Job) (*Assignment, chan jobResult, error) {
	candidates, total := d.candidates()
	if total == 0 {
		return nil, nil, ErrNoWorkers
	}
	for _, w := range candidates {
		req := assignRequest{ctx: ctx, job: job, reply: make(chan assignReply, 1)}
		select {
		case w.requests <- req:
		case <-w.closed:
			continue
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		select {
		case rep := <-req.reply:
			if rep.err == nil {
				return rep.assignment, rep.result, nil
			}
			if !errors.Is(rep.err, errAtCapacity) {
				return nil, nil, rep.err
			}
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, ErrNoCapacity
}

// candidates returns workers with spare capacity, least loaded first, plus
// the total worker count. Load reads are advisory; the supervisor re-checks
// capacity authoritatively.
func (d *Dispatcher) candidates() ([]*worker, int) {
	workers := d.snapshot()
	eligible := make([]*worker, 0, len(workers))
	for _, w := range workers {
		if int(w.inFlight.Load()) < w.capacity {
			eligible = append(eligible, w)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		li, lj := eligible[i].inFlight.Load(), eligible[j].inFlight.Load()
		if li != lj {
			return li < lj
		}
		return eligible[i].id < eligible[j].id
	})
	return eligible, len(workers)
}

func (d *Dispatcher) snapshot() []*worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	return workers
}

// HandleConn takes ownership of a freshly upgraded connection. The first
// frame must be a valid register; anything else drops the connection with
// no identity established.
func (d *Dispatcher) HandleConn(conn Conn, remote string) {
	_ = conn.SetReadDeadline(time.Now().Add(d.settings.RegisterTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	env, err := Decode(raw)
	if err != nil || env.Type != TypeRegister {
		d.logger.Warn("dropping connection: first message is not register",
			logging.String("remote", remote))
		_ = conn.Close()
		return
	}
	var reg RegisterPayload
	if err := DecodePayload(env, &reg); err != nil || strings.TrimSpace(reg.WorkerID) == "" || reg.Capacity < 1 {
		d.logger.Warn("dropping connection: malformed register",
			logging.String("remote", remote), logging.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	now := time.Now()
	w := &worker{
		id:          strings.TrimSpace(reg.WorkerID),
		capacity:    reg.Capacity,
		version:     reg.Version,
		remote:      remote,
		connectedAt: now.UTC(),
		conn:        conn,
		outbox:      make(chan []byte, 32),
		inbox:       make(chan Envelope),
		requests:    make(chan assignRequest),
		cancels:     make(chan cancelRequest, 4),
		stop:        make(chan string, 1),
		closed:      make(chan struct{}),
	}
	w.lastBeat.Store(now.UnixNano())

	ack, err := Encode(TypeRegistered, RegisteredPayload{
		HeartbeatSeconds: int(d.settings.HeartbeatInterval / time.Second),
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	w.outbox <- ack

	d.mu.Lock()
	prev := d.workers[w.id]
	d.workers[w.id] = w
	d.mu.Unlock()
	if prev != nil {
		// A reconnect replaces the old connection; its in-flight work is
		// orphaned because job state cannot be resynced mid-run.
		d.logger.Warn("encoder reconnected, superseding previous connection",
			logging.String(logging.FieldEncoderID, w.id))
		prev.requestStop("superseded by new connection")
	}

	go d.supervise(w)
	go d.readPump(w)
	go d.writePump(w)

	d.logger.Info("encoder connected",
		logging.String(logging.FieldEncoderID, w.id),
		logging.Int("capacity", w.capacity),
		logging.String("remote", remote))
	if d.OnEncoderEvent != nil {
		d.OnEncoderEvent("connected", w.info(), "")
	}
}

func (d *Dispatcher) readPump(w *worker) {
	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			w.requestStop(fmt.Sprintf("read failed: %v", err))
			return
		}
		env, err := Decode(raw)
		if err != nil {
			d.logger.Warn("discarding malformed frame",
				logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
			continue
		}
		select {
		case w.inbox <- env:
		case <-w.closed:
			return
		}
	}
}

func (d *Dispatcher) writePump(w *worker) {
	for {
		select {
		case frame := <-w.outbox:
			_ = w.conn.SetWriteDeadline(time.Now().Add(d.settings.WriteTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.requestStop(fmt.Sprintf("write failed: %v", err))
				return
			}
		case <-w.closed:
			return
		}
	}
}

// send queues a frame without blocking the supervisor. A full outbox means
// the connection stopped draining; the worker is stopped rather than letting
// the supervisor wedge.
func (d *Dispatcher) send(w *worker, msgType string, payload any) bool {
	frame, err := Encode(msgType, payload)
	if err != nil {
		d.logger.Error("encode frame failed",
			logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
		return false
	}
	select {
	case w.outbox <- frame:
		return true
	default:
		w.requestStop("outbox overflow")
		return false
	}
}

func (d *Dispatcher) supervise(w *worker) {
	defer close(w.closed)
	jobs := make(map[string]*Assignment)
	lastSaved := make(map[string]time.Time)
	for {
		select {
		case env := <-w.inbox:
			w.lastBeat.Store(time.Now().UnixNano())
			d.handleInbound(w, jobs, lastSaved, env)
		case req := <-w.requests:
			d.handleAssign(w, jobs, req)
		case c := <-w.cancels:
			d.handleCancel(w, jobs, c)
		case reason := <-w.stop:
			d.teardown(w, jobs, reason)
			return
		}
	}
}

func (d *Dispatcher) handleAssign(w *worker, jobs map[string]*Assignment, req assignRequest) {
	if len(jobs) >= w.capacity {
		req.reply <- assignReply{err: errAtCapacity}
		return
	}
	a := NewAssignment(req.job.ItemID, w.id, time.Now().UTC())
	a.Status = AssignmentRunning
	if err := d.store.CreateAssignment(req.ctx, a); err != nil {
		req.reply <- assignReply{err: fmt.Errorf("persist assignment: %w", err)}
		return
	}

	result := make(chan jobResult, 1)
	d.mu.Lock()
	d.owners[a.ID] = w
	d.waiters[a.ID] = result
	d.mu.Unlock()

	jobs[a.ID] = a
	w.inFlight.Store(int32(len(jobs)))
	if !d.send(w, TypeJobAssign, JobAssignPayload{
		JobID:      a.ID,
		ItemID:     req.job.ItemID,
		SourcePath: req.job.SourcePath,
		OutputDir:  req.job.OutputDir,
		Profile:    req.job.Profile,
		Title:      req.job.Title,
	}) {
		d.failJob(w, jobs, a, "worker connection unavailable")
		req.reply <- assignReply{err: errors.New("worker connection unavailable")}
		return
	}

	d.logger.Info("job assigned",
		logging.String(logging.FieldJobID, a.ID),
		logging.Int64(logging.FieldItemID, a.ItemID),
		logging.String(logging.FieldEncoderID, w.id))
	req.reply <- assignReply{assignment: a, result: result}
}

func (d *Dispatcher) handleCancel(w *worker, jobs map[string]*Assignment, c cancelRequest) {
	a, ok := jobs[c.jobID]
	if !ok {
		return
	}
	d.send(w, TypeJobCancel, JobCancelPayload{JobID: c.jobID, Reason: c.reason})
	d.failJob(w, jobs, a, "cancelled: "+c.reason)
	d.logger.Info("job cancelled",
		logging.String(logging.FieldJobID, c.jobID),
		logging.String(logging.FieldEncoderID, w.id),
		logging.String("reason", c.reason))
}

const progressSaveInterval = 2 * time.Second

func (d *Dispatcher) handleInbound(w *worker, jobs map[string]*Assignment, lastSaved map[string]time.Time, env Envelope) {
	switch env.Type {
	case TypeHeartbeat:
		// Liveness already recorded by the supervisor loop.

	case TypeJobProgress:
		var p JobProgressPayload
		if err := DecodePayload(env, &p); err != nil {
			d.logger.Warn("bad progress payload",
				logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
			return
		}
		a, ok := jobs[p.JobID]
		if !ok {
			return
		}
		a.ProgressPercent = p.Percent
		if time.Since(lastSaved[p.JobID]) >= progressSaveInterval {
			if err := d.saveAssignment(a); err != nil {
				d.logger.Warn("persist progress failed",
					logging.String(logging.FieldJobID, p.JobID), logging.Error(err))
			} else {
				lastSaved[p.JobID] = time.Now()
			}
		}
		if d.OnProgress != nil {
			d.OnProgress(a.ItemID, a.ID, p.Percent, p.Message)
		}

	case TypeJobCompleted:
		var p JobCompletedPayload
		if err := DecodePayload(env, &p); err != nil {
			d.logger.Warn("bad completion payload",
				logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
			return
		}
		a, ok := jobs[p.JobID]
		if !ok {
			return
		}
		a.Status = AssignmentCompleted
		a.ProgressPercent = 100
		a.OutputPath = p.OutputPath
		a.OutputSize = p.OutputSize
		if err := d.saveAssignment(a); err != nil {
			d.logger.Error("persist completion failed",
				logging.String(logging.FieldJobID, p.JobID), logging.Error(err))
		}
		delete(jobs, p.JobID)
		delete(lastSaved, p.JobID)
		w.inFlight.Store(int32(len(jobs)))
		d.logger.Info("job completed",
			logging.String(logging.FieldJobID, p.JobID),
			logging.String(logging.FieldEncoderID, w.id),
			logging.String("output", p.OutputPath))
		d.resolve(a.ID, jobResult{assignment: a})

	case TypeJobFailed:
		var p JobFailedPayload
		if err := DecodePayload(env, &p); err != nil {
			d.logger.Warn("bad failure payload",
				logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
			return
		}
		a, ok := jobs[p.JobID]
		if !ok {
			return
		}
		d.failJob(w, jobs, a, p.Error)
		delete(lastSaved, p.JobID)
		d.logger.Warn("job failed",
			logging.String(logging.FieldJobID, p.JobID),
			logging.String(logging.FieldEncoderID, w.id),
			logging.String("error", p.Error))

	case TypeRegister:
		d.logger.Warn("ignoring duplicate register",
			logging.String(logging.FieldEncoderID, w.id))

	default:
		d.logger.Warn("ignoring unknown message type",
			logging.String(logging.FieldEncoderID, w.id),
			logging.String("type", env.Type))
	}
}

// failJob marks an in-flight assignment failed and resolves its waiter.
// Runs on the supervisor goroutine.
func (d *Dispatcher) failJob(w *worker, jobs map[string]*Assignment, a *Assignment, message string) {
	a.Status = AssignmentFailed
	a.Error = message
	if err := d.saveAssignment(a); err != nil {
		d.logger.Error("persist failure failed",
			logging.String(logging.FieldJobID, a.ID), logging.Error(err))
	}
	delete(jobs, a.ID)
	w.inFlight.Store(int32(len(jobs)))
	d.resolve(a.ID, jobResult{assignment: a, err: errors.New(message)})
}

func (d *Dispatcher) teardown(w *worker, jobs map[string]*Assignment, reason string) {
	_ = w.conn.Close()

	d.mu.Lock()
	owned := d.workers[w.id] == w
	if owned {
		delete(d.workers, w.id)
	}
	d.mu.Unlock()

	var orphans []*Assignment
	if owned {
		// Sweep the store so rows this supervisor lost track of (earlier
		// process, missed frames) are failed too.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		orphans, err = d.store.OrphanAssignmentsForEncoder(ctx, w.id, reason)
		if err != nil {
			d.logger.Error("orphan resolution failed",
				logging.String(logging.FieldEncoderID, w.id), logging.Error(err))
			for _, a := range jobs {
				orphans = append(orphans, a)
			}
		}
	} else {
		// Superseded by a reconnect: fail only this connection's jobs so
		// the replacement's fresh assignments are untouched.
		for _, a := range jobs {
			a.Status = AssignmentFailed
			a.Error = reason
			if err := d.saveAssignment(a); err != nil {
				d.logger.Error("persist failure failed",
					logging.String(logging.FieldJobID, a.ID), logging.Error(err))
			}
			orphans = append(orphans, a)
		}
	}
	for _, a := range orphans {
		d.resolve(a.ID, jobResult{
			assignment: a,
			err:        fmt.Errorf("encoder %s: %s", w.id, reason),
		})
	}
	w.inFlight.Store(0)

	d.logger.Info("encoder disconnected",
		logging.String(logging.FieldEncoderID, w.id),
		logging.String("reason", reason),
		logging.Int("orphaned", len(orphans)))
	if d.OnEncoderEvent != nil {
		d.OnEncoderEvent("disconnected", w.info(), reason)
	}
}

func (d *Dispatcher) saveAssignment(a *Assignment) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.store.SaveAssignment(ctx, a)
}

// resolve delivers the terminal result for a job and forgets it. Safe to
// call more than once; only the first delivery lands.
func (d *Dispatcher) resolve(jobID string, res jobResult) {
	d.mu.Lock()
	ch, ok := d.waiters[jobID]
	if ok {
		delete(d.waiters, jobID)
	}
	delete(d.owners, jobID)
	d.mu.Unlock()
	if ok {
		ch <- res
	}
}
