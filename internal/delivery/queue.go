package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conveyor/internal/logging"
	"conveyor/internal/media"
)

// Store is the slice of persistence the queue needs to settle items.
type Store interface {
	GetItem(ctx context.Context, id int64) (*media.Item, error)
	UpdateItem(ctx context.Context, item *media.Item) error
	ItemsByRequest(ctx context.Context, requestID int64) ([]*media.Item, error)
}

// Pair is one (target, profile) the job fans out to.
type Pair struct {
	Target  string
	Profile string
}

// Job is one item's artifact and where it should go.
type Job struct {
	ItemID     int64
	SourcePath string
	Pairs      []Pair
}

// PairResult is the outcome of one fan-out leg.
type PairResult struct {
	Target   string
	Profile  string
	Location string
	Err      string
}

// Result collects the fan-out outcomes for one job. Err is set only when no
// leg succeeded.
type Result struct {
	Pairs []PairResult
	Err   error
}

// Delivered returns the legs that landed.
func (r Result) Delivered() []PairResult {
	out := make([]PairResult, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		if p.Err == "" {
			out = append(out, p)
		}
	}
	return out
}

// Ticket tracks one queued delivery. Duplicate enqueues for the same item
// share a ticket, so every waiter observes the single outcome.
type Ticket struct {
	job    Job
	done   chan struct{}
	result Result
}

// Wait blocks until the delivery settles or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Queue drains delivery jobs through a fixed pool of workers. Enqueue is
// idempotent per item id while that item is queued or in flight.
type Queue struct {
	store   Store
	targets map[string]Target
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	backlog []*Ticket
	pending map[int64]*Ticket
	wake    chan struct{}

	// OnLegFinished, when set, observes every fan-out leg. Set before Run.
	OnLegFinished func(target string, ok bool)
}

// New builds a queue over the given targets. workers <= 0 falls back to 2.
func New(store Store, targets map[string]Target, workers int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 2
	}
	return &Queue{
		store:   store,
		targets: targets,
		workers: workers,
		logger:  logging.NewComponentLogger(logger, "delivery"),
		pending: make(map[int64]*Ticket),
		wake:    make(chan struct{}, workers),
	}
}

// Run blocks draining the queue until ctx is cancelled, then returns after
// in-flight deliveries settle.
func (q *Queue) Run(ctx context.Context) error {
	var group errgroup.Group
	for i := 0; i < q.workers; i++ {
		group.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	return group.Wait()
}

// Enqueue adds a job unless its item is already queued or in flight, in
// which case the existing ticket is returned and added reports false.
func (q *Queue) Enqueue(job Job) (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.pending[job.ItemID]; ok {
		return t, false
	}
	t := &Ticket{job: job, done: make(chan struct{})}
	q.pending[job.ItemID] = t
	q.backlog = append(q.backlog, t)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t, true
}

// Depth reports queued and in-flight job counts.
func (q *Queue) Depth() (queued, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog), len(q.pending) - len(q.backlog)
}

func (q *Queue) worker(ctx context.Context) {
	for {
		t := q.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.process(ctx, t)
	}
}

func (q *Queue) next() *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil
	}
	t := q.backlog[0]
	q.backlog = q.backlog[1:]
	return t
}

func (q *Queue) process(ctx context.Context, t *Ticket) {
	res := q.fanOut(ctx, t.job)
	q.settle(t.job, res)

	q.mu.Lock()
	delete(q.pending, t.job.ItemID)
	q.mu.Unlock()

	t.result = res
	close(t.done)
}

// fanOut runs every (target, profile) leg in declared order. Legs are
// sequential so one slow target cannot multiply a worker's concurrency.
func (q *Queue) fanOut(ctx context.Context, job Job) Result {
	res := Result{Pairs: make([]PairResult, 0, len(job.Pairs))}
	for _, pair := range job.Pairs {
		pr := PairResult{Target: pair.Target, Profile: pair.Profile}
		target, ok := q.targets[pair.Target]
		if !ok {
			pr.Err = fmt.Sprintf("unknown delivery target %q", pair.Target)
			if q.OnLegFinished != nil {
				q.OnLegFinished(pair.Target, false)
			}
			res.Pairs = append(res.Pairs, pr)
			continue
		}
		location, err := target.Deliver(ctx, job.SourcePath, pair.Profile)
		if err != nil {
			pr.Err = err.Error()
			q.logger.Warn("delivery leg failed",
				logging.Int64(logging.FieldItemID, job.ItemID),
				logging.String(logging.FieldTarget, pair.Target),
				logging.Error(err))
		} else {
			pr.Location = location
		}
		if q.OnLegFinished != nil {
			q.OnLegFinished(pair.Target, pr.Err == "")
		}
		res.Pairs = append(res.Pairs, pr)
	}
	if len(res.Delivered()) == 0 {
		detail := "no delivery targets configured"
		for _, p := range res.Pairs {
			if p.Err != "" {
				detail = p.Err
				break
			}
		}
		res.Err = fmt.Errorf("all %d delivery legs failed: %s", len(res.Pairs), detail)
	}
	return res
}

// settle updates the owning item after a successful job and logs the
// request's recomputed aggregate. Failed jobs are left to the deliver step's
// failure path so a single retry machinery applies.
func (q *Queue) settle(job Job, res Result) {
	if res.Err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item, err := q.store.GetItem(ctx, job.ItemID)
	if err != nil {
		q.logger.Warn("load delivered item", logging.Int64(logging.FieldItemID, job.ItemID), logging.Error(err))
		return
	}
	now := time.Now().UTC()
	item.Status = media.StatusDelivered
	item.DeliveredAt = &now
	item.SetProgress(fmt.Sprintf("delivered to %d target(s)", len(res.Delivered())), 100)
	item.LastHeartbeat = nil
	item.RetryAt = nil
	item.SkipUntil = nil
	if err := q.store.UpdateItem(ctx, item); err != nil {
		q.logger.Warn("persist delivered item", logging.Int64(logging.FieldItemID, job.ItemID), logging.Error(err))
		return
	}

	items, err := q.store.ItemsByRequest(ctx, item.RequestID)
	if err != nil {
		q.logger.Warn("load request items", logging.Int64(logging.FieldItemID, job.ItemID), logging.Error(err))
		return
	}
	flat := make([]media.Item, 0, len(items))
	for _, it := range items {
		flat = append(flat, *it)
	}
	q.logger.Info("item delivered",
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String("request_status", string(media.ComputeRequestStatus(flat))),
		logging.Int("targets", len(res.Delivered())))
}
