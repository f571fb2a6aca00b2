package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/pipeline"
	"conveyor/internal/services"
	"conveyor/internal/step"
)

// persistTimeout bounds the fresh background contexts used for finalization
// writes; the walk context may already be cancelled when they run.
const persistTimeout = 5 * time.Second

// walkStop says how a walk (or subtree) ended.
type walkStop int

const (
	stopNone walkStop = iota
	stopHalt
	stopPause
	stopFailed
	stopRetryWait
	stopInterrupted
	// stopFailure is a step failure that has not been through retry
	// settlement yet. It never escapes run.
	stopFailure
)

// walkResult carries a stop out of the walk. stopAt names the node the
// cursor should point at for pause and retry-wait stops.
type walkResult struct {
	stop   walkStop
	stopAt string
	err    error

	failedNode *pipeline.Node
	failedRes  step.Result
}

// mergeFunc receives one successful step's output under its category.
type mergeFunc func(category string, data map[string]any)

// pendingMerge buffers a parallel branch's context write for ordered replay
// after the group joins.
type pendingMerge struct {
	category string
	data     map[string]any
}

// walker holds the mutable state of one template walk. The sequence counter
// is atomic because parallel branches append step records concurrently.
type walker struct {
	e      *Executor
	exec   *pipeline.Execution
	tpl    *pipeline.Template
	seq    atomic.Int64
	logger *slog.Logger
}

// startIndex resolves the persisted cursor to an arena index. An empty
// cursor starts at the first root; -1 means the template has no steps.
func (w *walker) startIndex() (int, bool) {
	if w.exec.Cursor == "" {
		return w.tpl.First(), true
	}
	idx, ok := w.tpl.IndexOf(w.exec.Cursor)
	return idx, ok
}

// run walks the arena from start until it falls off the end or a node stops
// it. Cursor and context are persisted after every node so a restart resumes
// at the next unvisited step.
func (w *walker) run(ctx context.Context, start int) walkResult {
	idx := start
	for idx != -1 {
		if ctx.Err() != nil {
			return walkResult{stop: stopInterrupted}
		}
		next, res := w.visit(ctx, idx, w.exec.Context, w.exec.Context.Merge, 0, w.tpl.Len())
		if res.stop == stopFailure {
			res = w.settle(res.failedNode, res.failedRes)
		}
		if res.stop != stopNone {
			return res
		}
		w.advance(next)
		idx = next
	}
	return walkResult{stop: stopNone}
}

// advance moves the cursor to the next node and persists the execution. The
// final advance is left to the finalizer: keeping the last node in the cursor
// means a crash before the terminal save replays one step, not the walk.
func (w *walker) advance(next int) {
	if next == -1 {
		return
	}
	w.exec.Cursor = w.tpl.Node(next).Name
	w.save()
}

// save persists the execution on a fresh context so checkpoints survive walk
// cancellation.
func (w *walker) save() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.e.store.SaveExecution(ctx, w.exec); err != nil {
		w.logger.Warn("persist execution", logging.Error(err))
	}
}

// visit runs the node at idx and returns the index of the next node to walk,
// or -1 with a non-none result when the walk must stop. evalCtx is the
// context steps and conditions see; merge receives successful output.
// jumpLo and jumpHi bound legal jump targets so a parallel branch cannot
// redirect outside its own subtree.
func (w *walker) visit(ctx context.Context, idx int, evalCtx *pipeline.Context, merge mergeFunc, jumpLo, jumpHi int) (int, walkResult) {
	node := w.tpl.Node(idx)
	logger := w.logger.With(
		logging.String(logging.FieldStep, node.Name),
		logging.String(logging.FieldStepType, node.Type),
	)

	if node.Condition != nil {
		pass, err := node.Condition.Evaluate(evalCtx)
		if err != nil {
			now := time.Now().UTC()
			w.record(node, pipeline.StepFailed, err.Error(), now, now)
			return -1, walkResult{stop: stopFailed, err: services.Wrap(services.ErrConfiguration, "executor", "evaluate condition", fmt.Sprintf("step %s", node.Name), err)}
		}
		if !pass {
			now := time.Now().UTC()
			w.record(node, pipeline.StepSkipped, "condition not met", now, now)
			logger.Debug("step skipped", logging.String("reason", "condition not met"))
			return w.tpl.NextSkippingChildren(idx), walkResult{}
		}
	}

	impl, err := w.e.registry.Get(node.Type)
	if err != nil {
		now := time.Now().UTC()
		w.record(node, pipeline.StepFailed, err.Error(), now, now)
		return -1, walkResult{stop: stopFailed, err: services.Wrap(services.ErrConfiguration, "executor", "resolve step", fmt.Sprintf("step %s", node.Name), err)}
	}

	started := time.Now().UTC()
	res := w.invoke(ctx, impl, node, evalCtx)
	finished := time.Now().UTC()

	switch res.Kind {
	case step.KindSuccess:
		merge(node.Type, res.Data)
		w.record(node, pipeline.StepSucceeded, "", started, finished)
		if res.Halt {
			logger.Info("step halted the walk")
			return -1, walkResult{stop: stopHalt}
		}
		if res.Jump != "" {
			target, ok := w.tpl.IndexOf(res.Jump)
			if !ok {
				return -1, walkResult{stop: stopFailed, err: services.Wrap(services.ErrConfiguration, "executor", "resolve jump", fmt.Sprintf("step %s jumps to unknown step %q", node.Name, res.Jump), nil)}
			}
			if target < jumpLo || target >= jumpHi {
				return -1, walkResult{stop: stopFailed, err: services.Wrap(services.ErrConfiguration, "executor", "resolve jump", fmt.Sprintf("step %s jumps outside its branch to %q", node.Name, res.Jump), nil)}
			}
			logger.Info("step redirected the walk", logging.String("next", res.Jump))
			return target, walkResult{}
		}
		if node.Parallel {
			return w.visitParallel(ctx, idx, node, evalCtx, merge)
		}
		return w.tpl.Next(idx), walkResult{}

	case step.KindSkip:
		w.record(node, pipeline.StepSkipped, res.Reason, started, finished)
		logger.Debug("step skipped", logging.String("reason", res.Reason))
		if node.Parallel {
			return w.visitParallel(ctx, idx, node, evalCtx, merge)
		}
		return w.tpl.Next(idx), walkResult{}

	case step.KindPause:
		w.record(node, pipeline.StepPaused, res.Reason, started, finished)
		logger.Info("step paused the execution", logging.String("reason", res.Reason))
		return -1, walkResult{stop: stopPause, stopAt: node.Name}

	default:
		// A cancelled walk surfaces through steps as failures; report it as
		// an interruption so shutdown never marks work failed.
		if ctx.Err() != nil {
			return -1, walkResult{stop: stopInterrupted}
		}
		stepErr := res.Err
		if stepErr == nil {
			stepErr = fmt.Errorf("step %s reported %q with no error", node.Name, res.Kind)
		}
		w.record(node, pipeline.StepFailed, stepErr.Error(), started, finished)
		if node.ContinueOnError || !node.Required {
			logger.Warn("step failed, continuing", logging.Error(stepErr))
			return w.tpl.NextSkippingChildren(idx), walkResult{}
		}
		res.Err = stepErr
		return -1, walkResult{stop: stopFailure, failedNode: node, failedRes: res}
	}
}

// invoke runs one step, applying the node's timeout. A deadline that fires
// while the walk itself is still live is reported as a timeout failure; a
// bare error from Execute is treated as a retryable failure.
func (w *walker) invoke(ctx context.Context, impl step.Step, node *pipeline.Node, evalCtx *pipeline.Context) step.Result {
	stepCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	res, err := impl.Execute(stepCtx, evalCtx, node.Config)

	if node.Timeout > 0 && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		timeoutErr := services.Wrap(services.ErrTimeout, "executor", "run step", fmt.Sprintf("step %s exceeded its %s timeout", node.Name, node.Timeout), nil)
		return step.Result{Kind: step.KindFailure, Err: timeoutErr, Retry: true, Service: res.Service}
	}
	if err != nil && res.Kind != step.KindFailure {
		return step.Fail(err, true)
	}
	if err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}

// visitParallel runs the node's direct children concurrently. Each branch
// walks its own subtree against a context snapshot, buffering merges; after
// the group joins the buffers replay in declaration order so the combined
// context is deterministic.
func (w *walker) visitParallel(ctx context.Context, idx int, node *pipeline.Node, evalCtx *pipeline.Context, merge mergeFunc) (int, walkResult) {
	children := node.Children
	results := make([]walkResult, len(children))
	buffers := make([][]pendingMerge, len(children))

	var group errgroup.Group
	for i, childIdx := range children {
		i, childIdx := i, childIdx
		group.Go(func() error {
			buffers[i], results[i] = w.runBranch(ctx, childIdx, evalCtx)
			return nil
		})
	}
	_ = group.Wait()

	for _, buffer := range buffers {
		for _, m := range buffer {
			merge(m.category, m.data)
		}
	}

	if ctx.Err() != nil {
		return -1, walkResult{stop: stopInterrupted}
	}
	// Branches do not cancel each other, so several can stop at once. The
	// hardest stop wins; among equals the first declared branch does.
	for _, priority := range []walkStop{stopFailed, stopFailure, stopPause, stopHalt} {
		for _, res := range results {
			if res.stop == priority {
				return -1, res
			}
		}
	}
	return w.tpl.NextSkippingChildren(idx), walkResult{}
}

// runBranch walks the subtree rooted at root for one parallel branch. The
// arena is in depth-first order, so the subtree is the contiguous index
// range [root, limit).
func (w *walker) runBranch(ctx context.Context, root int, base *pipeline.Context) ([]pendingMerge, walkResult) {
	snapshot := base.Clone()
	var merges []pendingMerge
	merge := func(category string, data map[string]any) {
		snapshot.Merge(category, data)
		merges = append(merges, pendingMerge{category: category, data: data})
	}

	limit := w.tpl.NextSkippingChildren(root)
	if limit == -1 {
		limit = w.tpl.Len()
	}
	idx := root
	for idx != -1 && idx < limit {
		if ctx.Err() != nil {
			return merges, walkResult{stop: stopInterrupted}
		}
		next, res := w.visit(ctx, idx, snapshot, merge, root, limit)
		if res.stop != stopNone {
			return merges, res
		}
		idx = next
	}
	return merges, walkResult{stop: stopNone}
}

// settle decides what a required step failure means for the execution. Every
// live item gets its own retry decision; if any retry lands the execution
// stays RUNNING with the cursor parked on the failed node for the sweeper,
// otherwise items are finalized and the execution fails.
func (w *walker) settle(node *pipeline.Node, res step.Result) walkResult {
	stepErr := res.Err
	wrapped := fmt.Errorf("step %s: %w", node.Name, stepErr)
	logger := w.logger.With(
		logging.String(logging.FieldStep, node.Name),
		logging.String(logging.FieldStepType, node.Type),
	)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	items, err := w.e.store.ItemsByRequest(ctx, w.exec.RequestID)
	if err != nil {
		logger.Warn("load items for failure handling", logging.Error(err))
	}

	// A failure settles only the items the step was driving when it broke:
	// siblings it already moved past (a found episode while others are still
	// searching, a staged file while another copy failed) keep their state.
	// When the step failed before marking anything in flight, the schedule
	// applies to every live item.
	inFlight := make([]*media.Item, 0, len(items))
	live := make([]*media.Item, 0, len(items))
	for _, item := range items {
		if item.IsTerminal() || item.Status == media.StatusReview {
			continue
		}
		live = append(live, item)
		if item.IsProcessing() || item.Awaiting() {
			inFlight = append(inFlight, item)
		}
	}
	targets := inFlight
	if len(targets) == 0 {
		targets = live
	}

	retryable := node.Retryable && res.Retry
	now := time.Now().UTC()
	scheduled := 0
	for _, item := range targets {
		if !retryable {
			w.e.failItem(ctx, item, stepErr, logger)
			continue
		}
		decision := w.e.strategy.Decide(ctx, item, stepErr, res.Service)
		if !decision.ShouldRetry {
			w.e.failItem(ctx, item, stepErr, logger)
			continue
		}
		if decision.CountsAttempt {
			item.RecordError(now, stepErr.Error(), string(decision.Class))
		}
		item.RetryAt, item.SkipUntil = nil, nil
		if decision.Deferred() {
			until := decision.SkipUntil
			item.SkipUntil = &until
		} else {
			at := decision.RetryAt
			item.RetryAt = &at
		}
		item.SetProgress(decision.Reason, item.ProgressPercent)
		if err := w.e.store.UpdateItem(ctx, item); err != nil {
			logger.Warn("schedule item retry", logging.Int64(logging.FieldItemID, item.ID), logging.Error(err))
			continue
		}
		scheduled++
		logger.Info("item retry scheduled",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.String("class", string(decision.Class)),
			logging.String("reason", decision.Reason),
		)
	}

	if scheduled > 0 {
		return walkResult{stop: stopRetryWait, stopAt: node.Name, err: wrapped}
	}
	return walkResult{stop: stopFailed, err: wrapped}
}

// record appends the observability row for one node visit. Records are
// written on a fresh context so a cancelled walk still leaves its trail.
func (w *walker) record(node *pipeline.Node, outcome pipeline.StepOutcome, detail string, started, finished time.Time) {
	rec := &pipeline.StepRecord{
		ExecutionID: w.exec.ID,
		StepName:    node.Name,
		StepType:    node.Type,
		Sequence:    int(w.seq.Add(1)),
		Outcome:     outcome,
		Error:       detail,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.e.store.AppendStepRecord(ctx, rec); err != nil {
		w.logger.Warn("append step record", logging.String(logging.FieldStep, node.Name), logging.Error(err))
	}
	if w.e.OnStepObserved != nil {
		w.e.OnStepObserved(node.Type, outcome, finished.Sub(started))
	}
}
