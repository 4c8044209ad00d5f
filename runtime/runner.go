package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/taskgraph/types"
)

const idleInterval = 5 * time.Millisecond

/**
 * resultRunner drains task results submitted for many runs. Results of one
 * run are applied by at most one job at a time and in submission order, jobs
 * of different runs share the worker pool.
 */
type resultRunner struct {
	mu sync.Mutex

	engine  *Engine
	wp      *workerpool.WorkerPool
	queues  map[int64]*runQueue
	running atomic.Bool
	stopped atomic.Bool
	exitCh  chan struct{}
	cancel  context.CancelFunc
}

type runQueue struct {
	pending []types.TaskResult
	busy    bool
	lastErr error
}

func newResultRunner(engine *Engine, concurrency int) *resultRunner {
	return &resultRunner{
		engine: engine,
		wp:     workerpool.New(concurrency),
		queues: make(map[int64]*runQueue),
	}
}

func (r *resultRunner) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.running.Store(true)
	r.exitCh = make(chan struct{})

	go func() {
		defer close(r.exitCh)
		for r.running.Load() {
			if err := r.runOnce(ctx); err != nil {
				log.Errorf("failed to apply submitted results: %v", err)
			}
			time.Sleep(idleInterval)
		}
	}()
}

func (r *resultRunner) submit(runID int64, results []types.TaskResult) error {
	if r.stopped.Load() {
		return errors.Forbiddenf("submit results of run %d to a closed engine", runID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, exists := r.queues[runID]
	if !exists {
		q = &runQueue{}
		r.queues[runID] = q
	}
	q.pending = append(q.pending, results...)
	return nil
}

// take hands out the pending results of every idle run.
func (r *resultRunner) take() map[int64][]types.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	batches := make(map[int64][]types.TaskResult)
	for runID, q := range r.queues {
		if q.busy || len(q.pending) == 0 {
			continue
		}
		q.busy = true
		batches[runID] = q.pending
		q.pending = nil
	}
	return batches
}

func (r *resultRunner) finish(runID int64, requeue []types.TaskResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, exists := r.queues[runID]
	if !exists {
		return
	}
	q.busy = false
	q.lastErr = err
	if len(requeue) > 0 {
		q.pending = append(requeue, q.pending...)
	}
	if len(q.pending) == 0 && err == nil {
		delete(r.queues, runID)
	}
}

// runOnce applies one batch per run and waits until all of them are done.
// Only the first failure is returned, every failure is logged.
func (r *resultRunner) runOnce(ctx context.Context) error {
	if r.stopped.Load() {
		return errors.Forbiddenf("run a closed engine")
	}
	batches := r.take()
	if len(batches) == 0 {
		return nil
	}

	var mu sync.Mutex
	var retErr error
	wg := sync.WaitGroup{}
	for runID, batch := range batches {
		runID, batch := runID, batch
		wg.Add(1)
		r.wp.Submit(func() {
			defer wg.Done()

			requeue, err := r.apply(ctx, runID, batch)
			r.finish(runID, requeue, err)
			if err != nil {
				mu.Lock()
				if retErr == nil {
					retErr = errors.Annotatef(err, "run %d", runID)
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return retErr
}

// apply returns the batch back when it lost against a concurrent writer,
// the next round reloads the run and retries.
func (r *resultRunner) apply(ctx context.Context, runID int64, batch []types.TaskResult) ([]types.TaskResult, error) {
	var result *ApplyResult
	err := r.engine.WithRunLock(ctx, runID, func(ctx context.Context) error {
		var err error
		result, err = r.engine.ApplyTaskResults(ctx, runID, batch)
		return err
	})
	if err != nil {
		log.Errorf("run %d: failed to apply %d results: %v", runID, len(batch), err)
		return nil, errors.Trace(err)
	}
	if result.Status == types.SaveVersionConflict {
		return batch, nil
	}
	for _, skipped := range result.Skipped {
		log.Debugf("run %d: task #%d skipped by cascade", runID, skipped.TaskID)
	}
	return nil, nil
}

// lastError returns the error of the last batch of runID, if its queue is still known.
func (r *resultRunner) lastError(runID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, exists := r.queues[runID]; exists {
		return q.lastErr
	}
	return nil
}

func (r *resultRunner) pendingCount(runID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, exists := r.queues[runID]; exists {
		return len(q.pending)
	}
	return 0
}

func (r *resultRunner) forget(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, exists := r.queues[runID]; exists && !q.busy {
		delete(r.queues, runID)
	}
}

func (r *resultRunner) stopWait() {
	if r.running.Swap(false) {
		r.cancel()
		<-r.exitCh
	}
	if r.stopped.Swap(true) {
		return
	}
	r.wp.StopWait()
}
