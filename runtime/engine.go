package runtime

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/taskgraph/graph"
	"github.com/warriorguo/taskgraph/guard"
	"github.com/warriorguo/taskgraph/store"
	"github.com/warriorguo/taskgraph/types"
	"github.com/warriorguo/taskgraph/utils"
)

// RunHandle is the read-only view of one run's structure, built per operation.
type RunHandle struct {
	RunID        int64
	Graph        *graph.ExecutionGraph
	GraphVersion int64
}

// ApplyResult is the outcome of one state mutation.
type ApplyResult struct {
	Status  types.SaveStatus
	State   types.StateSnapshot
	Skipped []types.TaskWithState
}

// runView is a run decoded from its persisted snapshot, owned by one operation.
type runView struct {
	snap  *types.Snapshot
	graph *graph.ExecutionGraph
	state types.StateSnapshot
}

/**
 * Engine loads, mutates and persists execution graphs of runs.
 *
 * Mutations (GrowGraph, ApplyTaskResults, ResetDescendants, CreateEdges)
 * must be called inside WithRunLock of the same run, they open the unit of
 * work which persists the mutation themselves. Queries take the read lock
 * of the run unless the write lock is already held.
 */
type Engine struct {
	repo    store.Repository
	locks   *guard.LockManager
	opts    *types.EngineOptions
	metrics *engineMetrics
	runner  *resultRunner
}

func NewEngine(repo store.Repository, locks *guard.LockManager, opts *types.EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = types.NewEngineOptions()
	}
	if locks == nil {
		locks = guard.NewLockManager()
	}
	metrics, err := newEngineMetrics(opts.Registerer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	e := &Engine{
		repo:    repo,
		locks:   locks,
		opts:    opts,
		metrics: metrics,
	}
	e.runner = newResultRunner(e, opts.MaxRunConcurrency)
	if opts.AutoStart {
		e.runner.start(opts.Ctx)
	}
	return e, nil
}

// WithRunLock runs fn while holding the write lock of runID.
func (e *Engine) WithRunLock(ctx context.Context, runID int64, fn func(ctx context.Context) error) error {
	return e.locks.WithWriteLock(ctx, runID, fn)
}

func (e *Engine) load(ctx context.Context, runID int64) (*runView, error) {
	snap, err := e.repo.Load(ctx, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if snap == nil {
		return nil, errors.NotFoundf("run %d", runID)
	}

	g, err := graph.Decode(snap.Graph)
	if err != nil {
		return nil, errors.Annotatef(err, "run %d", runID)
	}
	state, err := decodeState(snap.State)
	if err != nil {
		return nil, errors.Annotatef(err, "run %d", runID)
	}
	return &runView{snap: snap, graph: g, state: state}, nil
}

func (e *Engine) read(ctx context.Context, runID int64, fn func(view *runView) error) error {
	return e.locks.WithReadLock(ctx, runID, func(ctx context.Context) error {
		view, err := e.load(ctx, runID)
		if err != nil {
			return errors.Trace(err)
		}
		return fn(view)
	})
}

// mutate is load, fn, encode and save inside one unit of work. The write
// lock of runID must be held by ctx.
func (e *Engine) mutate(ctx context.Context, operation string, runID int64, fn func(view *runView) error) (types.SaveStatus, error) {
	e.locks.CheckWriteLockPresent(ctx, runID)
	defer func(start time.Time) {
		e.metrics.mutationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}(time.Now())

	status := types.SaveOK
	err := guard.UnitOfWork(ctx, func(ctx context.Context) error {
		e.locks.CheckMutation(ctx, runID)

		view, err := e.load(ctx, runID)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(view); err != nil {
			return errors.Trace(err)
		}

		snap := *view.snap
		snap.Graph = graph.Encode(view.graph)
		if snap.State, err = encodeState(view.state); err != nil {
			return errors.Trace(err)
		}
		if status, err = e.repo.Save(ctx, &snap); err != nil {
			return errors.Annotatef(err, "failed to save run %d", runID)
		}
		e.metrics.observeSave(status)
		if status == types.SaveVersionConflict {
			log.Infof("run %d: %s lost against a concurrent writer", runID, operation)
		}
		return nil
	})
	return status, errors.Trace(err)
}

/**
 * CreateGraph persists a new run whose graph has root as its only root.
 * Every vertex starts in NONE.
 */
func (e *Engine) CreateGraph(ctx context.Context, runID int64, root types.TaskVertex, vertices []types.TaskVertex, edges [][2]int64) (*RunHandle, error) {
	g := graph.New()
	if err := g.AddVertex(root); err != nil {
		return nil, errors.Trace(err)
	}
	for _, v := range vertices {
		if err := g.AddVertex(v); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for _, edge := range edges {
		if err := g.AddEdge(edge[0], edge[1]); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if !g.IsRoot(root.TaskID) {
		return nil, types.NewIntegrityErrorf("task %s has parents, can't be the root of run %d", root, runID)
	}

	state := types.NewStateSnapshot()
	for _, v := range g.Vertices() {
		state[v.TaskID] = types.None
	}
	encodedState, err := encodeState(state)
	if err != nil {
		return nil, errors.Trace(err)
	}

	snap := &types.Snapshot{RunID: runID, Graph: graph.Encode(g), State: encodedState}
	if err := e.repo.Create(ctx, snap); err != nil {
		return nil, errors.Trace(err)
	}
	return &RunHandle{RunID: runID, Graph: g, GraphVersion: snap.GraphVersion}, nil
}

/**
 * GrowGraph adds newVertices to the run, each one a child of every task in
 * parentIDs. Added tasks start in NONE.
 */
func (e *Engine) GrowGraph(ctx context.Context, runID int64, parentIDs []int64, newVertices []types.TaskVertex) (types.SaveStatus, error) {
	parentIDs = utils.UniqueSlice(append([]int64{}, parentIDs...))
	if len(parentIDs) == 0 {
		return types.SaveOK, errors.NotValidf("growing run %d without parents", runID)
	}

	return e.mutate(ctx, "grow_graph", runID, func(view *runView) error {
		for _, parentID := range parentIDs {
			if !view.graph.Contains(parentID) {
				return errors.NotFoundf("parent task #%d of run %d", parentID, runID)
			}
		}
		for _, v := range newVertices {
			if err := view.graph.AddVertex(v); err != nil {
				return errors.Trace(err)
			}
			view.state[v.TaskID] = types.None
			for _, parentID := range parentIDs {
				if err := view.graph.AddEdge(parentID, v.TaskID); err != nil {
					return errors.Trace(err)
				}
			}
		}
		return nil
	})
}

// CreateEdges links already existing tasks of the run.
func (e *Engine) CreateEdges(ctx context.Context, runID int64, edges [][2]int64) (types.SaveStatus, error) {
	return e.mutate(ctx, "create_edges", runID, func(view *runView) error {
		for _, edge := range edges {
			if err := view.graph.AddEdge(edge[0], edge[1]); err != nil {
				return errors.Trace(err)
			}
		}
		return errors.Trace(view.graph.Validate())
	})
}

// ApplyTaskResults records results in order, cascading every ERROR and SKIPPED.
func (e *Engine) ApplyTaskResults(ctx context.Context, runID int64, results []types.TaskResult) (*ApplyResult, error) {
	result := &ApplyResult{}
	status, err := e.mutate(ctx, "apply_results", runID, func(view *runView) error {
		view.state, result.Skipped = ApplyTaskResults(view.graph, view.state, results)
		result.State = view.state
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	result.Status = status
	if status == types.SaveOK {
		e.metrics.observeResults(results, result.Skipped)
	}
	return result, nil
}

// ResetDescendants puts every descendant of taskID back to NONE and returns them.
func (e *Engine) ResetDescendants(ctx context.Context, runID int64, taskID int64) ([]types.TaskVertex, types.SaveStatus, error) {
	var reset []types.TaskVertex
	status, err := e.mutate(ctx, "reset_descendants", runID, func(view *runView) error {
		if !view.graph.Contains(taskID) {
			return errors.NotFoundf("task #%d of run %d", taskID, runID)
		}
		reset = view.graph.Descendants(taskID)
		for _, v := range reset {
			view.state[v.TaskID] = types.None
		}
		return nil
	})
	if err != nil {
		return nil, status, errors.Trace(err)
	}
	return reset, status, nil
}

// FindAssignable is the read path of dispatching, see the package level FindAssignable.
func (e *Engine) FindAssignable(ctx context.Context, runID int64, includeCacheCandidates bool) ([]types.TaskVertex, error) {
	var assignable []types.TaskVertex
	err := e.read(ctx, runID, func(view *runView) error {
		assignable = FindAssignable(view.graph, view.state, includeCacheCandidates || e.opts.IncludeCacheCandidates)
		return nil
	})
	return assignable, errors.Trace(err)
}

func (e *Engine) LoadRunHandle(ctx context.Context, runID int64) (*RunHandle, error) {
	var handle *RunHandle
	err := e.read(ctx, runID, func(view *runView) error {
		handle = &RunHandle{RunID: runID, Graph: view.graph, GraphVersion: view.snap.GraphVersion}
		return nil
	})
	return handle, errors.Trace(err)
}

// LoadState returns the state snapshot of the run and its version.
func (e *Engine) LoadState(ctx context.Context, runID int64) (types.StateSnapshot, int64, error) {
	var state types.StateSnapshot
	var version int64
	err := e.read(ctx, runID, func(view *runView) error {
		state, version = view.state, view.snap.StateVersion
		return nil
	})
	return state, version, errors.Trace(err)
}

func (e *Engine) tasksWithState(ctx context.Context, runID int64, filter func(state types.TaskExecState) bool) ([]types.TaskWithState, error) {
	var tasks []types.TaskWithState
	err := e.read(ctx, runID, func(view *runView) error {
		tasks = make([]types.TaskWithState, 0, view.graph.Len())
		for _, v := range view.graph.TopologicalOrder() {
			state := view.state.Get(v.TaskID)
			if filter(state) {
				tasks = append(tasks, types.TaskWithState{TaskID: v.TaskID, State: state})
			}
		}
		return nil
	})
	return tasks, errors.Trace(err)
}

// TasksInTopologicalOrder lists every task with its state, parents first.
func (e *Engine) TasksInTopologicalOrder(ctx context.Context, runID int64) ([]types.TaskWithState, error) {
	return e.tasksWithState(ctx, runID, func(types.TaskExecState) bool { return true })
}

// UnfinishedTasks lists the tasks which don't unblock their children yet.
func (e *Engine) UnfinishedTasks(ctx context.Context, runID int64) ([]types.TaskWithState, error) {
	return e.tasksWithState(ctx, runID, func(state types.TaskExecState) bool { return !state.IsFinished() })
}

func (e *Engine) CountUnfinished(ctx context.Context, runID int64) (int, error) {
	tasks, err := e.UnfinishedTasks(ctx, runID)
	return len(tasks), errors.Trace(err)
}

// BrokenTasks lists the tasks in ERROR.
func (e *Engine) BrokenTasks(ctx context.Context, runID int64) ([]types.TaskWithState, error) {
	return e.tasksWithState(ctx, runID, func(state types.TaskExecState) bool { return state == types.Error })
}

func (e *Engine) TasksByContextIDs(ctx context.Context, runID int64, contextIDs ...string) (map[string][]types.TaskVertex, error) {
	var grouped map[string][]types.TaskVertex
	err := e.read(ctx, runID, func(view *runView) error {
		grouped = view.graph.VerticesByContextIDs(contextIDs...)
		return nil
	})
	return grouped, errors.Trace(err)
}

func (e *Engine) Roots(ctx context.Context, runID int64) ([]types.TaskVertex, error) {
	handle, err := e.LoadRunHandle(ctx, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return handle.Graph.Roots(), nil
}

func (e *Engine) Leaves(ctx context.Context, runID int64) ([]types.TaskVertex, error) {
	handle, err := e.LoadRunHandle(ctx, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return handle.Graph.Leaves(), nil
}

// DeleteRun removes the run and its lock entry. It takes the write lock itself.
func (e *Engine) DeleteRun(ctx context.Context, runID int64) error {
	err := e.locks.WithWriteLock(ctx, runID, func(ctx context.Context) error {
		return errors.Trace(e.repo.Remove(ctx, runID))
	})
	if err != nil {
		return errors.Trace(err)
	}
	e.runner.forget(runID)
	if !e.locks.Forget(runID) {
		log.Debugf("run %d: lock is still in use, keep it", runID)
	}
	return nil
}

func (e *Engine) ListRuns(ctx context.Context) ([]int64, error) {
	runIDs := make([]int64, 0)
	err := e.repo.List(ctx, func(runID int64) bool {
		runIDs = append(runIDs, runID)
		return true
	})
	return runIDs, errors.Trace(err)
}

// RenderRun draws the run in DOT, each task filled with the colour of its state.
func (e *Engine) RenderRun(ctx context.Context, runID int64) (string, error) {
	var s string
	err := e.read(ctx, runID, func(view *runView) error {
		s = newRunRenderer(runID).render(view.graph, view.state)
		return nil
	})
	return s, errors.Trace(err)
}

// Submit queues results of a run, they are applied by RunOnce or by the
// background loop when AutoStart is on.
func (e *Engine) Submit(runID int64, results ...types.TaskResult) error {
	return errors.Trace(e.runner.submit(runID, results))
}

// RunOnce applies the queued results of every run with pending results.
func (e *Engine) RunOnce(ctx context.Context) error {
	return errors.Trace(e.runner.runOnce(ctx))
}

// PendingResults counts the submitted results of runID not applied yet.
func (e *Engine) PendingResults(runID int64) int {
	return e.runner.pendingCount(runID)
}

// LastApplyError returns why the last submitted batch of runID was dropped.
func (e *Engine) LastApplyError(runID int64) error {
	return e.runner.lastError(runID)
}

// Close stops the background loop and waits for the running jobs.
func (e *Engine) Close() error {
	e.runner.stopWait()
	if closer, ok := e.repo.(interface{ Close() error }); ok {
		return errors.Trace(closer.Close())
	}
	return nil
}
