package runtime

import (
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/taskgraph/graph"
	"github.com/warriorguo/taskgraph/types"
)

// transitionHandler is the structural side effect of recording a state.
type transitionHandler func(g *graph.ExecutionGraph, state types.StateSnapshot, taskID int64) (types.StateSnapshot, []types.TaskWithState)

func noSideEffect(g *graph.ExecutionGraph, state types.StateSnapshot, taskID int64) (types.StateSnapshot, []types.TaskWithState) {
	return state, nil
}

func logOnly(g *graph.ExecutionGraph, state types.StateSnapshot, taskID int64) (types.StateSnapshot, []types.TaskWithState) {
	log.Infof("task #%d got %s, recovery and cache policies are left to the caller", taskID, state.Get(taskID))
	return state, nil
}

// transitionHandlers must have an entry for every types.TaskExecState.
var transitionHandlers = map[types.TaskExecState]transitionHandler{
	types.None:              noSideEffect,
	types.InProgress:        noSideEffect,
	types.OK:                noSideEffect,
	types.CheckCache:        logOnly,
	types.ErrorWithRecovery: logOnly,
	types.Error:             cascade,
	types.Skipped:           cascade,
}

/**
 * ApplyTaskResults records every result in the given order and, for ERROR and
 * SKIPPED, runs the cascade before the next result is looked at.
 *
 * The input snapshot is left untouched, the updated one is returned together
 * with every task the cascade switched to SKIPPED, each reported once.
 * Results of tasks missing from g are ignored.
 */
func ApplyTaskResults(g *graph.ExecutionGraph, state types.StateSnapshot, results []types.TaskResult) (types.StateSnapshot, []types.TaskWithState) {
	next := state.Clone()
	skipped := make([]types.TaskWithState, 0)
	for _, r := range results {
		if !g.Contains(r.TaskID) {
			log.Debugf("result of task #%d ignored, task isn't in graph", r.TaskID)
			continue
		}
		handler, exists := transitionHandlers[r.State]
		if !exists {
			log.Errorf("result of task #%d ignored, unknown state %v", r.TaskID, r.State)
			continue
		}
		next[r.TaskID] = r.State

		var changed []types.TaskWithState
		next, changed = handler(g, next, r.TaskID)
		skipped = append(skipped, changed...)
	}
	return next, skipped
}

// cascade marks SKIPPED every task which can't run anymore because all of
// its direct parents are ERROR or SKIPPED.
func cascade(g *graph.ExecutionGraph, state types.StateSnapshot, originTaskID int64) (types.StateSnapshot, []types.TaskWithState) {
	next, skipped := seedStep(g, state, originTaskID)
	for {
		var changed []types.TaskWithState
		next, changed = cascadeStep(g, next)
		if len(changed) == 0 {
			return next, skipped
		}
		skipped = append(skipped, changed...)
	}
}

// seedStep only looks at the descendants of the origin, which is where
// the cascade nearly always ends.
func seedStep(g *graph.ExecutionGraph, state types.StateSnapshot, originTaskID int64) (types.StateSnapshot, []types.TaskWithState) {
	next := state.Clone()
	skipped := make([]types.TaskWithState, 0)
	for _, v := range g.Descendants(originTaskID) {
		if canBeSkipped(g, next, v.TaskID) {
			next[v.TaskID] = types.Skipped
			skipped = append(skipped, types.TaskWithState{TaskID: v.TaskID, State: types.Skipped})
		}
	}
	return next, skipped
}

/**
 * cascadeStep is one pass over the whole graph. Being unreachable is a
 * property of the whole state assignment: a task outside the origin's
 * subtree may lose its last live parent during the seed step.
 *
 * A pass never writes a terminal state, so repeating it reaches a fixed point.
 */
func cascadeStep(g *graph.ExecutionGraph, state types.StateSnapshot) (types.StateSnapshot, []types.TaskWithState) {
	next := state.Clone()
	changed := make([]types.TaskWithState, 0)
	for _, v := range g.TopologicalOrder() {
		if canBeSkipped(g, next, v.TaskID) {
			next[v.TaskID] = types.Skipped
			changed = append(changed, types.TaskWithState{TaskID: v.TaskID, State: types.Skipped})
		}
	}
	return next, changed
}

// canBeSkipped: not a root, not terminal, and every direct parent failed or was skipped.
func canBeSkipped(g *graph.ExecutionGraph, state types.StateSnapshot, taskID int64) bool {
	if state.Get(taskID).IsTerminal() {
		return false
	}
	parents := g.DirectAncestors(taskID)
	if len(parents) == 0 {
		return false
	}
	for _, p := range parents {
		if !state.Get(p.TaskID).IsFailed() {
			return false
		}
	}
	return true
}
