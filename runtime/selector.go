package runtime

import (
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/taskgraph/graph"
	"github.com/warriorguo/taskgraph/types"
)

/**
 * FindAssignable returns the tasks which may be handed to workers now.
 *
 * A root which hasn't started is always returned alone. Otherwise every
 * not started task whose direct parents are all finished is returned, and
 * when there is none, a not started sink whose parents are all finished.
 * An empty result means the run is either blocked or complete.
 */
func FindAssignable(g *graph.ExecutionGraph, state types.StateSnapshot, includeCacheCandidates bool) []types.TaskVertex {
	root, exists := g.Root()
	if !exists {
		return []types.TaskVertex{}
	}
	if state.Get(root.TaskID).IsNotStarted(includeCacheCandidates) {
		log.Debugf("root task %s isn't started yet", root)
		return []types.TaskVertex{root}
	}

	candidates := make([]types.TaskVertex, 0)
	for _, v := range g.BreadthFirst() {
		if isAssignable(g, state, v.TaskID, includeCacheCandidates) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) > 0 {
		log.Debugf("found %d assignable tasks", len(candidates))
		return candidates
	}

	for _, sink := range g.Leaves() {
		if isAssignable(g, state, sink.TaskID, includeCacheCandidates) {
			log.Debugf("sink task %s is assignable", sink)
			return []types.TaskVertex{sink}
		}
	}
	return []types.TaskVertex{}
}

func isAssignable(g *graph.ExecutionGraph, state types.StateSnapshot, taskID int64, includeCacheCandidates bool) bool {
	if !state.Get(taskID).IsNotStarted(includeCacheCandidates) {
		return false
	}
	for _, p := range g.DirectAncestors(taskID) {
		if !state.Get(p.TaskID).IsFinished() {
			return false
		}
	}
	return true
}
