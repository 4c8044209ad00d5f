package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/taskgraph/graph"
	"github.com/warriorguo/taskgraph/types"
)

func ids(vs []types.TaskVertex) []int64 {
	r := make([]int64, 0, len(vs))
	for _, v := range vs {
		r = append(r, v.TaskID)
	}
	return r
}

func taskIDs(ts []types.TaskWithState) []int64 {
	r := make([]int64, 0, len(ts))
	for _, t := range ts {
		r = append(r, t.TaskID)
	}
	return r
}

func buildGraph(t *testing.T, vertices []int64, edges [][2]int64) *graph.ExecutionGraph {
	g := graph.New()
	for _, id := range vertices {
		require.Nil(t, g.AddVertex(types.TaskVertex{TaskID: id, TaskContextID: "1"}))
	}
	for _, e := range edges {
		require.Nil(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func diamond(t *testing.T) *graph.ExecutionGraph {
	return buildGraph(t, []int64{1, 2, 3, 4}, [][2]int64{{1, 2}, {1, 3}, {2, 4}, {3, 4}})
}

func chain(t *testing.T, n int64) *graph.ExecutionGraph {
	vertices := make([]int64, 0, n)
	edges := make([][2]int64, 0, n)
	for i := int64(1); i <= n; i++ {
		vertices = append(vertices, i)
		if i > 1 {
			edges = append(edges, [2]int64{i - 1, i})
		}
	}
	return buildGraph(t, vertices, edges)
}

func results(pairs ...interface{}) []types.TaskResult {
	rs := make([]types.TaskResult, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		rs = append(rs, types.TaskResult{TaskID: int64(pairs[i].(int)), State: pairs[i+1].(types.TaskExecState)})
	}
	return rs
}

func TestEveryStateHasHandler(t *testing.T) {
	for _, s := range types.AllTaskExecStates() {
		_, exists := transitionHandlers[s]
		assert.True(t, exists, "no handler for %s", s)
	}
	assert.Equal(t, len(types.AllTaskExecStates()), len(transitionHandlers))
}

func TestDiamondNeedsBothParentsFailed(t *testing.T) {
	g := diamond(t)
	state := types.StateSnapshot{1: types.OK}

	state, skipped := ApplyTaskResults(g, state, results(2, types.Error))
	assert.Empty(t, skipped)
	assert.Equal(t, types.Error, state.Get(2))
	assert.Equal(t, types.None, state.Get(4))

	state, skipped = ApplyTaskResults(g, state, results(3, types.Error))
	assert.Equal(t, []types.TaskWithState{{TaskID: 4, State: types.Skipped}}, skipped)
	assert.Equal(t, types.Skipped, state.Get(4))
}

func TestChainSkipsInOneCall(t *testing.T) {
	g := chain(t, 5)
	state := types.StateSnapshot{1: types.OK}

	state, skipped := ApplyTaskResults(g, state, results(2, types.Skipped))
	assert.Equal(t, []int64{3, 4, 5}, taskIDs(skipped))
	for _, id := range []int64{2, 3, 4, 5} {
		assert.Equal(t, types.Skipped, state.Get(id))
	}
}

func TestCascadeReachesOutsideOriginSubtree(t *testing.T) {
	// 4 was put back to NONE while its only parent stays ERROR
	g := buildGraph(t, []int64{1, 2, 3, 4}, [][2]int64{{1, 2}, {1, 3}, {3, 4}})
	state := types.StateSnapshot{1: types.OK, 3: types.Error, 4: types.None}

	state, skipped := ApplyTaskResults(g, state, results(2, types.Error))
	assert.Equal(t, []int64{4}, taskIDs(skipped))
	assert.Equal(t, types.Skipped, state.Get(4))
}

func TestCascadeAcrossContexts(t *testing.T) {
	g := graph.New()
	for _, v := range []types.TaskVertex{
		{TaskID: 1, TaskContextID: "1"},
		{TaskID: 2, TaskContextID: "1,2#1"},
		{TaskID: 3, TaskContextID: "1,2#1"},
		{TaskID: 4, TaskContextID: "1,2#2"},
		{TaskID: 5, TaskContextID: "1"},
	} {
		require.Nil(t, g.AddVertex(v))
	}
	for _, e := range [][2]int64{{1, 2}, {2, 3}, {1, 4}, {3, 5}, {4, 5}} {
		require.Nil(t, g.AddEdge(e[0], e[1]))
	}
	state := types.StateSnapshot{1: types.OK}

	state, skipped := ApplyTaskResults(g, state, results(2, types.Error, 4, types.Skipped))
	assert.Equal(t, []int64{3, 5}, taskIDs(skipped))
	assert.Equal(t, types.Skipped, state.Get(5))
}

func TestRootIsNeverSkipped(t *testing.T) {
	g := chain(t, 3)
	state, skipped := ApplyTaskResults(g, types.NewStateSnapshot(), results(2, types.Error))
	assert.Equal(t, []int64{3}, taskIDs(skipped))
	assert.Equal(t, types.None, state.Get(1))

	state, skipped = ApplyTaskResults(g, types.NewStateSnapshot(), results(1, types.Error))
	assert.Equal(t, []int64{2, 3}, taskIDs(skipped))
	assert.Equal(t, types.Error, state.Get(1))
}

func TestTerminalStatesAreKept(t *testing.T) {
	g := diamond(t)
	state := types.StateSnapshot{1: types.OK, 4: types.OK}

	state, skipped := ApplyTaskResults(g, state, results(2, types.Error, 3, types.Error))
	assert.Empty(t, skipped)
	assert.Equal(t, types.OK, state.Get(4))
}

func TestErrorWithRecovery(t *testing.T) {
	g := chain(t, 3)

	// unblocks its child, but doesn't orphan it
	state, skipped := ApplyTaskResults(g, types.StateSnapshot{1: types.OK}, results(2, types.ErrorWithRecovery))
	assert.Empty(t, skipped)
	assert.Equal(t, types.None, state.Get(3))

	// is not terminal, so the cascade may overwrite it
	state, skipped = ApplyTaskResults(g, types.StateSnapshot{2: types.ErrorWithRecovery}, results(1, types.Error))
	assert.Equal(t, []int64{2, 3}, taskIDs(skipped))
	assert.Equal(t, types.Skipped, state.Get(2))
}

func TestCascadeIsFixedPoint(t *testing.T) {
	g := buildGraph(t, []int64{1, 2, 3, 4, 5, 6}, [][2]int64{{1, 2}, {1, 3}, {2, 4}, {3, 4}, {4, 5}, {3, 6}})
	state, _ := ApplyTaskResults(g, types.StateSnapshot{1: types.OK}, results(2, types.Error, 3, types.Skipped))

	for _, v := range g.Vertices() {
		if g.IsRoot(v.TaskID) || state.Get(v.TaskID).IsTerminal() {
			continue
		}
		allFailed := true
		for _, p := range g.DirectAncestors(v.TaskID) {
			allFailed = allFailed && state.Get(p.TaskID).IsFailed()
		}
		assert.False(t, allFailed, "task #%d left behind", v.TaskID)
	}

	again, changed := cascadeStep(g, state)
	assert.Empty(t, changed)
	assert.Equal(t, state, again)
}

func TestSkippedReportedOnce(t *testing.T) {
	g := diamond(t)
	_, skipped := ApplyTaskResults(g, types.StateSnapshot{1: types.OK}, results(2, types.Error, 3, types.Error, 2, types.Skipped))
	assert.Equal(t, []int64{4}, taskIDs(skipped))
}

func TestStaleResultIgnored(t *testing.T) {
	g := chain(t, 2)
	state, skipped := ApplyTaskResults(g, types.NewStateSnapshot(), results(99, types.Error))
	assert.Empty(t, skipped)
	_, exists := state[99]
	assert.False(t, exists)
}

func TestResultsAppliedInOrder(t *testing.T) {
	g := chain(t, 3)
	state, skipped := ApplyTaskResults(g, types.StateSnapshot{1: types.OK}, results(2, types.Error, 3, types.OK))
	assert.Equal(t, []int64{3}, taskIDs(skipped))
	assert.Equal(t, types.OK, state.Get(3))
}

func TestInputStateUntouched(t *testing.T) {
	g := chain(t, 3)
	state := types.StateSnapshot{1: types.OK}
	_, _ = ApplyTaskResults(g, state, results(2, types.Error))
	assert.Equal(t, types.StateSnapshot{1: types.OK}, state)
}
