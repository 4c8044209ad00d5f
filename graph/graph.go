package graph

import (
	"github.com/warriorguo/taskgraph/types"
)

type edgeIndex struct {
	from int
	to   int
}

// ExecutionGraph is the DAG of one run. Vertices live in an insertion-ordered
// arena and edges are adjacency lists of arena indexes.
//
// The graph carries no state; it is decoded for one operation, mutated by
// that operation only and encoded again. It is not safe for concurrent writes.
type ExecutionGraph struct {
	vertices []types.TaskVertex
	index    map[int64]int

	edges    []edgeIndex // insertion order
	edgeSet  map[edgeIndex]struct{}
	outgoing [][]int
	incoming [][]int
}

func New() *ExecutionGraph {
	return &ExecutionGraph{
		index:   make(map[int64]int),
		edgeSet: make(map[edgeIndex]struct{}),
	}
}

// AddVertex appends v, a duplicated task id is an integrity error.
func (g *ExecutionGraph) AddVertex(v types.TaskVertex) error {
	if _, exists := g.index[v.TaskID]; exists {
		return types.NewIntegrityErrorf("duplicate task id %d", v.TaskID)
	}
	g.index[v.TaskID] = len(g.vertices)
	g.vertices = append(g.vertices, v)
	g.outgoing = append(g.outgoing, nil)
	g.incoming = append(g.incoming, nil)
	return nil
}

// AddEdge declares that `to` becomes eligible only after `from` finished.
// Adding an existing edge again is a no-op; an edge closing a cycle is rejected.
func (g *ExecutionGraph) AddEdge(from, to int64) error {
	fi, exists := g.index[from]
	if !exists {
		return types.NewIntegrityErrorf("edge %d -> %d references unknown task %d", from, to, from)
	}
	ti, exists := g.index[to]
	if !exists {
		return types.NewIntegrityErrorf("edge %d -> %d references unknown task %d", from, to, to)
	}
	if fi == ti {
		return types.NewIntegrityErrorf("self loop on task %d", from)
	}

	e := edgeIndex{from: fi, to: ti}
	if _, exists := g.edgeSet[e]; exists {
		return nil
	}
	if g.reachable(ti, fi) {
		return types.NewIntegrityErrorf("edge %d -> %d creates a cycle", from, to)
	}

	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	g.outgoing[fi] = append(g.outgoing[fi], ti)
	g.incoming[ti] = append(g.incoming[ti], fi)
	return nil
}

// Validate checks the invariants which can only be judged on a complete graph.
func (g *ExecutionGraph) Validate() error {
	if roots := g.rootIndexes(); len(roots) > 1 {
		return types.NewIntegrityErrorf("graph has %d roots, first two are %d and %d",
			len(roots), g.vertices[roots[0]].TaskID, g.vertices[roots[1]].TaskID)
	}
	return nil
}

func (g *ExecutionGraph) reachable(start, target int) bool {
	visited := make([]bool, len(g.vertices))
	queue := []int{start}
	visited[start] = true
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if u == target {
			return true
		}
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				visited[v] = true
				queue = append(queue, v)
			}
		}
	}
	return false
}

func (g *ExecutionGraph) Len() int {
	return len(g.vertices)
}

func (g *ExecutionGraph) EdgeCount() int {
	return len(g.edges)
}

func (g *ExecutionGraph) Contains(taskID int64) bool {
	_, exists := g.index[taskID]
	return exists
}

func (g *ExecutionGraph) Vertex(taskID int64) (types.TaskVertex, bool) {
	i, exists := g.index[taskID]
	if !exists {
		return types.TaskVertex{}, false
	}
	return g.vertices[i], true
}

// Vertices returns every vertex in insertion order.
func (g *ExecutionGraph) Vertices() []types.TaskVertex {
	vs := make([]types.TaskVertex, len(g.vertices))
	copy(vs, g.vertices)
	return vs
}

// Edges returns every edge as a (from, to) pair of task ids in insertion order.
func (g *ExecutionGraph) Edges() [][2]int64 {
	es := make([][2]int64, 0, len(g.edges))
	for _, e := range g.edges {
		es = append(es, [2]int64{g.vertices[e.from].TaskID, g.vertices[e.to].TaskID})
	}
	return es
}
