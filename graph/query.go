package graph

import (
	"github.com/warriorguo/taskgraph/types"
)

func (g *ExecutionGraph) rootIndexes() []int {
	roots := make([]int, 0, 1)
	for i := range g.vertices {
		if len(g.incoming[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

func (g *ExecutionGraph) pick(indexes []int) []types.TaskVertex {
	vs := make([]types.TaskVertex, 0, len(indexes))
	for _, i := range indexes {
		vs = append(vs, g.vertices[i])
	}
	return vs
}

// Roots returns the vertices without incoming edges, a valid graph has at most one.
func (g *ExecutionGraph) Roots() []types.TaskVertex {
	return g.pick(g.rootIndexes())
}

// Root returns the single root, false when the graph is empty.
func (g *ExecutionGraph) Root() (types.TaskVertex, bool) {
	roots := g.rootIndexes()
	if len(roots) == 0 {
		return types.TaskVertex{}, false
	}
	return g.vertices[roots[0]], true
}

func (g *ExecutionGraph) Leaves() []types.TaskVertex {
	leaves := make([]int, 0)
	for i := range g.vertices {
		if len(g.outgoing[i]) == 0 {
			leaves = append(leaves, i)
		}
	}
	return g.pick(leaves)
}

func (g *ExecutionGraph) IsRoot(taskID int64) bool {
	i, exists := g.index[taskID]
	return exists && len(g.incoming[i]) == 0
}

func (g *ExecutionGraph) IsLeaf(taskID int64) bool {
	i, exists := g.index[taskID]
	return exists && len(g.outgoing[i]) == 0
}

func (g *ExecutionGraph) DirectDescendants(taskID int64) []types.TaskVertex {
	i, exists := g.index[taskID]
	if !exists {
		return nil
	}
	return g.pick(g.outgoing[i])
}

func (g *ExecutionGraph) DirectAncestors(taskID int64) []types.TaskVertex {
	i, exists := g.index[taskID]
	if !exists {
		return nil
	}
	return g.pick(g.incoming[i])
}

// Descendants returns every vertex reachable from taskID in breadth-first
// order, the start vertex excluded.
func (g *ExecutionGraph) Descendants(taskID int64) []types.TaskVertex {
	i, exists := g.index[taskID]
	if !exists {
		return nil
	}
	return g.pick(g.bfs(i, g.outgoing))
}

// Ancestors returns every vertex from which taskID is reachable.
func (g *ExecutionGraph) Ancestors(taskID int64) []types.TaskVertex {
	i, exists := g.index[taskID]
	if !exists {
		return nil
	}
	return g.pick(g.bfs(i, g.incoming))
}

func (g *ExecutionGraph) bfs(start int, adjacency [][]int) []int {
	visited := make([]bool, len(g.vertices))
	visited[start] = true
	queue := []int{start}
	found := make([]int, 0)
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range adjacency[u] {
			if visited[v] {
				continue
			}
			visited[v] = true
			found = append(found, v)
			queue = append(queue, v)
		}
	}
	return found
}

// BreadthFirst walks the whole graph level by level starting from the roots,
// so every vertex is yielded exactly once.
func (g *ExecutionGraph) BreadthFirst() []types.TaskVertex {
	visited := make([]bool, len(g.vertices))
	order := make([]int, 0, len(g.vertices))
	queue := make([]int, 0, len(g.vertices))
	for _, r := range g.rootIndexes() {
		visited[r] = true
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order = append(order, u)
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				visited[v] = true
				queue = append(queue, v)
			}
		}
	}
	return g.pick(order)
}

// TopologicalOrder yields parents before children (Kahn's algorithm, ties
// broken by insertion order).
func (g *ExecutionGraph) TopologicalOrder() []types.TaskVertex {
	indeg := make([]int, len(g.vertices))
	queue := make([]int, 0, len(g.vertices))
	for i := range g.vertices {
		indeg[i] = len(g.incoming[i])
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(g.vertices))
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order = append(order, u)
		for _, v := range g.outgoing[u] {
			if indeg[v]--; indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	return g.pick(order)
}

// VerticesByContextIDs groups the vertices whose context id is one of contextIDs.
func (g *ExecutionGraph) VerticesByContextIDs(contextIDs ...string) map[string][]types.TaskVertex {
	wanted := make(map[string]bool, len(contextIDs))
	for _, id := range contextIDs {
		wanted[id] = true
	}
	grouped := make(map[string][]types.TaskVertex)
	for _, v := range g.vertices {
		if wanted[v.TaskContextID] {
			grouped[v.TaskContextID] = append(grouped[v.TaskContextID], v)
		}
	}
	return grouped
}

// Clone returns a deep copy, used when a mutation must not touch the source graph.
func (g *ExecutionGraph) Clone() *ExecutionGraph {
	c := New()
	for _, v := range g.vertices {
		// ids are unique in g
		_ = c.AddVertex(v)
	}
	for _, e := range g.edges {
		c.edgeSet[e] = struct{}{}
		c.edges = append(c.edges, e)
		c.outgoing[e.from] = append(c.outgoing[e.from], e.to)
		c.incoming[e.to] = append(c.incoming[e.to], e.from)
	}
	return c
}
