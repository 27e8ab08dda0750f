package dag

import (
	"container/heap"
	"sort"
)

// topology is the index-based adjacency shared by Graph and Plan. Index i
// is a node's canonical position; edges run from a dependency to the node
// that needs it.
type topology struct {
	labels   []string
	outgoing [][]int // dependents, sorted ascending
	incoming [][]int // dependencies, in declaration order
	indeg    []int
	depth    []int
}

func newTopology(labels []string, deps [][]int) *topology {
	n := len(labels)
	t := &topology{
		labels:   labels,
		outgoing: make([][]int, n),
		incoming: make([][]int, n),
		indeg:    make([]int, n),
	}
	for to, ds := range deps {
		seen := make(map[int]struct{}, len(ds))
		for _, from := range ds {
			if _, dup := seen[from]; dup {
				continue
			}
			seen[from] = struct{}{}
			t.incoming[to] = append(t.incoming[to], from)
			t.outgoing[from] = append(t.outgoing[from], to)
			t.indeg[to]++
		}
	}
	for i := range t.outgoing {
		sort.Ints(t.outgoing[i])
	}
	return t
}

// acyclic reports whether every node can be ordered.
func (t *topology) acyclic() bool {
	return len(t.order()) == len(t.labels)
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// order returns a deterministic topological ordering of node indices,
// dependencies first. The ready queue is a min-heap by canonical index.
// On a cyclic graph the result is shorter than the node count.
func (t *topology) order() []int {
	indeg := make([]int, len(t.indeg))
	copy(indeg, t.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range t.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// computeDepth sets depth[i] to the longest dependency chain below i.
// Leaves have depth 0.
func (t *topology) computeDepth() {
	t.depth = make([]int, len(t.labels))
	for _, u := range t.order() {
		d := 0
		for _, p := range t.incoming[u] {
			if cand := t.depth[p] + 1; cand > d {
				d = cand
			}
		}
		t.depth[u] = d
	}
}

func (t *topology) maxDepth() int {
	m := 0
	for _, d := range t.depth {
		if d > m {
			m = d
		}
	}
	return m
}

// findCycle walks dependency edges depth-first from index 0 upwards and
// returns one cycle as labels, first label repeated at the end, in
// "depends on" direction. It returns nil for an acyclic graph.
func (t *topology) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(t.labels))
	parent := make([]int, len(t.labels))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range t.incoming[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// Back edge u -> v closes v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range t.labels {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, t.labels[cycle[i]])
	}
	return out
}
