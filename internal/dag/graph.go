package dag

import (
	"sort"

	"vorpal/internal/codec"
	"vorpal/internal/core"
)

// Node is one distinct recipe in a Graph. Recipes with equal spec keys
// share a Node.
type Node struct {
	Name     string
	Artifact *core.Artifact

	// SpecKey identifies the recipe's declared content and that of its
	// dependencies. It is known before any source is read.
	SpecKey string

	// Deps are the node's dependencies in declaration order.
	Deps []*Node

	index int
}

// Index returns the node's canonical position in its graph.
func (n *Node) Index() int { return n.index }

// Graph is an immutable, validated artifact dependency graph for one
// target system.
//
// It is safe for concurrent read access.
type Graph struct {
	target core.System
	root   *Node
	nodes  []*Node // canonical order
	byPtr  map[*core.Artifact]*Node
	topo   *topology
	hash   string
}

// NewGraph collects every recipe reachable from root and validates the
// result before any source is read. It rejects:
//   - a nil root or an UNKNOWN target
//   - recipes failing core.Artifact.Validate
//   - recipes that do not list target in their systems
//   - dependency cycles, reported as core.CyclicDependencyError
//
// Recipes that are structurally identical collapse to a single node.
func NewGraph(root *core.Artifact, target core.System) (*Graph, error) {
	if root == nil {
		return nil, invalidf("root artifact is required")
	}
	if !target.Valid() {
		return nil, &core.ArtifactError{
			Name: root.Name,
			Err:  &core.UnsupportedSystemError{Artifact: root.Name, System: target, Supported: root.Systems},
		}
	}

	recipes, deps := discover(root)

	for _, a := range recipes {
		if err := a.Validate(); err != nil {
			return nil, &core.ArtifactError{Name: a.Name, Err: err}
		}
		if !a.SupportsSystem(target) {
			return nil, &core.ArtifactError{
				Name: a.Name,
				Err:  &core.UnsupportedSystemError{Artifact: a.Name, System: target, Supported: a.Systems},
			}
		}
	}

	labels := make([]string, len(recipes))
	for i, a := range recipes {
		labels[i] = a.Name
	}
	raw := newTopology(labels, deps)
	rawOrder := raw.order()
	if len(rawOrder) != len(recipes) {
		return nil, &core.CyclicDependencyError{Cycle: raw.findCycle()}
	}

	keys := make([]string, len(recipes))
	for _, i := range rawOrder {
		depKeys := make([]string, len(deps[i]))
		for j, d := range deps[i] {
			depKeys[j] = keys[d]
		}
		k, err := specKey(recipes[i], depKeys, stepDepKeys(recipes[i], recipes, keys))
		if err != nil {
			return nil, &core.ArtifactError{Name: recipes[i].Name, Err: err}
		}
		keys[i] = k
	}

	return collapse(root, target, recipes, deps, keys)
}

// discover walks the recipe graph by pointer with an explicit stack and
// returns recipes in pre-order plus, per recipe, the indices of its
// dependencies. Cycles are recorded as edges, not followed twice.
func discover(root *core.Artifact) ([]*core.Artifact, [][]int) {
	index := map[*core.Artifact]int{root: 0}
	recipes := []*core.Artifact{root}
	stack := []*core.Artifact{root}

	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ds := a.Dependencies()
		// Push in reverse so the first declared dependency is visited first.
		for i := len(ds) - 1; i >= 0; i-- {
			d := ds[i]
			if _, ok := index[d]; ok {
				continue
			}
			index[d] = len(recipes)
			recipes = append(recipes, d)
			stack = append(stack, d)
		}
	}

	deps := make([][]int, len(recipes))
	for i, a := range recipes {
		for _, d := range a.Dependencies() {
			deps[i] = append(deps[i], index[d])
		}
	}
	return recipes, deps
}

func stepDepKeys(a *core.Artifact, recipes []*core.Artifact, keys []string) [][]string {
	pos := make(map[*core.Artifact]int, len(recipes))
	for i, r := range recipes {
		pos[r] = i
	}
	out := make([][]string, len(a.Steps))
	for i, step := range a.Steps {
		for _, d := range step.Artifacts {
			if d == nil {
				continue
			}
			out[i] = append(out[i], keys[pos[d]])
		}
	}
	return out
}

// collapse merges recipes with equal spec keys and assigns canonical
// indices ordered by (spec key, name).
func collapse(root *core.Artifact, target core.System, recipes []*core.Artifact, deps [][]int, keys []string) (*Graph, error) {
	rep := make(map[string]*Node, len(recipes))
	nodeOf := make([]*Node, len(recipes))
	var nodes []*Node
	for i, a := range recipes {
		n, ok := rep[keys[i]]
		if !ok {
			n = &Node{Name: a.Name, Artifact: a, SpecKey: keys[i]}
			rep[keys[i]] = n
			nodes = append(nodes, n)
		}
		nodeOf[i] = n
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SpecKey != nodes[j].SpecKey {
			return nodes[i].SpecKey < nodes[j].SpecKey
		}
		return nodes[i].Name < nodes[j].Name
	})
	for i, n := range nodes {
		n.index = i
	}

	byPtr := make(map[*core.Artifact]*Node, len(recipes))
	for i, a := range recipes {
		byPtr[a] = nodeOf[i]
	}

	labels := make([]string, len(nodes))
	nodeDeps := make([][]int, len(nodes))
	for _, n := range nodes {
		labels[n.index] = n.Name
		seen := make(map[*Node]struct{})
		for _, d := range n.Artifact.Dependencies() {
			dn := byPtr[d]
			if _, dup := seen[dn]; dup {
				continue
			}
			seen[dn] = struct{}{}
			n.Deps = append(n.Deps, dn)
			nodeDeps[n.index] = append(nodeDeps[n.index], dn.index)
		}
	}

	topo := newTopology(labels, nodeDeps)
	if !topo.acyclic() {
		// Unreachable: collapsing equal keys cannot introduce a cycle.
		return nil, &core.CyclicDependencyError{Cycle: topo.findCycle()}
	}
	topo.computeDepth()

	g := &Graph{
		target: target,
		root:   byPtr[root],
		nodes:  nodes,
		byPtr:  byPtr,
		topo:   topo,
	}
	h, err := g.computeHash()
	if err != nil {
		return nil, err
	}
	g.hash = h
	return g, nil
}

// Target returns the system the graph was validated for.
func (g *Graph) Target() core.System { return g.target }

// Root returns the node of the requested artifact.
func (g *Graph) Root() *Node { return g.root }

// Len returns the number of distinct nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Hash returns the graph's identity: the target, root and every node's
// spec key with its dependency edges.
func (g *Graph) Hash() string { return g.hash }

// Nodes returns the nodes in canonical order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NodeFor returns the node a recipe collapsed into.
func (g *Graph) NodeFor(a *core.Artifact) (*Node, bool) {
	n, ok := g.byPtr[a]
	return n, ok
}

// Depth returns the length of the longest dependency chain below n.
func (g *Graph) Depth(n *Node) int { return g.topo.depth[n.index] }

// MaxDepth returns the largest node depth.
func (g *Graph) MaxDepth() int { return g.topo.maxDepth() }

// TopologicalOrder returns the nodes with every dependency before its
// dependents. Ties are broken by canonical index.
func (g *Graph) TopologicalOrder() []*Node {
	order := g.topo.order()
	out := make([]*Node, len(order))
	for i, idx := range order {
		out[i] = g.nodes[idx]
	}
	return out
}

// ByDepth groups nodes by depth, each group in canonical order.
func (g *Graph) ByDepth() [][]*Node {
	out := make([][]*Node, g.MaxDepth()+1)
	for _, n := range g.nodes {
		d := g.topo.depth[n.index]
		out[d] = append(out[d], n)
	}
	return out
}

func (g *Graph) computeHash() (string, error) {
	type edge struct {
		From int `cbor:"from"`
		To   int `cbor:"to"`
	}
	var in struct {
		Target string   `cbor:"target"`
		Root   int      `cbor:"root"`
		Nodes  []string `cbor:"nodes"`
		Edges  []edge   `cbor:"edges"`
	}
	in.Target = g.target.String()
	in.Root = g.root.index
	for _, n := range g.nodes {
		in.Nodes = append(in.Nodes, n.SpecKey)
		for _, d := range g.topo.incoming[n.index] {
			in.Edges = append(in.Edges, edge{From: d, To: n.index})
		}
	}
	return codec.Digest(in)
}
