package dag

import (
	"encoding/json"
	"fmt"

	"vorpal/internal/core"
	"vorpal/internal/wire"
)

// PlanEntry is one resolved artifact ready to dispatch.
type PlanEntry struct {
	ID    core.ArtifactID `json:"id"`
	Depth int             `json:"depth"`

	// Artifact is the worker request body. Secret values are omitted; they
	// are only attached by Request.
	Artifact wire.Artifact `json:"artifact"`

	recipe *core.Artifact
}

// Request returns the build request for the entry, secrets included.
func (e *PlanEntry) Request(id string) wire.BuildRequest {
	art := e.Artifact
	art.Steps = make([]wire.ArtifactStep, len(e.Artifact.Steps))
	copy(art.Steps, e.Artifact.Steps)

	if e.recipe != nil {
		for i := range art.Steps {
			if i >= len(e.recipe.Steps) {
				break
			}
			values := make(map[string]string, len(e.recipe.Steps[i].Secrets))
			for _, s := range e.recipe.Steps[i].Secrets {
				values[s.Name] = s.Value
			}
			secrets := make([]wire.Secret, len(art.Steps[i].Secrets))
			for j, s := range art.Steps[i].Secrets {
				secrets[j] = wire.Secret{Name: s.Name, Value: values[s.Name]}
			}
			art.Steps[i].Secrets = secrets
		}
	}
	return wire.BuildRequest{ID: id, Artifact: art}
}

// Plan is the resolved form of a Graph: every distinct artifact id, with
// dependencies before dependents.
type Plan struct {
	Target  core.System
	Root    core.ArtifactID
	Entries []PlanEntry

	index map[string]int
	topo  *topology
}

type resolvedNode struct {
	id      core.ArtifactID
	sources []string
}

func newPlan(g *Graph, resolved []resolvedNode) (*Plan, error) {
	p := &Plan{
		Target: g.target,
		Root:   resolved[g.root.index].id,
		index:  make(map[string]int, len(g.nodes)),
	}

	entryOf := make([]int, len(g.nodes))
	var deps [][]int
	for _, n := range g.TopologicalOrder() {
		r := resolved[n.index]
		key := r.id.String()
		if i, ok := p.index[key]; ok {
			// Different recipes may resolve to the same content.
			entryOf[n.index] = i
			continue
		}
		art, err := toWire(g, n, resolved)
		if err != nil {
			return nil, err
		}
		i := len(p.Entries)
		p.index[key] = i
		entryOf[n.index] = i
		p.Entries = append(p.Entries, PlanEntry{ID: r.id, Artifact: art, recipe: n.Artifact})

		var ds []int
		for _, d := range n.Deps {
			ds = append(ds, entryOf[d.index])
		}
		deps = append(deps, ds)
	}

	labels := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		labels[i] = e.ID.String()
	}
	p.topo = newTopology(labels, deps)
	p.topo.computeDepth()
	for i := range p.Entries {
		p.Entries[i].Depth = p.topo.depth[i]
	}
	return p, nil
}

func toWire(g *Graph, n *Node, resolved []resolvedNode) (wire.Artifact, error) {
	a := n.Artifact
	r := resolved[n.index]

	out := wire.Artifact{
		Name:   a.Name,
		Target: g.target.String(),
	}
	for _, s := range a.Systems {
		out.Systems = append(out.Systems, s.String())
	}
	for i, src := range a.Sources {
		out.Sources = append(out.Sources, wire.ArtifactSource{
			Name:     src.Name,
			Hash:     r.sources[i],
			Includes: src.Includes,
			Excludes: src.Excludes,
			Path:     src.URI,
		})
	}
	for _, d := range n.Deps {
		id := resolved[d.index].id
		out.Artifacts = append(out.Artifacts, wire.ArtifactID{Name: id.Name, Hash: id.Hash})
	}
	for _, step := range a.Steps {
		ws := wire.ArtifactStep{
			Entrypoint:   step.Entrypoint,
			Script:       step.Script,
			Arguments:    step.Arguments,
			Environments: step.EnvironmentList(),
		}
		for _, name := range step.SecretNames() {
			ws.Secrets = append(ws.Secrets, wire.Secret{Name: name})
		}
		for _, d := range step.Artifacts {
			dn, ok := g.byPtr[d]
			if !ok {
				return wire.Artifact{}, fmt.Errorf("step artifact %q of %q is not in the graph", d.Name, a.Name)
			}
			ws.Artifacts = append(ws.Artifacts, core.EnvKey(resolved[dn.index].id.Hash))
		}
		out.Steps = append(out.Steps, ws)
	}
	return out, nil
}

// Len returns the number of entries.
func (p *Plan) Len() int { return len(p.Entries) }

// Entry returns the entry for id.
func (p *Plan) Entry(id core.ArtifactID) (*PlanEntry, bool) {
	i, ok := p.index[id.String()]
	if !ok {
		return nil, false
	}
	return &p.Entries[i], true
}

// Dependencies returns the ids entry id depends on, in declaration order.
func (p *Plan) Dependencies(id core.ArtifactID) []core.ArtifactID {
	i, ok := p.index[id.String()]
	if !ok {
		return nil
	}
	out := make([]core.ArtifactID, 0, len(p.topo.incoming[i]))
	for _, d := range p.topo.incoming[i] {
		out = append(out, p.Entries[d].ID)
	}
	return out
}

// MaxDepth returns the largest entry depth.
func (p *Plan) MaxDepth() int { return p.topo.maxDepth() }

type planJSON struct {
	Target  string          `json:"target"`
	Root    core.ArtifactID `json:"root"`
	Entries []PlanEntry     `json:"entries"`
}

// CanonicalJSON returns the stable JSON encoding of the plan. Equal inputs
// give byte-identical output across runs and machines.
func (p *Plan) CanonicalJSON() ([]byte, error) {
	return json.Marshal(planJSON{Target: p.Target.String(), Root: p.Root, Entries: p.Entries})
}

// Hash returns the hex SHA-256 of CanonicalJSON.
func (p *Plan) Hash() (string, error) {
	b, err := p.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return core.HashString(string(b)), nil
}
