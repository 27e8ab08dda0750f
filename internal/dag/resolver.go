package dag

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/registry"
	"vorpal/internal/source"
	"vorpal/internal/store"
)

// DefaultMemoSize bounds the per-pass file digest memo.
const DefaultMemoSize = 16384

// SourceFetcher makes a declared source available on the local filesystem.
type SourceFetcher interface {
	Fetch(ctx context.Context, src core.ArtifactSource, contextDir string) (*source.Fetched, error)
}

// Resolver turns a Graph into a Plan by reading, hashing and storing every
// source and computing each artifact's content-derived id.
//
// Results are memoized by target and spec key for the lifetime of the
// Resolver, so sources must not change while it is in use. Create one per
// build invocation. Concurrent Resolve calls on one Resolver resolve each
// distinct artifact at most once.
//
// An artifact that declares no sources resolves from its steps and
// dependencies alone; its id still covers both. A declared source that
// matches zero files fails with core.EmptyInputError.
type Resolver struct {
	Store   *store.Store
	Fetcher SourceFetcher

	// Registry, when set, receives every source archive.
	Registry registry.Backend

	// ContextDir anchors relative source paths.
	ContextDir string

	// Concurrency bounds sibling resolution at one depth. Zero means
	// GOMAXPROCS.
	Concurrency int

	// MemoSize bounds the file digest memo. Zero means DefaultMemoSize.
	MemoSize int

	Logger *slog.Logger

	flight singleflight.Group
	mu     sync.Mutex
	memo   map[string]resolvedNode
}

// NewResolver returns a Resolver that stores sources in st and fetches them
// with f.
func NewResolver(st *store.Store, f SourceFetcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		Store:   st,
		Fetcher: f,
		Logger:  logging.OrDiscard(logger),
	}
}

// Resolve resolves g depth by depth. Nodes at one depth run concurrently
// once everything below them is resolved. The first failure cancels the
// pass and is returned wrapped in core.ArtifactError.
func (r *Resolver) Resolve(ctx context.Context, g *Graph) (*Plan, error) {
	if r.Store == nil || r.Fetcher == nil {
		return nil, fmt.Errorf("resolver requires a store and a fetcher")
	}
	size := r.MemoSize
	if size <= 0 {
		size = DefaultMemoSize
	}
	hasher, err := core.NewMemoHasher(size)
	if err != nil {
		return nil, err
	}

	logger := logging.OrDiscard(r.Logger)
	logger.Debug("resolving graph", "artifact", g.root.Name, "system", g.target.String(), "nodes", g.Len())

	resolved := make([]resolvedNode, g.Len())
	for depth, nodes := range g.ByDepth() {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(r.concurrency())
		for _, n := range nodes {
			eg.Go(func() error {
				res, err := r.resolveOnce(egCtx, g, n, hasher, resolved)
				if err != nil {
					return err
				}
				resolved[n.index] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			logger.Error("resolution failed", "depth", depth, "error", err)
			return nil, err
		}
	}

	return newPlan(g, resolved)
}

func (r *Resolver) concurrency() int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

func (r *Resolver) resolveOnce(ctx context.Context, g *Graph, n *Node, hasher *core.Hasher, resolved []resolvedNode) (resolvedNode, error) {
	key := g.target.String() + "/" + n.SpecKey

	r.mu.Lock()
	if res, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	v, err, _ := r.flight.Do(key, func() (any, error) {
		// A flight that finished after the check above has already
		// filled the memo and left the group.
		r.mu.Lock()
		if res, ok := r.memo[key]; ok {
			r.mu.Unlock()
			return res, nil
		}
		r.mu.Unlock()

		res, err := r.resolveNode(ctx, g, n, hasher, resolved)
		if err != nil {
			return nil, &core.ArtifactError{Name: n.Name, Err: err}
		}
		r.mu.Lock()
		if r.memo == nil {
			r.memo = make(map[string]resolvedNode)
		}
		r.memo[key] = res
		r.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return resolvedNode{}, err
	}
	return v.(resolvedNode), nil
}

func (r *Resolver) resolveNode(ctx context.Context, g *Graph, n *Node, hasher *core.Hasher, resolved []resolvedNode) (resolvedNode, error) {
	a := n.Artifact
	logger := logging.OrDiscard(r.Logger).With("artifact", a.Name)

	sources := make([]string, len(a.Sources))
	for i, src := range a.Sources {
		digest, err := r.resolveSource(ctx, src, hasher, logger)
		if err != nil {
			return resolvedNode{}, err
		}
		sources[i] = digest
	}

	depHashes := make([]string, len(n.Deps))
	for i, d := range n.Deps {
		depHashes[i] = resolved[d.index].id.Hash
	}

	stepKeys := make([][]string, len(a.Steps))
	for i, step := range a.Steps {
		for _, d := range step.Artifacts {
			dn := g.byPtr[d]
			stepKeys[i] = append(stepKeys[i], core.EnvKey(resolved[dn.index].id.Hash))
		}
	}
	spec, err := specDigest(a, g.target, stepKeys)
	if err != nil {
		return resolvedNode{}, fmt.Errorf("encoding spec: %w", err)
	}

	id := core.ArtifactID{Name: a.Name, Hash: artifactDigest(sources, depHashes, spec)}
	logger.Info("resolved artifact", "hash", id.Hash, "system", g.target.String())
	return resolvedNode{id: id, sources: sources}, nil
}

func (r *Resolver) resolveSource(ctx context.Context, src core.ArtifactSource, hasher *core.Hasher, logger *slog.Logger) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fetched, err := r.Fetcher.Fetch(ctx, src, r.ContextDir)
	if err != nil {
		return "", err
	}
	defer fetched.Close()

	set, err := core.Collect(fetched.Root, src.Includes, src.Excludes)
	if err != nil {
		return "", err
	}
	if len(set.Paths) == 0 {
		return "", &core.EmptyInputError{What: fmt.Sprintf("source %q matched no files", src.Name)}
	}

	digest, err := hasher.HashFiles(set.Abs())
	if err != nil {
		return "", err
	}
	if src.Hash != "" && src.Hash != digest {
		return "", &core.HashMismatchError{Source: src.Name, Expected: src.Hash, Actual: digest}
	}

	id := core.ArtifactID{Name: src.Name, Hash: digest}
	if _, _, err := r.Store.Populate(ctx, id, set.Root, set.Paths); err != nil {
		return "", err
	}
	if _, err := r.Store.Pack(id); err != nil {
		return "", err
	}
	if r.Registry != nil {
		if err := registry.PushArchive(ctx, r.Registry, r.Store, registry.KindSource, id); err != nil {
			return "", fmt.Errorf("pushing source %s: %w", id, err)
		}
	}

	logger.Debug("resolved source", "source", src.Name, "hash", digest, "path", fetched.Root, "files", len(set.Paths))
	return digest, nil
}
