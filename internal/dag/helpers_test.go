package dag

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/source"
	"vorpal/internal/store"
)

const testSystem = core.X8664Linux

// recipe returns a source-less artifact for testSystem that depends on deps.
func recipe(name string, deps ...*core.Artifact) *core.Artifact {
	return &core.Artifact{
		Name:      name,
		Systems:   []core.System{testSystem},
		Steps:     []core.ArtifactStep{{Script: "build " + name}},
		Artifacts: deps,
	}
}

// countingFetcher fetches through a real source.Fetcher and counts calls
// per source name.
type countingFetcher struct {
	inner *source.Fetcher

	mu    sync.Mutex
	calls map[string]int
}

func newCountingFetcher(t *testing.T, st *store.Store) *countingFetcher {
	t.Helper()
	return &countingFetcher{inner: source.NewFetcher(st.SandboxDir(), nil), calls: map[string]int{}}
}

func (f *countingFetcher) Fetch(ctx context.Context, src core.ArtifactSource, contextDir string) (*source.Fetched, error) {
	f.mu.Lock()
	f.calls[src.Name]++
	f.mu.Unlock()
	return f.inner.Fetch(ctx, src, contextDir)
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	return st
}

// resolvePlan builds and resolves root with a fresh store and fetcher.
func resolvePlan(t *testing.T, root *core.Artifact) *Plan {
	t.Helper()
	g, err := NewGraph(root, testSystem)
	require.NoError(t, err)

	st := newTestStore(t)
	r := NewResolver(st, newCountingFetcher(t, st), nil)
	p, err := r.Resolve(context.Background(), g)
	require.NoError(t, err)
	return p
}

// keyOf returns the plan key of the entry named name.
func keyOf(t *testing.T, p *Plan, name string) string {
	t.Helper()
	for _, e := range p.Entries {
		if e.ID.Name == name {
			return e.ID.String()
		}
	}
	t.Fatalf("no entry named %q", name)
	return ""
}
