package dag

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/registry"
	"vorpal/internal/store"
	"vorpal/internal/wire"
)

// Dispatcher ships one build request to a worker. logs is called with each
// chunk of worker output as it arrives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req wire.BuildRequest, logs func([]byte)) (core.ArtifactID, error)
}

// NodeResult is the outcome of probing or building one plan entry.
type NodeResult struct {
	Output core.ArtifactID
	Log    []byte

	// Pulled is set when the output came from the registry instead of the
	// local store or a build.
	Pulled bool
}

// EntryRunner satisfies plan entries for the Executor.
type EntryRunner interface {
	// Probe reports whether e's output is already available. An error is an
	// infrastructure failure, not a cache miss.
	Probe(ctx context.Context, e *PlanEntry) (*NodeResult, bool, error)

	// Run builds e. An error fails the entry.
	Run(ctx context.Context, e *PlanEntry) (*NodeResult, error)
}

// CacheAwareRunner satisfies entries from the local store, then the
// registry, and only then by dispatching a build.
type CacheAwareRunner struct {
	Store      *store.Store
	Registry   registry.Backend
	Dispatcher Dispatcher

	// Logs, when set, receives worker output as it streams in.
	Logs func(id core.ArtifactID, chunk []byte)

	Logger *slog.Logger
}

// NewCacheAwareRunner returns a runner over st and d. Registry is optional.
func NewCacheAwareRunner(st *store.Store, reg registry.Backend, d Dispatcher, logger *slog.Logger) (*CacheAwareRunner, error) {
	if st == nil {
		return nil, fmt.Errorf("nil store")
	}
	if d == nil {
		return nil, fmt.Errorf("nil dispatcher")
	}
	return &CacheAwareRunner{Store: st, Registry: reg, Dispatcher: d, Logger: logging.OrDiscard(logger)}, nil
}

func (r *CacheAwareRunner) Probe(ctx context.Context, e *PlanEntry) (*NodeResult, bool, error) {
	ok, err := r.Store.Has(e.ID)
	if err != nil {
		return nil, false, fmt.Errorf("checking store: %w", err)
	}
	if ok {
		return &NodeResult{Output: e.ID}, true, nil
	}
	if r.Registry == nil {
		return nil, false, nil
	}
	pulled, err := registry.PullArchive(ctx, r.Registry, r.Store, registry.KindArtifact, e.ID)
	if err != nil {
		return nil, false, fmt.Errorf("pulling from registry: %w", err)
	}
	if !pulled {
		return nil, false, nil
	}
	return &NodeResult{Output: e.ID, Pulled: true}, true, nil
}

func (r *CacheAwareRunner) Run(ctx context.Context, e *PlanEntry) (*NodeResult, error) {
	logger := logging.OrDiscard(r.Logger).With("artifact", e.ID.Name, "hash", e.ID.Hash)

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	sink := func(chunk []byte) {
		mu.Lock()
		buf.Write(chunk)
		mu.Unlock()
		if r.Logs != nil {
			r.Logs(e.ID, chunk)
		}
	}

	req := e.Request(uuid.NewString())
	logger.Info("dispatching build", "request", req.ID, "system", req.Artifact.Target)
	out, err := r.Dispatcher.Dispatch(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	if out != e.ID {
		logger.Warn("worker reported a different output id", "output", out.String())
	}

	if r.Registry != nil {
		if _, err := registry.PullArchive(ctx, r.Registry, r.Store, registry.KindArtifact, out); err != nil {
			return nil, fmt.Errorf("pulling output %s: %w", out, err)
		}
	}

	mu.Lock()
	log := append([]byte(nil), buf.Bytes()...)
	mu.Unlock()
	return &NodeResult{Output: out, Log: log}, nil
}
