package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"vorpal/internal/config"
	"vorpal/internal/core"
	"vorpal/internal/dag"
	"vorpal/internal/logging"
	"vorpal/internal/manifest"
	"vorpal/internal/registry"
	"vorpal/internal/runs"
	"vorpal/internal/source"
	"vorpal/internal/store"
)

// app is the per-invocation environment shared by commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	target   core.System
	store    *store.Store
	registry registry.Backend
}

// newApp loads configuration, applies flags on top and opens the store.
// Every failure is a configuration error.
func newApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := config.Load(config.Options{File: g.configFile, EnvFile: g.envFile})
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = g.root
	}
	if flags.Changed("target") {
		cfg.Target = g.target
	}
	if flags.Changed("worker") {
		cfg.Worker.Address = g.worker
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = g.concurrency
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, withExit(ExitConfigError, err)
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}
	target, err := cfg.TargetSystem()
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}
	st, err := store.New(cfg.Root, logger)
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}
	reg, err := openRegistry(cfg.Registry)
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}

	return &app{cfg: cfg, logger: logger, target: target, store: st, registry: reg}, nil
}

func openRegistry(rc config.RegistryConfig) (registry.Backend, error) {
	switch rc.Backend {
	case config.RegistryLocal:
		return registry.NewLocalBackend(rc.Dir)
	case config.RegistryS3:
		return registry.NewS3Backend(registry.S3Config{
			Endpoint:  rc.S3.Endpoint,
			Region:    rc.S3.Region,
			AccessKey: rc.S3.AccessKey,
			SecretKey: rc.S3.SecretKey,
			Bucket:    rc.S3.Bucket,
			UseSSL:    rc.S3.UseSSL,
		})
	default:
		return nil, nil
	}
}

// plan loads the manifest, validates the graph for the target and resolves
// it. Manifest and graph problems are configuration errors; resolution
// failures are build failures.
func (a *app) plan(ctx context.Context, manifestPath, name string) (*dag.Plan, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}
	root, err := m.Root(name)
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}

	g, err := dag.NewGraph(root, a.target)
	if err != nil {
		return nil, withExit(ExitConfigError, err)
	}
	a.logger.Debug("graph validated", "artifact", root.Name, "system", a.target.String(), "nodes", g.Len(), "graph", g.Hash())

	r := dag.NewResolver(a.store, source.NewFetcher(a.store.SandboxDir(), a.logger), a.logger)
	r.Registry = a.registry
	r.ContextDir = m.Dir
	r.Concurrency = a.cfg.Workers()

	p, err := r.Resolve(ctx, g)
	if err != nil {
		return nil, withExit(ExitBuildFailure, err)
	}
	return p, nil
}

// runStore opens the run history kept next to the store.
func (a *app) runStore() (*runs.Store, error) {
	return runs.NewStore(filepath.Join(a.store.Root(), "runs"))
}

// startRun records the start of a build. History is best effort: a
// failure is logged and the build proceeds unrecorded.
func (a *app) startRun(p *dag.Plan, disabled bool) (*runs.Recorder, runs.Run, bool) {
	if disabled {
		return nil, runs.Run{}, false
	}
	st, err := a.runStore()
	if err != nil {
		a.logger.Warn("run history unavailable", "err", err)
		return nil, runs.Run{}, false
	}
	rec := &runs.Recorder{Store: st}
	run, err := rec.Start(p)
	if err != nil {
		a.logger.Warn("recording run failed", "err", err)
		return nil, runs.Run{}, false
	}
	a.logger.Debug("run started", "run", run.ID, "retry", run.RetryCount)
	return rec, run, true
}
