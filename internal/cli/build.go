package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vorpal/internal/core"
	"vorpal/internal/dag"
	"vorpal/internal/dispatch"
)

func newBuildCmd(g *globalFlags) *cobra.Command {
	var (
		tracePath string
		quiet     bool
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "build [artifact]",
		Short: "Resolve an artifact and build whatever is not already available",
		Long: `Resolve the artifact (or the manifest default) for the target system,
then dispatch every artifact that is neither in the local store nor in the
registry to the worker, dependencies first. The store path of the requested
artifact is printed on success.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			p, err := a.plan(ctx, g.manifest, firstArg(args))
			if err != nil {
				return err
			}

			client, err := dispatch.NewClient(nil, a.cfg.Worker.Address, a.logger)
			if err != nil {
				return withExit(ExitConfigError, err)
			}
			runner, err := dag.NewCacheAwareRunner(a.store, a.registry, client, a.logger)
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			if !quiet {
				runner.Logs = logPrinter(cmd.ErrOrStderr())
			}

			exec, err := dag.NewExecutor(p, runner, a.logger)
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			rec, run, recording := a.startRun(p, noHistory)
			res, runErr := exec.Run(ctx, a.cfg.Workers())
			if recording {
				if run, err = rec.Finish(run, res, runErr); err != nil {
					a.logger.Warn("recording run failed", "run", run.ID, "err", err)
				} else {
					a.logger.Info("run recorded", "run", run.ID, "status", string(run.Status))
				}
			}
			if res != nil {
				printSummary(cmd.OutOrStdout(), p, res)
				if tracePath != "" {
					if err := writeTrace(tracePath, res); err != nil {
						return withExit(ExitInternalError, err)
					}
				}
			}
			if runErr != nil {
				return withExit(ExitBuildFailure, runErr)
			}

			out := res.Outputs[p.Root.String()]
			fmt.Fprintln(cmd.OutOrStdout(), a.store.Path(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&tracePath, "trace", "", "write the canonical build trace to this file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not stream worker logs")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this build in the run history")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// logPrinter prefixes each worker log line with the artifact name.
func logPrinter(w io.Writer) func(core.ArtifactID, []byte) {
	var mu sync.Mutex
	prefix := color.New(color.FgCyan).SprintFunc()
	return func(id core.ArtifactID, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		for _, line := range bytes.SplitAfter(chunk, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			fmt.Fprintf(w, "%s %s", prefix(id.Name+" |"), line)
		}
	}
}

func stateString(s dag.State) string {
	switch s {
	case dag.StateCompleted:
		return color.GreenString("%-9s", s)
	case dag.StateCached:
		return color.CyanString("%-9s", s)
	case dag.StateFailed:
		return color.RedString("%-9s", s)
	case dag.StateSkipped:
		return color.YellowString("%-9s", s)
	default:
		return fmt.Sprintf("%-9s", s)
	}
}

func printSummary(w io.Writer, p *dag.Plan, res *dag.BuildResult) {
	for _, e := range p.Entries {
		key := e.ID.String()
		fmt.Fprintf(w, "%s %s\n", stateString(res.FinalState[key]), key)
	}
}

func writeTrace(path string, res *dag.BuildResult) error {
	b, err := res.Trace.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing trace: %w", err)
	}
	return nil
}
