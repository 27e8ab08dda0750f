package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vorpal/internal/runs"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the history of builds",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded builds, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			st, err := a.runStore()
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			ids, err := st.ListRunIDs()
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				run, err := st.LoadRun(id)
				if err != nil {
					a.logger.Warn("skipping unreadable run", "run", id, "err", err)
					continue
				}
				fmt.Fprintf(out, "%s %s %s %s\n", run.ID, statusString(run.Status), run.StartTime.Format(time.RFC3339), run.Root)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a recorded build with the outcome of every artifact",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			st, err := a.runStore()
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			run, err := st.LoadRun(args[0])
			if errors.Is(err, fs.ErrNotExist) {
				return invalidInvocationf("unknown run %q", args[0])
			}
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			outcomes, err := st.LoadOutcomes(run.ID)
			if err != nil {
				return withExit(ExitInternalError, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:      %s\n", run.ID)
			fmt.Fprintf(out, "status:   %s\n", statusString(run.Status))
			fmt.Fprintf(out, "plan:     %s\n", run.PlanHash)
			fmt.Fprintf(out, "target:   %s\n", run.Target)
			fmt.Fprintf(out, "artifact: %s\n", run.Root)
			fmt.Fprintf(out, "started:  %s\n", run.StartTime.Format(time.RFC3339))
			if !run.EndTime.IsZero() {
				fmt.Fprintf(out, "duration: %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
			}
			if run.PreviousRunID != nil {
				fmt.Fprintf(out, "previous: %s (retry %d)\n", *run.PreviousRunID, run.RetryCount)
			}

			f, err := st.LoadFailure(run.ID)
			switch {
			case err == nil:
				fmt.Fprintf(out, "failure:  %s/%s: %s\n", f.Class, f.ErrorCode, f.ErrorMessage)
			case !errors.Is(err, fs.ErrNotExist):
				return withExit(ExitInternalError, err)
			}

			for _, o := range outcomes {
				fmt.Fprintf(out, "  %-9s %s\n", o.State, o.Artifact)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func statusString(s runs.Status) string {
	switch s {
	case runs.StatusSucceeded:
		return color.GreenString(string(s))
	case runs.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
