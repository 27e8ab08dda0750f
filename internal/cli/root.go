// Package cli implements the vorpal command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const defaultManifest = "vorpal.yaml"

type globalFlags struct {
	configFile  string
	envFile     string
	manifest    string
	target      string
	root        string
	worker      string
	concurrency int
	logLevel    string
	logFormat   string
}

// NewRootCmd returns the vorpal command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "vorpal",
		Short:         "Resolve and build content-addressed artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q", args[0])
			}
			return cmd.Help()
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitInvalidInvocation, Err: err}
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "config file (default ./vorpal.toml when present)")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file (default ./.env when present)")
	pf.StringVarP(&g.manifest, "manifest", "m", defaultManifest, "artifact manifest (YAML or JSON)")
	pf.StringVar(&g.target, "target", "", "target system, e.g. x86_64-linux (default host)")
	pf.StringVar(&g.root, "root", "", "store root directory")
	pf.StringVar(&g.worker, "worker", "", "worker address")
	pf.IntVar(&g.concurrency, "concurrency", 0, "parallel resolution and builds (0 = GOMAXPROCS)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "", "text|json")

	cmd.AddCommand(
		newBuildCmd(g),
		newPlanCmd(g),
		newHashCmd(),
		newStoreCmd(g),
		newRunsCmd(g),
	)
	return cmd
}

// Run executes the command line args (without argv[0]) and returns the
// process exit code. Errors are printed to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitCode(err)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("expected %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) > n {
			return invalidInvocationf("expected at most %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}
