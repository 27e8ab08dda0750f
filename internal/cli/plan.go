package cli

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"vorpal/internal/core"
)

func newPlanCmd(g *globalFlags) *cobra.Command {
	var hashOnly bool

	cmd := &cobra.Command{
		Use:   "plan [artifact]",
		Short: "Resolve an artifact and print its build plan without building",
		Long: `Resolve the artifact (or the manifest default) for the target system and
print the canonical plan JSON: every artifact id in dependency order with the
exact request the worker would receive. Secret values are never printed.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			p, err := a.plan(cmd.Context(), g.manifest, firstArg(args))
			if err != nil {
				return err
			}

			if hashOnly {
				h, err := p.Hash()
				if err != nil {
					return withExit(ExitInternalError, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), h)
				return nil
			}
			b, err := p.CanonicalJSON()
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().BoolVar(&hashOnly, "hash", false, "print only the plan hash")
	return cmd
}

func newHashCmd() *cobra.Command {
	var (
		includes []string
		excludes []string
		list     bool
		tree     bool
	)

	cmd := &cobra.Command{
		Use:   "hash <path>",
		Short: "Print the content digest of a file or directory",
		Long: `Collect the files under path with the same include and exclude rules a
source uses and print their combined digest. The result is the value a
source's hash field must declare to be accepted.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := core.Collect(args[0], includes, excludes)
			if err != nil {
				return err
			}
			digest, err := core.HashFiles(set.Abs())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if tree {
				t, err := core.BuildTree(args[0], excludes)
				if err != nil {
					return err
				}
				printTree(out, t)
			}
			if list {
				for _, p := range set.Paths {
					fmt.Fprintln(out, p)
				}
			}
			fmt.Fprintln(out, digest)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&includes, "include", nil, "only hash paths containing this pattern (repeatable)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "skip paths containing this pattern (repeatable)")
	cmd.Flags().BoolVar(&list, "list", false, "print the collected paths before the digest")
	cmd.Flags().BoolVar(&tree, "tree", false, "print the directory tree left after excludes, with file and directory counts")
	return cmd
}

// printTree writes t one entry per line, indented by depth, followed by a
// count line. Directories end in a slash.
func printTree(w io.Writer, t *core.Tree) {
	type frame struct {
		n     *core.Tree
		depth int
	}
	stack := []frame{{t, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		name := path.Base(f.n.Path)
		if f.n.Kind == core.TreeNode {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", f.depth), name)
		for i := len(f.n.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.n.Children[i], f.depth + 1})
		}
	}
	files, dirs := t.Count()
	fmt.Fprintf(w, "%d files, %d directories\n", files, dirs)
}
