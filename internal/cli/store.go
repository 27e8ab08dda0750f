package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"vorpal/internal/core"
	"vorpal/internal/registry"
)

// errNoRegistry is reported by push and pull without a configured registry.
var errNoRegistry = errors.New("no registry configured")

func newStoreCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and move entries of the local artifact store",
	}

	var kind string
	kindFlag := func(c *cobra.Command) {
		c.Flags().StringVar(&kind, "kind", string(registry.KindArtifact), "registry object kind: artifact|source")
	}

	path := &cobra.Command{
		Use:   "path <name> <hash>",
		Short: "Print the store directory of an entry; fails when it is absent",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			id := core.ArtifactID{Name: args[0], Hash: args[1]}
			ok, err := a.store.Has(id)
			if err != nil {
				return withExit(ExitInternalError, err)
			}
			if !ok {
				return withExit(ExitBuildFailure, fmt.Errorf("%s is not in the store", id))
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.store.Path(id))
			return nil
		},
	}

	pack := &cobra.Command{
		Use:   "pack <name> <hash>",
		Short: "Write the deterministic archive of a store entry and print its path",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			archive, err := a.store.Pack(core.ArtifactID{Name: args[0], Hash: args[1]})
			if err != nil {
				return withExit(ExitBuildFailure, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), archive)
			return nil
		},
	}

	push := &cobra.Command{
		Use:   "push <name> <hash>",
		Short: "Upload a store entry to the registry",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			if a.registry == nil {
				return withExit(ExitConfigError, errNoRegistry)
			}
			id := core.ArtifactID{Name: args[0], Hash: args[1]}
			if err := registry.PushArchive(cmd.Context(), a.registry, a.store, registry.Kind(kind), id); err != nil {
				return withExit(ExitBuildFailure, err)
			}
			a.logger.Info("pushed", "artifact", id.String(), "kind", kind)
			return nil
		},
	}
	kindFlag(push)

	pull := &cobra.Command{
		Use:   "pull <name> <hash>",
		Short: "Restore a store entry from the registry and print its path",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			if a.registry == nil {
				return withExit(ExitConfigError, errNoRegistry)
			}
			id := core.ArtifactID{Name: args[0], Hash: args[1]}
			ok, err := registry.PullArchive(cmd.Context(), a.registry, a.store, registry.Kind(kind), id)
			if err != nil {
				return withExit(ExitBuildFailure, err)
			}
			if !ok {
				return withExit(ExitBuildFailure, fmt.Errorf("%s: %w", id, registry.ErrNotFound))
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.store.Path(id))
			return nil
		},
	}
	kindFlag(pull)

	cmd.AddCommand(path, pack, push, pull)
	return cmd
}
