package main

import (
	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/db"
)

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import the queue as JSON lines",
		Long: `The snapshot is a JSON-lines copy of every feature and dependency, kept
next to the database and rewritten after each change when store.auto_snapshot
is set. Commit it to carry a plan between machines.`,
	}

	export := &cobra.Command{
		Use:   "export [path]",
		Short: "Write the snapshot (default store.snapshot)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				path := snapshotPath(p, args)
				if err := database.ExportSnapshot(cmd.Context(), path); err != nil {
					return err
				}
				checkf(p.out, "Exported snapshot to %s", path)
				return nil
			})
		},
	}

	imp := &cobra.Command{
		Use:   "import [path]",
		Short: "Upsert features and dependencies from a snapshot",
		Long: `Upsert features and dependencies by id. Claims are not carried over: features
in progress come back pending.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				path := snapshotPath(p, args)
				database.DisableOnChange()
				defer database.EnableOnChange()
				if err := database.ImportSnapshot(cmd.Context(), path); err != nil {
					return err
				}
				checkf(p.out, "Imported snapshot from %s", path)
				return nil
			})
		},
	}

	cmd.AddCommand(export, imp)
	return cmd
}

func snapshotPath(p *project, args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return p.cfg.Store.Snapshot
}
