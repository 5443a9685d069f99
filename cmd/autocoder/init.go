package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/config"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/gitws"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Prepare a project for autocoder",
		Long: `Make the directory a git repository with an initial commit when it is not
one yet, write autocoder.yaml with the defaults, and create the work queue.
An existing snapshot is imported into a fresh queue.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.project = args[0]
			}
			return runInit(cmd, opts)
		},
	}
}

func runInit(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dir, err := filepath.Abs(opts.project)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	// The config goes in first so a new repository's initial commit
	// carries it and trunk starts clean.
	written, err := config.WriteDefault(dir)
	if err != nil {
		return err
	}
	if written {
		checkf(out, "Wrote %s", config.FileName)
	}

	created, err := gitws.EnsureRepo(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to prepare git repository: %w", err)
	}
	if created {
		checkf(out, "Created git repository with an initial commit")
	} else if written {
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("! Commit %s before running; uncommitted changes on trunk pause the pool.", config.FileName)))
	}

	return withStore(cmd, opts, func(p *project, database *db.DB) error {
		checkf(out, "Initialized database at %s", p.cfg.Store.Path)

		if _, err := os.Stat(p.cfg.Store.Snapshot); err != nil {
			return nil
		}
		stats, err := database.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Total() > 0 {
			return nil
		}
		// The import must not re-export the file it reads.
		database.DisableOnChange()
		defer database.EnableOnChange()
		if err := database.ImportSnapshot(ctx, p.cfg.Store.Snapshot); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		checkf(out, "Imported snapshot from %s", p.cfg.Store.Snapshot)
		return nil
	})
}
