package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/config"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/logging"
)

// project is a resolved project directory with its configuration.
type project struct {
	dir string
	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

// loadProject resolves the configuration of the --project directory. Logs
// go to the command's stderr so stdout stays parseable.
func loadProject(cmd *cobra.Command, opts *rootOptions) (*project, error) {
	dir, err := filepath.Abs(opts.project)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	cfg.Resolve(dir)

	log, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	for _, note := range cfg.Clamped {
		log.Warn("config clamped", zap.String("change", note))
	}

	return &project{dir: dir, cfg: cfg, log: log, out: cmd.OutOrStdout()}, nil
}

// openStore opens and migrates the work queue, applying the configured
// retry policy and snapshot export.
func (p *project) openStore(ctx context.Context) (*db.DB, error) {
	database, err := db.Open(p.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	database.Policy = p.cfg.RetryPolicy()

	if p.cfg.Store.AutoSnapshot && p.cfg.Store.Snapshot != "" {
		database.EnableAutoSnapshot(p.cfg.Store.Snapshot, func(err error) {
			p.log.Warn("snapshot export failed", zap.Error(err))
		})
	}
	return database, nil
}

func (p *project) close() {
	_ = logging.Sync(p.log)
}

// withStore runs fn against an open store and closes everything after.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(p *project, database *db.DB) error) error {
	p, err := loadProject(cmd, opts)
	if err != nil {
		return err
	}
	defer p.close()

	database, err := p.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(p, database)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkf(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, okStyle.Render("✓")+" "+fmt.Sprintf(format, args...))
}
