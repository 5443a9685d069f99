package config

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/agent"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/mergegate"
)

func (c *Config) RetryPolicy() db.RetryPolicy {
	p := db.DefaultRetryPolicy()
	p.MaxAttempts = c.Queue.MaxAttempts
	p.InitialBackoff = c.Queue.BackoffInitial
	p.MaxBackoff = c.Queue.BackoffMax
	p.JitterFactor = c.Queue.BackoffJitter
	return p
}

func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Command: c.Agent.Command,
		Args:    append([]string(nil), c.Agent.Args...),
		Model:   c.Agent.Model,
		Timeout: c.Agent.Timeout,
	}
}

func (c *Config) GateConfig() mergegate.Config {
	cfg := mergegate.Config{
		Commands:     make(map[string]mergegate.CommandSpec, len(c.Commands)),
		Preset:       c.Gate.Preset,
		AllowNoTests: c.Gate.AllowNoTests,
		Timeout:      c.Gate.Timeout,
		Review: mergegate.ReviewConfig{
			Enabled:   c.Review.Enabled,
			Mode:      c.Review.Mode,
			Consensus: c.Review.Consensus,
		},
	}
	for name, cmd := range c.Commands {
		cfg.Commands[name] = mergegate.CommandSpec{Command: cmd.Command, Timeout: cmd.Timeout}
	}
	for _, e := range c.Review.Engines {
		cfg.Review.Engines = append(cfg.Review.Engines, mergegate.ReviewEngine{Name: e.Name, Command: e.Command})
	}
	return cfg
}

func (c *Config) WorkspaceOptions(log *zap.Logger) gitws.Options {
	return gitws.Options{
		Dir:         c.Workspace.Dir,
		Trunk:       c.Workspace.Trunk,
		IgnoreDirty: append([]string(nil), c.Workspace.IgnoreDirty...),
		Logger:      log,
	}
}

// Resolve makes the store, snapshot and lock paths absolute under projectDir.
func (c *Config) Resolve(projectDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(projectDir, p)
	}
	c.Store.Path = abs(c.Store.Path)
	c.Store.Snapshot = abs(c.Store.Snapshot)
	c.Orchestrator.LockPath = abs(c.Orchestrator.LockPath)
}
