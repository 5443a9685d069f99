package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/agent"
	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/mergegate"
	"github.com/gabelul/autocoder/internal/orchestrator"
	"github.com/gabelul/autocoder/internal/server"
)

type runOptions struct {
	workers      int
	stopWhenDone bool
	addr         string
	quiet        bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Work the queue with a pool of coding agents",
		Long: `Start the worker pool. Each worker claims a feature, lets the agent work in
its own worktree, and hands the change to the merge gate. The pool runs until
interrupted, or until the queue is drained with --stop-when-done.

With http.addr (or --addr) set, the control API keeps serving after the pool
stops so it can be started again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(cmd, opts, ro)
		},
	}
	cmd.Flags().IntVarP(&ro.workers, "workers", "w", 0, "Number of workers (default from config)")
	cmd.Flags().BoolVar(&ro.stopWhenDone, "stop-when-done", false, "Exit once nothing is left to work on")
	cmd.Flags().StringVar(&ro.addr, "addr", "", "Serve the control API on this address")
	cmd.Flags().BoolVarP(&ro.quiet, "quiet", "q", false, "Do not print progress events")
	return cmd
}

func runPool(cmd *cobra.Command, opts *rootOptions, ro *runOptions) error {
	p, err := loadProject(cmd, opts)
	if err != nil {
		return err
	}
	defer p.close()

	if ro.workers > 0 {
		p.cfg.Orchestrator.Workers = ro.workers
	}
	if ro.stopWhenDone {
		p.cfg.Orchestrator.StopWhenDone = true
	}
	if ro.addr != "" {
		p.cfg.HTTP.Addr = ro.addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := p.openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	ws, err := gitws.New(p.dir, p.cfg.WorkspaceOptions(p.log))
	if err != nil {
		return err
	}

	classifier := blockers.New(database, p.log)
	pool := orchestrator.New(orchestrator.Deps{
		Store:      database,
		Workspaces: ws,
		Generator:  agent.NewCommandGenerator(p.cfg.AgentConfig(), ws, p.log),
		Merger:     mergegate.New(ws, p.cfg.GateConfig(), p.log),
		Cycles:     classifier,
		Logger:     p.log,
	}, orchestrator.Config{
		Workers:           p.cfg.Orchestrator.Workers,
		StopWhenDone:      p.cfg.Orchestrator.StopWhenDone,
		PollInterval:      p.cfg.Orchestrator.PollInterval,
		HeartbeatInterval: p.cfg.Orchestrator.HeartbeatInterval,
		HeartbeatTimeout:  p.cfg.Orchestrator.HeartbeatTimeout,
		SpawnInterval:     p.cfg.Orchestrator.SpawnInterval,
		MaxStoreFailures:  p.cfg.Orchestrator.MaxStoreFailures,
		StopGrace:         p.cfg.Orchestrator.StopGrace,
		AgentTimeout:      p.cfg.Agent.Timeout,
		LockPath:          p.cfg.Orchestrator.LockPath,
		AutoEnqueueStaged: p.cfg.Queue.AutoEnqueueStaged,
		StagedBatch:       p.cfg.Queue.StagedBatch,
	})

	if !ro.quiet {
		go printEvents(ctx, p.out, pool.Events())
	}

	if addr := p.cfg.HTTP.Addr; addr != "" {
		srv := server.NewServer(database, pool, classifier, p.log)
		go func() {
			if err := srv.Start(ctx, addr); err != nil {
				p.log.Error("control API failed", zap.Error(err))
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				p.log.Warn("control API shutdown", zap.Error(err))
			}
		}()
	}

	err = pool.Start(ctx)
	if err != nil && !errors.Is(err, orchestrator.ErrCrashed) {
		return err
	}
	if p.cfg.HTTP.Addr != "" && ctx.Err() == nil {
		if err != nil {
			p.log.Error("pool crashed", zap.Error(err))
		}
		p.log.Info("pool stopped, control API still serving", zap.String("addr", p.cfg.HTTP.Addr))
		<-ctx.Done()
		// A pool restarted through the API stops with ctx.
		return waitStopped(pool, p.cfg.Orchestrator.StopGrace+5*time.Second)
	}
	return err
}

// waitStopped waits for a pool started elsewhere to finish its shutdown.
func waitStopped(pool *orchestrator.Orchestrator, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		switch pool.State() {
		case orchestrator.StateStopped, orchestrator.StateCrashed:
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("pool did not stop within %s", limit)
}

func printEvents(ctx context.Context, w io.Writer, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind == orchestrator.EventOutput {
				continue
			}
			fmt.Fprintln(w, formatEvent(ev))
		}
	}
}

func formatEvent(ev orchestrator.Event) string {
	style := mutedStyle
	switch ev.Kind {
	case orchestrator.EventMerge, orchestrator.EventClaimed:
		style = accentStyle
	case orchestrator.EventHeartbeat, orchestrator.EventError:
		style = failStyle
	case orchestrator.EventState:
		style = boldStyle
	}

	line := ev.Time.Format("15:04:05") + " " + style.Render(fmt.Sprintf("%-14s", ev.Kind))
	if ev.WorkerID != "" {
		line += " " + ev.WorkerID
	}
	if ev.FeatureID != 0 {
		line += fmt.Sprintf(" #%d", ev.FeatureID)
	}
	return line + " " + ev.Message
}
