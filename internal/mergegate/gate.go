// Package mergegate verifies finished changes against the current trunk and
// fast-forwards trunk to the ones that pass. It is the only writer of trunk.
package mergegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/metrics"
	"github.com/gabelul/autocoder/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Workspaces is the part of the workspace isolator the gate needs.
type Workspaces interface {
	AcquireScratch(ctx context.Context) (*gitws.Workspace, error)
	Release(ctx context.Context, ws *gitws.Workspace) error
	FastForward(ctx context.Context, commit, expectedTip string) error
}

type Config struct {
	// Commands keyed by "lint", "typecheck" or "test" override the preset.
	Commands map[string]CommandSpec
	// Preset is "", "none", "go", "node", "python" or "rust". Empty detects
	// the preset from the project files.
	Preset string
	// AllowNoTests lets a change merge when no verification command is
	// configured. Without it such changes are rejected as terminal.
	AllowNoTests bool
	// Timeout is the default per-command timeout.
	Timeout time.Duration
	Review  ReviewConfig
}

// Change is a finished feature waiting to be merged.
type Change struct {
	FeatureID   int64
	FeatureName string
	WorkerID    string
	Patch       []byte
	// BaseTip is the trunk commit the patch was produced against.
	BaseTip string
}

type Gate struct {
	mu  sync.Mutex
	ws  Workspaces
	cfg Config
	log *zap.Logger
}

func New(ws Workspaces, cfg Config, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{ws: ws, cfg: cfg, log: log.Named("gate")}
}

// VerifyAndMerge applies the change on a scratch checkout of the current
// trunk tip, runs verification and review, and fast-forwards trunk on
// ACCEPT. Calls are serialised, so verdicts are totally ordered and every
// change is verified against the trunk it would land on.
//
// A REJECT is a normal result. An error means the gate could not decide
// (trunk dirty, git failure, shutdown) and trunk is unchanged.
func (g *Gate) VerifyAndMerge(ctx context.Context, c Change) (*models.MergeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	rec := &models.MergeRecord{
		ID:        uuid.NewString(),
		FeatureID: c.FeatureID,
		WorkerID:  c.WorkerID,
		BaseTip:   c.BaseTip,
		StartedAt: start,
	}
	log := g.log.With(zap.Int64("feature_id", c.FeatureID), zap.String("worker_id", c.WorkerID))

	scratch, err := g.ws.AcquireScratch(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare scratch checkout: %w", err)
	}
	defer func() {
		// The scratch checkout is discarded whatever happened.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := g.ws.Release(relCtx, scratch); err != nil {
			log.Warn("failed to discard scratch checkout", zap.String("path", scratch.Path), zap.Error(err))
		}
	}()
	rec.TrunkTip = scratch.Base

	err = g.verify(ctx, c, scratch, rec, log)
	if err != nil {
		return nil, err
	}

	rec.FinishedAt = time.Now()
	metrics.MergeVerdicts.WithLabelValues(string(rec.Verdict)).Inc()
	metrics.MergeDuration.Observe(rec.FinishedAt.Sub(start).Seconds())

	if rec.Accepted() {
		log.Info("change merged", zap.String("tip", rec.MergedTip), zap.Bool("no_tests", rec.NoTests))
	} else {
		log.Info("change rejected", zap.String("reason", rec.Reason), zap.Bool("terminal", rec.Terminal))
	}
	return rec, nil
}

func (g *Gate) verify(ctx context.Context, c Change, scratch *gitws.Workspace, rec *models.MergeRecord, log *zap.Logger) error {
	reject := func(terminal bool, format string, args ...any) error {
		rec.Verdict = models.VerdictReject
		rec.Terminal = terminal
		rec.Reason = fmt.Sprintf(format, args...)
		return nil
	}

	if len(c.Patch) == 0 {
		return reject(false, "empty patch")
	}
	if err := gitws.ApplyPatch(ctx, scratch.Path, c.Patch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return reject(false, "patch does not apply to trunk %s: %v", shortHash(scratch.Base), err)
	}
	commit, err := gitws.Commit(ctx, scratch.Path, commitMessage(c))
	if err != nil {
		return fmt.Errorf("commit change: %w", err)
	}

	cmds := g.resolveCommands(scratch.Path)
	if len(cmds) == 0 {
		if !g.cfg.AllowNoTests {
			return reject(true, "no verification commands configured and allow_no_tests is off")
		}
		rec.NoTests = true
		log.Warn("merging without verification (allow_no_tests)")
	}
	for _, cmd := range cmds {
		res, err := g.runCommand(ctx, scratch.Path, cmd, nil)
		if err != nil {
			return err
		}
		rec.Commands = append(rec.Commands, res)
		if !res.Passed() {
			if res.TimedOut {
				return reject(false, "%s timed out after %s", cmd.name, cmd.Timeout)
			}
			return reject(false, "%s failed (exit %d): %s", cmd.name, res.ExitCode, tailLines(res.Output, 20))
		}
	}

	if g.cfg.Review.Enabled {
		approved, results, err := g.review(ctx, scratch.Path, c.Patch)
		if err != nil {
			return err
		}
		rec.Reviews = results
		if !approved {
			if g.cfg.Review.Mode == ReviewModeGate {
				return reject(false, "review did not reach %s consensus", g.cfg.Review.consensus())
			}
			log.Warn("review did not approve; advisory mode, continuing")
		}
	}

	if err := g.ws.FastForward(ctx, commit, scratch.Base); err != nil {
		if errors.Is(err, gitws.ErrTrunkMoved) {
			return reject(false, "trunk moved during verification")
		}
		return fmt.Errorf("advance trunk: %w", err)
	}
	rec.Verdict = models.VerdictAccept
	rec.MergedTip = commit
	return nil
}

func commitMessage(c Change) string {
	name := strings.TrimSpace(c.FeatureName)
	if name == "" {
		name = "unnamed feature"
	}
	return fmt.Sprintf("feature #%d: %s\n\nworker: %s", c.FeatureID, name, c.WorkerID)
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
