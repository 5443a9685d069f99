// Package agent runs the external code-generation agent for a claimed
// feature and turns its outcome into a patch or a typed failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
	"go.uber.org/zap"
)

const (
	outputTail = 64 * 1024
	// Used when the agent reports a rate limit without a reset time.
	defaultRateLimitWait = 5 * time.Minute
)

type Request struct {
	Feature   *models.Feature
	Workspace *gitws.Workspace
	Timeout   time.Duration
	// OnStart is called with the agent's process group once it is running.
	OnStart func(*supervise.Handle)
	// Output, when set, receives the agent's output as it is produced.
	Output io.Writer
}

type Result struct {
	Patch  []byte
	Output string
}

// Generator produces a patch implementing a feature inside a workspace.
// Failures are returned as *Failure; any other error means the attempt was
// interrupted (for example by shutdown) and should be requeued.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Differ collects the changes an agent left in a workspace.
type Differ interface {
	Diff(ctx context.Context, ws *gitws.Workspace) ([]byte, error)
}

type Config struct {
	Command string
	// Args may contain {model}, replaced with Model.
	Args    []string
	Model   string
	Timeout time.Duration
}

// CommandGenerator runs an agent CLI with the prompt on stdin.
type CommandGenerator struct {
	cfg        Config
	differ     Differ
	log        *zap.Logger
	now        func() time.Time
	cmdFactory func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

func NewCommandGenerator(cfg Config, differ Differ, log *zap.Logger) *CommandGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandGenerator{
		cfg:        cfg,
		differ:     differ,
		log:        log.Named("agent"),
		now:        time.Now,
		cmdFactory: exec.CommandContext,
	}
}

func (g *CommandGenerator) args() []string {
	out := make([]string, len(g.cfg.Args))
	for i, a := range g.cfg.Args {
		out[i] = strings.ReplaceAll(a, "{model}", g.cfg.Model)
	}
	return out
}

func (g *CommandGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if g.cfg.Command == "" {
		return nil, errors.New("no agent command configured")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tail := supervise.NewTailBuffer(outputTail)
	var out io.Writer = tail
	if req.Output != nil {
		out = io.MultiWriter(tail, req.Output)
	}

	cmd := g.cmdFactory(runCtx, g.cfg.Command, g.args()...)
	cmd.Dir = req.Workspace.Path
	cmd.Stdin = strings.NewReader(BuildPrompt(req.Feature))
	cmd.Stdout = out
	cmd.Stderr = out

	log := g.log.With(zap.Int64("feature_id", req.Feature.ID), zap.String("workspace", req.Workspace.Path))
	h, err := supervise.Start(cmd)
	if err != nil {
		return nil, &Failure{Kind: FailureAgentError, Reason: fmt.Sprintf("start %s: %v", g.cfg.Command, err)}
	}
	if req.OnStart != nil {
		req.OnStart(h)
	}
	log.Debug("agent started", zap.Int("pid", h.PID))

	waitErr := h.Wait()
	output := tail.String()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &Failure{Kind: FailureTimeout, Reason: fmt.Sprintf("agent exceeded %s", timeout)}
	}
	if waitErr != nil {
		if f := g.classify(output); f != nil {
			return nil, f
		}
		return nil, &Failure{Kind: FailureAgentError, Reason: fmt.Sprintf("%v: %s", waitErr, lastLines(output, 5))}
	}

	patch, err := g.differ.Diff(ctx, req.Workspace)
	if err != nil {
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	if len(patch) == 0 {
		if f := g.classify(output); f != nil {
			return nil, f
		}
		return nil, &Failure{Kind: FailureNoChanges, Reason: "agent exited without changes"}
	}

	log.Debug("agent produced patch", zap.Int("bytes", len(patch)))
	return &Result{Patch: patch, Output: output}, nil
}

// classify recognises rate limit and authentication notices in output.
func (g *CommandGenerator) classify(output string) *Failure {
	if wait, ok := ParseRateLimit(output, g.now(), defaultRateLimitWait); ok {
		return &Failure{Kind: FailureRateLimited, Reason: lastLines(output, 2), RetryAfter: wait}
	}
	if IsAuthError(output) {
		return &Failure{Kind: FailureAuth, Reason: lastLines(output, 2)}
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
