package mergegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
)

const (
	commandOutputTail = 16 * 1024
	killGrace         = 3 * time.Second
)

// Command names in the order they run.
var commandOrder = []string{"lint", "typecheck", "test"}

type CommandSpec struct {
	Command string
	Timeout time.Duration
}

// Preset names.
const (
	PresetAuto   = ""
	PresetNone   = "none"
	PresetGo     = "go"
	PresetNode   = "node"
	PresetPython = "python"
	PresetRust   = "rust"
)

// DetectPreset picks a preset from the files at the root of dir.
func DetectPreset(dir string) string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("go.mod"):
		return PresetGo
	case exists("package.json"):
		return PresetNode
	case exists("pyproject.toml"), exists("pytest.ini"), exists("setup.py"):
		return PresetPython
	case exists("Cargo.toml"):
		return PresetRust
	}
	return PresetNone
}

// presetCommands returns the verification commands of a preset for the
// project at dir.
func presetCommands(preset, dir string) map[string]string {
	switch preset {
	case PresetGo:
		return map[string]string{"lint": "go vet ./...", "test": "go test ./..."}
	case PresetNode:
		return nodeCommands(dir)
	case PresetPython:
		return map[string]string{"test": "python -m pytest -q"}
	case PresetRust:
		return map[string]string{"test": "cargo test --quiet"}
	}
	return nil
}

// nodeCommands uses only the scripts package.json defines; "npm test"
// without a test script fails with "Missing script".
func nodeCommands(dir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	out := make(map[string]string)
	if _, ok := pkg.Scripts["lint"]; ok {
		out["lint"] = "npm run --silent lint"
	}
	if _, ok := pkg.Scripts["typecheck"]; ok {
		out["typecheck"] = "npm run --silent typecheck"
	}
	if _, ok := pkg.Scripts["test"]; ok {
		out["test"] = "npm test --silent"
	}
	return out
}

type namedCommand struct {
	name string
	CommandSpec
}

// resolveCommands merges explicit commands over the preset for dir.
func (g *Gate) resolveCommands(dir string) []namedCommand {
	preset := g.cfg.Preset
	if preset == PresetAuto {
		preset = DetectPreset(dir)
	}
	fromPreset := presetCommands(preset, dir)

	var out []namedCommand
	for _, name := range commandOrder {
		spec := g.cfg.Commands[name]
		if spec.Command == "" {
			spec.Command = fromPreset[name]
		}
		if spec.Command == "" {
			continue
		}
		if spec.Timeout <= 0 {
			spec.Timeout = g.cfg.Timeout
		}
		out = append(out, namedCommand{name: name, CommandSpec: spec})
	}
	return out
}

// runCommand runs a shell command in its own process group. A parent
// context cancellation is returned as an error; everything else, including
// a timeout, is a result.
func (g *Gate) runCommand(ctx context.Context, dir string, c namedCommand, stdin []byte) (models.CommandResult, error) {
	res := models.CommandResult{Name: c.name, Command: c.Command}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	tail := supervise.NewTailBuffer(commandOutputTail)
	cmd := exec.CommandContext(runCtx, "sh", "-c", c.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=1")
	cmd.Stdout = tail
	cmd.Stderr = tail
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	h, err := supervise.Start(cmd)
	if err != nil {
		res.ExitCode = -1
		res.Output = err.Error()
		return res, nil
	}
	waitErr := h.Wait()
	// Descendants that outlive the shell would hold the scratch checkout.
	if err := supervise.KillTree(context.Background(), h.PGID, killGrace); err != nil {
		g.log.Debug("failed to kill command process group",
			zap.String("command", c.name), zap.Int("pgid", h.PGID), zap.Error(err))
	}
	res.Duration = time.Since(start)
	res.Output = tail.String()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Output += "\n" + waitErr.Error()
	}
	return res, nil
}
