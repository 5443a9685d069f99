// Package gitws isolates worker checkouts from the project trunk with git
// worktrees and owns the only code path that advances trunk.
package gitws

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// identity lets commits succeed in repositories with no configured user.
var identity = []string{"-c", "user.name=autocoder", "-c", "user.email=autocoder@local"}

// runGit runs git in dir and returns stdout. Failures carry stderr.
func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.Bytes(), fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

func runGitString(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGit(ctx, dir, args...)
	return strings.TrimSpace(string(out)), err
}

// Commit stages everything in dir and commits it with message, skipping
// user hooks and signing. It returns the new commit hash.
func Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	args := append(append([]string{}, identity...), "commit", "--no-gpg-sign", "--no-verify", "-q", "-m", message)
	if _, err := runGit(ctx, dir, args...); err != nil {
		return "", err
	}
	return runGitString(ctx, dir, "rev-parse", "HEAD")
}

// ApplyPatch applies a binary-safe patch to the index and working tree of dir.
func ApplyPatch(ctx context.Context, dir string, patch []byte) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--index", "--whitespace=nowarn", "-")
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git apply: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
