package gitws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

var defaultIgnore = []string{
	"# Common local / build artifacts",
	"node_modules/",
	"dist/",
	"build/",
	".venv/",
	"*.log",
	".DS_Store",
	"",
	"# Secrets",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"",
	"# autocoder runtime artifacts",
	".autocoder/",
	"worktrees/",
	"autocoder.db",
	"autocoder.db-wal",
	"autocoder.db-shm",
	"*.pid",
}

// EnsureRepo makes projectDir a git repository with at least one commit.
// Existing repositories with a HEAD are left untouched. It reports whether
// anything was initialised.
func EnsureRepo(ctx context.Context, projectDir string) (bool, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return false, errors.New("git not found on PATH")
	}

	repo, err := git.PlainOpen(projectDir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if _, err := runGit(ctx, projectDir, "init", "-q", "-b", "main"); err != nil {
			if _, err := runGit(ctx, projectDir, "init", "-q"); err != nil {
				return false, err
			}
		}
		repo, err = git.PlainOpen(projectDir)
	}
	if err != nil {
		return false, fmt.Errorf("open repository: %w", err)
	}

	if _, err := repo.Head(); err == nil {
		return false, nil
	}

	if err := ensureGitignore(projectDir); err != nil {
		return false, err
	}
	if _, err := runGit(ctx, projectDir, "add", "-A"); err != nil {
		return false, err
	}
	args := append(append([]string{}, identity...), "commit", "-q", "--no-gpg-sign", "--no-verify", "--allow-empty", "-m", "init")
	if _, err := runGit(ctx, projectDir, args...); err != nil {
		return false, err
	}
	return true, nil
}

// ensureGitignore appends the runtime ignore entries that are missing,
// leaving existing lines as they are.
func ensureGitignore(projectDir string) error {
	p := filepath.Join(projectDir, ".gitignore")
	existing, err := os.ReadFile(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	have := make(map[string]bool)
	for _, ln := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(ln)] = true
	}
	var missing []string
	for _, ln := range defaultIgnore {
		if ln == "" || strings.HasPrefix(ln, "#") || have[ln] {
			continue
		}
		missing = append(missing, ln)
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	if len(existing) == 0 {
		b.WriteString(strings.Join(defaultIgnore, "\n"))
	} else {
		b.WriteString("\n# autocoder runtime artifacts\n")
		b.WriteString(strings.Join(missing, "\n"))
	}
	b.WriteString("\n")
	return os.WriteFile(p, []byte(b.String()), 0644)
}
