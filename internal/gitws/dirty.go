package gitws

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrDirtyTrunk matches a *DirtyTrunkError.
	ErrDirtyTrunk = errors.New("trunk has uncommitted changes")
	// ErrWorkspaceBusy is returned when a workspace holds uncommitted edits.
	ErrWorkspaceBusy = errors.New("workspace has uncommitted changes")
	// ErrTrunkMoved is returned by FastForward when trunk is not at the expected tip.
	ErrTrunkMoved = errors.New("trunk moved")
)

// DirtyTrunkError lists the changes that keep trunk from being used.
type DirtyTrunkError struct {
	Paths []string
}

func (e *DirtyTrunkError) Error() string {
	const show = 5
	paths := e.Paths
	more := ""
	if len(paths) > show {
		more = fmt.Sprintf(" (+%d more)", len(paths)-show)
		paths = paths[:show]
	}
	return fmt.Sprintf("%s: %s%s", ErrDirtyTrunk, strings.Join(paths, ", "), more)
}

func (e *DirtyTrunkError) Is(target error) bool {
	return target == ErrDirtyTrunk
}

// Runtime artifacts that never count as trunk changes.
var (
	ignoreAnyStatus = []string{
		".autocoder/",
		"worktrees/",
		"agent_system.db",
		"assistant.db",
		".progress_cache",
		".eslintrc.json",
	}
	ignoreUntrackedSubstrings = []string{".playwright-mcp/"}
	ignoreUntrackedNames      = []string{".claude_settings.json", "claude-progress.txt"}
	ignoreUntrackedGlobs      = []string{"*.pid"}
)

// DirtyStatus splits porcelain status lines into ignored runtime artifacts
// and remaining real changes.
type DirtyStatus struct {
	Ignored   []string
	Remaining []string
}

func (s *DirtyStatus) Clean() bool {
	return len(s.Remaining) == 0
}

// SplitDirty classifies `git status --porcelain` lines. extra holds
// additional patterns: a pattern ending in "/" matches any path containing
// it, anything else is a glob matched against the path and the file name.
func SplitDirty(lines []string, extra []string) *DirtyStatus {
	st := &DirtyStatus{}
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		if ignoredLine(ln, extra) {
			st.Ignored = append(st.Ignored, ln)
		} else {
			st.Remaining = append(st.Remaining, ln)
		}
	}
	return st
}

func ignoredLine(ln string, extra []string) bool {
	target := strings.ReplaceAll(ln, "\\", "/")
	status := ""
	rel := ""
	if len(target) >= 2 {
		status = target[:2]
	}
	if len(target) > 3 {
		rel = target[3:]
	}
	if i := strings.Index(rel, "->"); i >= 0 {
		rel = strings.TrimSpace(rel[i+2:])
	}
	rel = strings.Trim(rel, `"`)
	name := path.Base(strings.TrimSuffix(rel, "/"))

	for _, s := range ignoreAnyStatus {
		if strings.Contains(target, s) {
			return true
		}
	}
	for _, p := range extra {
		if matchPattern(p, rel, name) {
			return true
		}
	}
	if status != "??" {
		return false
	}
	for _, s := range ignoreUntrackedSubstrings {
		if strings.Contains(rel, s) {
			return true
		}
	}
	for _, n := range ignoreUntrackedNames {
		if name == n {
			return true
		}
	}
	for _, g := range ignoreUntrackedGlobs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

func matchPattern(pattern, rel, name string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.Contains(rel, pattern) || rel == strings.TrimSuffix(pattern, "/")
	}
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	ok, _ := path.Match(pattern, name)
	return ok
}

func statusLines(ctx context.Context, dir string) ([]string, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, ln := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	return lines, nil
}
