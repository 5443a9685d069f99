package gitws

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newProject(t *testing.T) *Manager {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644))

	created, err := EnsureRepo(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, created)

	m, err := New(dir, Options{})
	require.NoError(t, err)
	return m
}

func TestEnsureRepo(t *testing.T) {
	m := newProject(t)

	again, err := EnsureRepo(context.Background(), m.Root())
	require.NoError(t, err)
	assert.False(t, again, "an initialised repository is left alone")

	data, err := os.ReadFile(filepath.Join(m.Root(), ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".autocoder/")

	tip, err := m.Tip()
	require.NoError(t, err)
	assert.Len(t, tip, 40)

	subject, err := m.CommitMessage(tip)
	require.NoError(t, err)
	assert.Equal(t, "init", subject)
}

func TestEnsureGitignoreKeepsUserLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("secret.txt\n.env"), 0644))

	require.NoError(t, ensureGitignore(dir))
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "secret.txt\n.env\n"))
	assert.Equal(t, 1, strings.Count(text, "\n.env\n"), "existing entries are not repeated")
	assert.Contains(t, text, ".autocoder/")
}

func TestSplitDirty(t *testing.T) {
	lines := []string{
		" M src/app.go",
		"?? .autocoder/worktrees/slot-0-1234/",
		"?? agent_system.db",
		"?? worker.pid",
		"?? claude-progress.txt",
		"?? .playwright-mcp/shot.png",
		" M worker.pid",
		"R  old.go -> vendor/cache/new.go",
		"?? tmp/scratch.txt",
	}
	st := SplitDirty(lines, []string{"tmp/", "vendor/cache/*"})

	assert.Equal(t, []string{" M src/app.go", " M worker.pid"}, st.Remaining)
	assert.Len(t, st.Ignored, 7)
	assert.False(t, st.Clean())
	assert.True(t, SplitDirty(nil, nil).Clean())
}

func TestWorkspaceLifecycle(t *testing.T) {
	m := newProject(t)
	ctx := context.Background()

	tip, err := m.Tip()
	require.NoError(t, err)

	ws, err := m.Acquire(ctx, "slot-0")
	require.NoError(t, err)
	assert.Equal(t, tip, ws.Base)
	assert.Equal(t, "autocoder/slot-0", ws.Branch)
	assert.DirExists(t, ws.Path)

	_, err = m.Acquire(ctx, "slot-0")
	assert.Error(t, err, "one workspace per owner")

	other, err := m.Acquire(ctx, "slot-1")
	require.NoError(t, err)
	assert.NotEqual(t, ws.Path, other.Path)
	require.NoError(t, m.Release(ctx, other))

	// The agent edits the workspace; trunk is untouched.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "feature.txt"), []byte("hello\n"), 0644))
	patch, err := m.Diff(ctx, ws)
	require.NoError(t, err)
	assert.Contains(t, string(patch), "feature.txt")
	assert.NoFileExists(t, filepath.Join(m.Root(), "feature.txt"))

	err = m.Refresh(ctx, ws)
	assert.ErrorIs(t, err, ErrWorkspaceBusy)

	// Integrate through a scratch checkout, the way the merge gate does.
	scratch, err := m.AcquireScratch(ctx)
	require.NoError(t, err)
	require.NoError(t, ApplyPatch(ctx, scratch.Path, patch))
	commit, err := Commit(ctx, scratch.Path, "feature #1: hello")
	require.NoError(t, err)
	require.NoError(t, m.FastForward(ctx, commit, scratch.Base))
	require.NoError(t, m.Release(ctx, scratch))

	newTip, err := m.Tip()
	require.NoError(t, err)
	assert.Equal(t, commit, newTip)
	assert.FileExists(t, filepath.Join(m.Root(), "feature.txt"))

	require.NoError(t, m.Reset(ctx, ws))
	require.NoError(t, m.Refresh(ctx, ws))
	assert.Equal(t, newTip, ws.Base)
	assert.FileExists(t, filepath.Join(ws.Path, "feature.txt"))

	require.NoError(t, m.Release(ctx, ws))
	assert.NoDirExists(t, ws.Path)
	assert.Empty(t, m.Live())
}

func TestAcquireRefusesDirtyTrunk(t *testing.T) {
	m := newProject(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "orchestrator.pid"), []byte("1"), 0644))
	ws, err := m.Acquire(ctx, "slot-0")
	require.NoError(t, err, "runtime artifacts do not make trunk dirty")
	require.NoError(t, m.Release(ctx, ws))

	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "notes.txt"), []byte("wip"), 0644))
	_, err = m.Acquire(ctx, "slot-0")
	require.ErrorIs(t, err, ErrDirtyTrunk)

	var dirty *DirtyTrunkError
	require.True(t, errors.As(err, &dirty))
	assert.Equal(t, []string{"?? notes.txt"}, dirty.Paths)
}

func TestFastForwardRefusesMovedTrunk(t *testing.T) {
	m := newProject(t)
	ctx := context.Background()

	base, err := m.Tip()
	require.NoError(t, err)

	scratch, err := m.AcquireScratch(ctx)
	require.NoError(t, err)
	defer m.Release(ctx, scratch)
	require.NoError(t, os.WriteFile(filepath.Join(scratch.Path, "a.txt"), []byte("a"), 0644))
	commit, err := Commit(ctx, scratch.Path, "a")
	require.NoError(t, err)

	// Someone commits to trunk directly in the meantime.
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "b.txt"), []byte("b"), 0644))
	_, err = Commit(ctx, m.Root(), "b")
	require.NoError(t, err)

	err = m.FastForward(ctx, commit, base)
	assert.ErrorIs(t, err, ErrTrunkMoved)
}

func TestPruneRemovesStrayDirectories(t *testing.T) {
	m := newProject(t)
	ctx := context.Background()

	stray := filepath.Join(m.Root(), ".autocoder", "worktrees", "not-a-worktree")
	require.NoError(t, os.MkdirAll(stray, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stray, "left.txt"), []byte("x"), 0644))

	core, logs := observer.New(zapcore.DebugLevel)
	next, err := New(m.Root(), Options{Logger: zap.New(core)})
	require.NoError(t, err)
	require.NoError(t, next.Prune(ctx))

	assert.NoDirExists(t, stray)
	assert.Equal(t, 1, logs.FilterMessage("worktree remove failed").Len())
}

func TestPruneRemovesLeftovers(t *testing.T) {
	m := newProject(t)
	ctx := context.Background()

	ws, err := m.Acquire(ctx, "slot-3")
	require.NoError(t, err)

	// A new manager stands in for the next run after a crash.
	next, err := New(m.Root(), Options{})
	require.NoError(t, err)
	require.NoError(t, next.Prune(ctx))

	assert.NoDirExists(t, ws.Path)
	out, err := runGitString(ctx, m.Root(), "branch", "--list", "autocoder/*")
	require.NoError(t, err)
	assert.Empty(t, out)
}
