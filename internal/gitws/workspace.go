package gitws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const branchPrefix = "autocoder/"

type Options struct {
	// Dir holds the worktrees. Relative paths are under the project.
	Dir string
	// Trunk is the integration branch. Empty means the branch checked out
	// in the project when the manager is created.
	Trunk string
	// IgnoreDirty adds patterns to the runtime-artifact ignore list.
	IgnoreDirty []string
	Logger      *zap.Logger
}

// Workspace is an isolated checkout owned by a single worker, or a
// detached scratch checkout used by the merge gate.
type Workspace struct {
	Owner  string
	Path   string
	Branch string
	// Base is the trunk commit the checkout was last reset to.
	Base    string
	Scratch bool
}

// Manager creates and tracks workspaces for one project.
type Manager struct {
	root  string
	dir   string
	trunk string
	extra []string
	repo  *git.Repository
	log   *zap.Logger

	mu   sync.Mutex
	live map[string]*Workspace
}

// New opens the repository at projectDir. The project must already have a
// commit on its trunk branch; see EnsureRepo.
func New(projectDir string, opts Options) (*Manager, error) {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", root, err)
	}

	trunk := opts.Trunk
	if trunk == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		if !head.Name().IsBranch() {
			return nil, errors.New("project HEAD is detached; configure workspace.trunk")
		}
		trunk = head.Name().Short()
	}

	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(".autocoder", "worktrees")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		root:  root,
		dir:   dir,
		trunk: trunk,
		extra: opts.IgnoreDirty,
		repo:  repo,
		log:   log.Named("gitws"),
		live:  make(map[string]*Workspace),
	}, nil
}

func (m *Manager) Root() string  { return m.root }
func (m *Manager) Trunk() string { return m.trunk }

// Tip returns the commit at the head of trunk.
func (m *Manager) Tip() (string, error) {
	ref, err := m.repo.Reference(plumbing.NewBranchReferenceName(m.trunk), true)
	if err != nil {
		return "", fmt.Errorf("resolve trunk %s: %w", m.trunk, err)
	}
	return ref.Hash().String(), nil
}

// CommitMessage returns the subject line of a commit.
func (m *Manager) CommitMessage(hash string) (string, error) {
	c, err := m.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", err
	}
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject, nil
}

// Status classifies uncommitted changes in the project checkout.
func (m *Manager) Status(ctx context.Context) (*DirtyStatus, error) {
	lines, err := statusLines(ctx, m.root)
	if err != nil {
		return nil, err
	}
	return SplitDirty(lines, m.extra), nil
}

// CheckTrunk fails with a *DirtyTrunkError when the project checkout has
// changes outside the ignore list, or when trunk is not checked out there.
func (m *Manager) CheckTrunk(ctx context.Context) error {
	head, err := m.repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if head.Name() != plumbing.NewBranchReferenceName(m.trunk) {
		return fmt.Errorf("project has %s checked out, expected trunk %s", head.Name().Short(), m.trunk)
	}
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Clean() {
		return &DirtyTrunkError{Paths: st.Remaining}
	}
	return nil
}

// Acquire creates a workspace for owner on branch autocoder/<owner> at the
// current trunk tip.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Workspace, error) {
	if owner == "" {
		return nil, errors.New("workspace owner is required")
	}
	if err := m.CheckTrunk(ctx); err != nil {
		return nil, err
	}
	tip, err := m.Tip()
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		Owner:  owner,
		Path:   filepath.Join(m.dir, owner+"-"+uuid.NewString()[:8]),
		Branch: branchPrefix + owner,
		Base:   tip,
	}
	if err := m.track(ws); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		m.untrack(ws)
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if _, err := runGit(ctx, m.root, "worktree", "add", "-q", "-B", ws.Branch, ws.Path, tip); err != nil {
		m.untrack(ws)
		return nil, fmt.Errorf("acquire workspace for %s: %w", owner, err)
	}

	m.log.Debug("workspace acquired",
		zap.String("owner", owner), zap.String("path", ws.Path), zap.String("base", tip))
	return ws, nil
}

// AcquireScratch creates a detached checkout of the current trunk tip.
func (m *Manager) AcquireScratch(ctx context.Context) (*Workspace, error) {
	if err := m.CheckTrunk(ctx); err != nil {
		return nil, err
	}
	tip, err := m.Tip()
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		Owner:   "gate",
		Path:    filepath.Join(m.dir, "gate-"+uuid.NewString()[:8]),
		Base:    tip,
		Scratch: true,
	}
	if err := m.track(ws); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		m.untrack(ws)
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if _, err := runGit(ctx, m.root, "worktree", "add", "-q", "--detach", ws.Path, tip); err != nil {
		m.untrack(ws)
		return nil, fmt.Errorf("acquire scratch workspace: %w", err)
	}
	return ws, nil
}

// Refresh moves an idle workspace to the latest trunk tip. It refuses with
// ErrWorkspaceBusy while the workspace has uncommitted edits.
func (m *Manager) Refresh(ctx context.Context, ws *Workspace) error {
	lines, err := statusLines(ctx, ws.Path)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceBusy, ws.Path)
	}
	tip, err := m.Tip()
	if err != nil {
		return err
	}
	if _, err := runGit(ctx, ws.Path, "reset", "-q", "--hard", tip); err != nil {
		return fmt.Errorf("refresh workspace %s: %w", ws.Path, err)
	}
	ws.Base = tip
	return nil
}

// Reset discards every uncommitted edit and any commit made on top of the
// workspace base.
func (m *Manager) Reset(ctx context.Context, ws *Workspace) error {
	if _, err := runGit(ctx, ws.Path, "reset", "-q", "--hard", ws.Base); err != nil {
		return fmt.Errorf("reset workspace %s: %w", ws.Path, err)
	}
	if _, err := runGit(ctx, ws.Path, "clean", "-q", "-fd"); err != nil {
		return fmt.Errorf("clean workspace %s: %w", ws.Path, err)
	}
	return nil
}

// Diff stages everything in the workspace and returns a binary-safe patch
// from the workspace base, including anything the agent committed.
func (m *Manager) Diff(ctx context.Context, ws *Workspace) ([]byte, error) {
	if _, err := runGit(ctx, ws.Path, "add", "-A"); err != nil {
		return nil, err
	}
	out, err := runGit(ctx, ws.Path, "diff", "--cached", "--binary", "--no-color", ws.Base)
	if err != nil {
		return nil, fmt.Errorf("diff workspace %s: %w", ws.Path, err)
	}
	return out, nil
}

// Release removes the worktree, its branch and anything left on disk.
func (m *Manager) Release(ctx context.Context, ws *Workspace) error {
	defer m.untrack(ws)

	var errs []error
	if _, err := runGit(ctx, m.root, "worktree", "remove", "--force", ws.Path); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		errs = append(errs, err)
	}
	if ws.Branch != "" {
		if _, err := runGit(ctx, m.root, "branch", "-D", ws.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// A removed directory is what matters; prune clears stale metadata.
		if _, statErr := os.Stat(ws.Path); os.IsNotExist(statErr) {
			if _, err := runGit(ctx, m.root, "worktree", "prune"); err != nil {
				m.log.Debug("worktree prune failed", zap.Error(err))
			}
			return nil
		}
		return fmt.Errorf("release workspace %s: %w", ws.Path, errors.Join(errs...))
	}
	return nil
}

// FastForward advances trunk to commit. It refuses with ErrTrunkMoved when
// trunk is no longer at expectedTip and with a *DirtyTrunkError when the
// project checkout has changes.
func (m *Manager) FastForward(ctx context.Context, commit, expectedTip string) error {
	if err := m.CheckTrunk(ctx); err != nil {
		return err
	}
	tip, err := m.Tip()
	if err != nil {
		return err
	}
	if tip != expectedTip {
		return fmt.Errorf("%w: expected %s, found %s", ErrTrunkMoved, short(expectedTip), short(tip))
	}
	if _, err := runGit(ctx, m.root, "merge", "-q", "--ff-only", commit); err != nil {
		return fmt.Errorf("fast-forward %s to %s: %w", m.trunk, short(commit), err)
	}
	m.log.Info("trunk advanced", zap.String("from", short(tip)), zap.String("to", short(commit)))
	return nil
}

// Prune removes worktrees left behind by a previous run and the branches
// they were on.
func (m *Manager) Prune(ctx context.Context) error {
	m.mu.Lock()
	live := make(map[string]bool, len(m.live))
	for p := range m.live {
		live[p] = true
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(m.dir, e.Name())
		if !e.IsDir() || live[p] {
			continue
		}
		if _, err := runGit(ctx, m.root, "worktree", "remove", "--force", p); err != nil {
			// Not a registered worktree; the directory is removed below.
			m.log.Debug("worktree remove failed", zap.String("path", p), zap.Error(err))
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove stale workspace %s: %w", p, err)
		}
		m.log.Info("removed stale workspace", zap.String("path", p))
	}
	if _, err := runGit(ctx, m.root, "worktree", "prune"); err != nil {
		return err
	}

	out, err := runGitString(ctx, m.root, "branch", "--list", branchPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return err
	}
	inUse := make(map[string]bool)
	for _, ws := range m.Live() {
		inUse[ws.Branch] = true
	}
	for _, b := range strings.Fields(out) {
		if !inUse[b] {
			if _, err := runGit(ctx, m.root, "branch", "-D", b); err != nil {
				m.log.Debug("failed to delete stale branch", zap.String("branch", b), zap.Error(err))
			}
		}
	}
	return nil
}

// Live returns the tracked workspaces ordered by path.
func (m *Manager) Live() []*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, 0, len(m.live))
	for _, ws := range m.live {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Manager) track(ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[ws.Path]; ok {
		return fmt.Errorf("workspace path %s already in use", ws.Path)
	}
	for _, other := range m.live {
		if ws.Branch != "" && other.Branch == ws.Branch {
			return fmt.Errorf("owner %s already holds workspace %s", ws.Owner, other.Path)
		}
	}
	m.live[ws.Path] = ws
	return nil
}

func (m *Manager) untrack(ws *Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, ws.Path)
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
