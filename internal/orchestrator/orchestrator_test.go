package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gabelul/autocoder/internal/agent"
	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/mergegate"
	"github.com/gabelul/autocoder/pkg/models"
)

const testTimeout = 10 * time.Second

type fakeWorkspaces struct {
	root string

	mu         sync.Mutex
	dirty      bool
	refreshErr error
	acquired   int
	released int
	resets   int
}

func (w *fakeWorkspaces) Acquire(ctx context.Context, owner string) (*gitws.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirty {
		return nil, &gitws.DirtyTrunkError{Paths: []string{"main.go"}}
	}
	w.acquired++
	return &gitws.Workspace{
		Owner:  owner,
		Path:   filepath.Join(w.root, owner),
		Branch: "autocoder/" + owner,
		Base:   "base-tip",
	}, nil
}

func (w *fakeWorkspaces) Refresh(ctx context.Context, ws *gitws.Workspace) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshErr
}

func (w *fakeWorkspaces) Reset(ctx context.Context, ws *gitws.Workspace) error {
	w.mu.Lock()
	w.resets++
	w.mu.Unlock()
	return nil
}

func (w *fakeWorkspaces) Release(ctx context.Context, ws *gitws.Workspace) error {
	w.mu.Lock()
	w.released++
	w.mu.Unlock()
	return nil
}

func (w *fakeWorkspaces) Prune(ctx context.Context) error { return nil }

func (w *fakeWorkspaces) live() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired - w.released
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []int64
	fn    func(ctx context.Context, req agent.Request) (*agent.Result, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, req agent.Request) (*agent.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Feature.ID)
	fn := g.fn
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &agent.Result{Patch: []byte("diff --git a/x b/x\n")}, nil
}

func (g *fakeGenerator) callOrder() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.calls...)
}

type fakeMerger struct {
	mu      sync.Mutex
	changes []mergegate.Change
	fn      func(ctx context.Context, c mergegate.Change) (*models.MergeRecord, error)
}

func (m *fakeMerger) VerifyAndMerge(ctx context.Context, c mergegate.Change) (*models.MergeRecord, error) {
	m.mu.Lock()
	m.changes = append(m.changes, c)
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	return &models.MergeRecord{FeatureID: c.FeatureID, Verdict: models.VerdictAccept, MergedTip: "merged"}, nil
}

// testClock is a settable time source shared by the store and the pool.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *db.DB
	ws     *fakeWorkspaces
	gen    *fakeGenerator
	merger *fakeMerger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	store.Policy = db.RetryPolicy{MaxAttempts: 5, InitialBackoff: 30 * time.Second, MaxBackoff: 10 * time.Minute}

	return &harness{
		store:  store,
		ws:     &fakeWorkspaces{root: t.TempDir()},
		gen:    &fakeGenerator{},
		merger: &fakeMerger{},
	}
}

func testConfig() Config {
	return Config{
		Workers:           2,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
		StopGrace:         200 * time.Millisecond,
	}
}

func (h *harness) orchestrator(cfg Config) *Orchestrator {
	return New(Deps{
		Store:      h.store,
		Workspaces: h.ws,
		Generator:  h.gen,
		Merger:     h.merger,
		Cycles:     blockers.New(h.store, nil),
	}, cfg)
}

func (h *harness) create(t *testing.T, name string, deps ...int64) *models.Feature {
	t.Helper()
	ctx := context.Background()
	f := &models.Feature{Name: name, Description: name}
	if err := h.store.CreateFeature(ctx, f); err != nil {
		t.Fatalf("Failed to create feature %s: %v", name, err)
	}
	for _, dep := range deps {
		if err := h.store.AddDependency(ctx, f.ID, dep); err != nil {
			t.Fatalf("Failed to add dependency %d -> %d: %v", f.ID, dep, err)
		}
	}
	return f
}

func (h *harness) get(t *testing.T, id int64) *models.Feature {
	t.Helper()
	f, err := h.store.GetFeature(context.Background(), id)
	if err != nil || f == nil {
		t.Fatalf("Failed to get feature %d: %v", id, err)
	}
	return f
}

func startAsync(o *Orchestrator) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		errCh <- o.Start(ctx)
	}()
	return errCh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitStopped(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for Start to return")
		return nil
	}
}

func stopAndWait(t *testing.T, o *Orchestrator, errCh <-chan error) {
	t.Helper()
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := waitStopped(t, errCh); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestRunsQueueToCompletion(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "a")
	b := h.create(t, "b", a.ID)
	c := h.create(t, "c")

	cfg := testConfig()
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, f := range []*models.Feature{a, b, c} {
		if got := h.get(t, f.ID); got.Status != models.FeatureStatusDone {
			t.Errorf("Expected %s DONE, got %s", f.Name, got.Status)
		}
	}

	order := h.gen.callOrder()
	pos := map[int64]int{}
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 3 {
		t.Fatalf("Expected 3 generations, got %v", order)
	}
	if pos[a.ID] > pos[b.ID] {
		t.Errorf("Expected %d generated before its dependent %d, got order %v", a.ID, b.ID, order)
	}

	st := o.Status()
	if st.State != StateStopped || st.Completed != 3 || st.Failed != 0 {
		t.Errorf("Unexpected final status: %+v", st)
	}
	if len(st.Slots) != 0 {
		t.Errorf("Expected no slots after stop, got %d", len(st.Slots))
	}
	if live := h.ws.live(); live != 0 {
		t.Errorf("Expected every workspace released, %d still held", live)
	}
	workers, err := h.store.ListWorkers(context.Background())
	if err != nil {
		t.Fatalf("Failed to list workers: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("Expected no worker rows after stop, got %d", len(workers))
	}
}

func TestRejectRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	clock := newTestClock()
	h.store.SetClock(clock.Now)
	h.merger.fn = func(ctx context.Context, c mergegate.Change) (*models.MergeRecord, error) {
		return &models.MergeRecord{FeatureID: c.FeatureID, Verdict: models.VerdictReject, Reason: "tests failed"}, nil
	}
	f := h.create(t, "flaky")

	o := h.orchestrator(testConfig())
	o.SetClock(clock.Now)
	errCh := startAsync(o)

	waitFor(t, "the rejected feature to be released", func() bool {
		got := h.get(t, f.ID)
		return got.Status == models.FeatureStatusPending && got.Attempts == 1
	})
	stopAndWait(t, o, errCh)

	got := h.get(t, f.ID)
	if got.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", got.Attempts)
	}
	if got.LastError == nil || *got.LastError != "rejected: tests failed" {
		t.Errorf("Expected rejection recorded, got %v", got.LastError)
	}
	want := clock.Now().Add(30 * time.Second)
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
		t.Errorf("Expected next_attempt_at %v, got %v", want, got.NextAttemptAt)
	}

	h.merger.mu.Lock()
	defer h.merger.mu.Unlock()
	if len(h.merger.changes) != 1 {
		t.Fatalf("Expected one merge attempt inside the backoff window, got %d", len(h.merger.changes))
	}
	change := h.merger.changes[0]
	if change.BaseTip != "base-tip" || !strings.HasPrefix(change.WorkerID, "slot-1-") {
		t.Errorf("Unexpected change handed to the gate: %+v", change)
	}
}

func TestTerminalRejectBlocks(t *testing.T) {
	h := newHarness(t)
	h.merger.fn = func(ctx context.Context, c mergegate.Change) (*models.MergeRecord, error) {
		return &models.MergeRecord{FeatureID: c.FeatureID, Verdict: models.VerdictReject, Terminal: true, Reason: "patch touches protected path"}, nil
	}
	f := h.create(t, "forbidden")

	cfg := testConfig()
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := h.get(t, f.ID)
	if got.Status != models.FeatureStatusBlocked {
		t.Fatalf("Expected BLOCKED, got %s", got.Status)
	}
	if got.BlockedReason == nil || *got.BlockedReason != models.BlockedTerminal {
		t.Errorf("Expected terminal block, got %v", got.BlockedReason)
	}
	if st := o.Status(); st.Failed != 1 {
		t.Errorf("Expected 1 failure counted, got %d", st.Failed)
	}
}

func TestAttemptsExhaustedAreRecommendedForRetry(t *testing.T) {
	h := newHarness(t)
	h.store.Policy = db.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	h.gen.fn = func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		return nil, &agent.Failure{Kind: agent.FailureAgentError, Reason: "request timed out"}
	}
	f := h.create(t, "unlucky")

	cfg := testConfig()
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := h.get(t, f.ID)
	if got.Status != models.FeatureStatusBlocked || got.Attempts != 2 {
		t.Fatalf("Expected BLOCKED after 2 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if got.BlockedReason == nil || *got.BlockedReason != models.BlockedAttemptsExhausted {
		t.Errorf("Expected attempts_exhausted, got %v", got.BlockedReason)
	}

	summary, err := blockers.New(h.store, nil).Summarize(context.Background())
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	g, ok := summary.Group("transient:timeout")
	if !ok {
		t.Fatalf("Expected a transient:timeout group, got %+v", summary.Groups)
	}
	if !g.Recommended || len(g.Blockers) != 1 || g.Blockers[0].FeatureID != f.ID {
		t.Errorf("Unexpected group: %+v", g)
	}
}

func TestAuthFailurePausesPool(t *testing.T) {
	h := newHarness(t)
	var authFails sync.Once
	failed := make(chan struct{})
	h.gen.fn = func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		var err error
		authFails.Do(func() {
			close(failed)
			err = &agent.Failure{Kind: agent.FailureAuth, Reason: "invalid api key"}
		})
		if err != nil {
			return nil, err
		}
		return &agent.Result{Patch: []byte("diff")}, nil
	}
	f := h.create(t, "needs auth")

	o := h.orchestrator(testConfig())
	errCh := startAsync(o)

	<-failed
	waitFor(t, "the pool to pause", func() bool { return o.State() == StatePaused })

	st := o.Status()
	if !strings.Contains(st.PauseReason, "authentication") {
		t.Errorf("Expected authentication pause reason, got %q", st.PauseReason)
	}
	waitFor(t, "the claim to be handed back", func() bool {
		return h.get(t, f.ID).Status == models.FeatureStatusPending
	})
	if got := h.get(t, f.ID); got.Attempts != 0 {
		t.Errorf("Expected an auth failure not to cost an attempt, got %d", got.Attempts)
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.get(t, f.ID); got.Status != models.FeatureStatusPending {
		t.Errorf("Expected no claims while paused, got %s", got.Status)
	}

	if err := o.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "the feature to finish after resume", func() bool {
		return h.get(t, f.ID).Status == models.FeatureStatusDone
	})
	stopAndWait(t, o, errCh)
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	h := newHarness(t)
	clock := newTestClock()
	h.store.SetClock(clock.Now)
	h.gen.fn = func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		return nil, &agent.Failure{Kind: agent.FailureRateLimited, Reason: "usage limit reached", RetryAfter: time.Hour}
	}
	f := h.create(t, "limited")

	o := h.orchestrator(testConfig())
	o.SetClock(clock.Now)
	errCh := startAsync(o)

	waitFor(t, "the rate limited feature to be released", func() bool {
		return h.get(t, f.ID).Attempts == 1
	})
	stopAndWait(t, o, errCh)

	got := h.get(t, f.ID)
	want := clock.Now().Add(time.Hour)
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
		t.Errorf("Expected next_attempt_at %v, got %v", want, got.NextAttemptAt)
	}
}

func TestPauseStopsClaims(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(testConfig())
	errCh := startAsync(o)
	waitFor(t, "the pool to run", func() bool { return o.State() == StateRunning })

	if err := o.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := o.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing twice, got %v", err)
	}

	f := h.create(t, "while paused")
	time.Sleep(50 * time.Millisecond)
	if got := h.get(t, f.ID); got.Status != models.FeatureStatusPending {
		t.Fatalf("Expected no claim while paused, got %s", got.Status)
	}

	if err := o.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "the feature to finish", func() bool {
		return h.get(t, f.ID).Status == models.FeatureStatusDone
	})
	stopAndWait(t, o, errCh)
}

func TestControlCallsCheckState(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(testConfig())

	if err := o.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing a stopped pool, got %v", err)
	}
	if err := o.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resuming a stopped pool, got %v", err)
	}
	if err := o.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState stopping a stopped pool, got %v", err)
	}

	errCh := startAsync(o)
	waitFor(t, "the pool to run", func() bool { return o.State() == StateRunning })
	if err := o.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState starting twice, got %v", err)
	}
	stopAndWait(t, o, errCh)

	if got := o.State(); got != StateStopped {
		t.Errorf("Expected STOPPED, got %s", got)
	}
}

func TestWorkersRunInParallel(t *testing.T) {
	h := newHarness(t)
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	all := make(chan struct{})
	go func() {
		started.Wait()
		close(all)
	}()
	h.gen.fn = func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		started.Done()
		select {
		case <-all:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &agent.Result{Patch: []byte("diff")}, nil
	}
	for _, name := range []string{"one", "two", "three"} {
		h.create(t, name)
	}

	cfg := testConfig()
	cfg.Workers = n
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st := o.Status(); st.Completed != n {
		t.Errorf("Expected %d completed, got %d", n, st.Completed)
	}
}

func TestSingleWorkerRunsSerially(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	running, peak := 0, 0
	h.gen.fn = func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return &agent.Result{Patch: []byte("diff")}, nil
	}
	for _, name := range []string{"one", "two", "three"} {
		h.create(t, name)
	}

	cfg := testConfig()
	cfg.Workers = 1
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("Expected at most one generation at a time, saw %d", peak)
	}
	h.ws.mu.Lock()
	defer h.ws.mu.Unlock()
	if h.ws.acquired != 1 || h.ws.resets != 3 {
		t.Errorf("Expected the single slot to reuse its workspace, acquired %d reset %d", h.ws.acquired, h.ws.resets)
	}
}

func TestAutoEnqueueStaged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []int64
	for _, name := range []string{"one", "two"} {
		f := &models.Feature{Name: name, Status: models.FeatureStatusStaged}
		if err := h.store.CreateFeature(ctx, f); err != nil {
			t.Fatalf("Failed to create staged feature: %v", err)
		}
		ids = append(ids, f.ID)
	}

	cfg := testConfig()
	cfg.StopWhenDone = true
	cfg.AutoEnqueueStaged = true
	cfg.StagedBatch = 1
	o := h.orchestrator(cfg)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, id := range ids {
		if got := h.get(t, id); got.Status != models.FeatureStatusDone {
			t.Errorf("Expected staged feature %d to be enqueued and finished, got %s", id, got.Status)
		}
	}
}

func TestStagedWorkWaitsWithoutAutoEnqueue(t *testing.T) {
	h := newHarness(t)
	f := &models.Feature{Name: "staged", Status: models.FeatureStatusStaged}
	if err := h.store.CreateFeature(context.Background(), f); err != nil {
		t.Fatalf("Failed to create staged feature: %v", err)
	}

	o := h.orchestrator(testConfig())
	errCh := startAsync(o)
	waitFor(t, "the pool to run", func() bool { return o.State() == StateRunning })
	time.Sleep(50 * time.Millisecond)
	stopAndWait(t, o, errCh)

	if got := h.get(t, f.ID); got.Status != models.FeatureStatusStaged {
		t.Errorf("Expected feature to stay STAGED, got %s", got.Status)
	}
	if calls := h.gen.callOrder(); len(calls) != 0 {
		t.Errorf("Expected no generations, got %v", calls)
	}
}

func TestCyclesBlockedOnStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "a")
	b := h.create(t, "b", a.ID)
	if err := h.store.AddDependency(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("Failed to close the cycle: %v", err)
	}
	free := h.create(t, "free")

	cfg := testConfig()
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, f := range []*models.Feature{a, b} {
		got := h.get(t, f.ID)
		if got.Status != models.FeatureStatusBlocked || got.BlockedReason == nil || *got.BlockedReason != models.BlockedCycle {
			t.Errorf("Expected %s blocked on a cycle, got %s/%v", f.Name, got.Status, got.BlockedReason)
		}
	}
	if got := h.get(t, free.ID); got.Status != models.FeatureStatusDone {
		t.Errorf("Expected unrelated feature DONE, got %s", got.Status)
	}
}

func TestDirtyTrunkPausesPool(t *testing.T) {
	h := newHarness(t)
	h.ws.dirty = true
	f := h.create(t, "blocked by dirt")

	o := h.orchestrator(testConfig())
	errCh := startAsync(o)
	waitFor(t, "the pool to pause", func() bool { return o.State() == StatePaused })

	if reason := o.Status().PauseReason; !strings.Contains(reason, "dirty trunk") || !strings.Contains(reason, "main.go") {
		t.Errorf("Expected pause reason naming the dirty path, got %q", reason)
	}
	if got := h.get(t, f.ID); got.Status != models.FeatureStatusPending {
		t.Errorf("Expected feature left PENDING, got %s", got.Status)
	}
	stopAndWait(t, o, errCh)
}

func TestSetTargetWorkersShrinksPool(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(testConfig())
	o.SetTargetWorkers(0)
	if got := o.Status().Target; got != 1 {
		t.Errorf("Expected target clamped to 1, got %d", got)
	}
	o.SetTargetWorkers(4)
	if got := o.Status().Target; got != 4 {
		t.Errorf("Expected target 4, got %d", got)
	}
}

type failingStore struct {
	*db.DB
	panics bool
}

func (s *failingStore) Stats(ctx context.Context) (models.QueueStats, error) {
	if s.panics {
		panic("stats exploded")
	}
	return models.QueueStats{}, errors.New("database is locked")
}

func TestStoreFailuresCrash(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxStoreFailures = 3
	o := New(Deps{Store: &failingStore{DB: h.store}, Workspaces: h.ws, Generator: h.gen, Merger: h.merger}, cfg)

	err := o.Start(context.Background())
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("Expected ErrCrashed, got %v", err)
	}
	st := o.Status()
	if st.State != StateCrashed {
		t.Errorf("Expected CRASHED, got %s", st.State)
	}
	if !strings.Contains(st.LastError, "database is locked") {
		t.Errorf("Expected last error recorded, got %q", st.LastError)
	}
}

func TestPanicCrashesAndRestarts(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{DB: h.store, panics: true}
	o := New(Deps{Store: store, Workspaces: h.ws, Generator: h.gen, Merger: h.merger}, testConfig())

	if err := o.Start(context.Background()); !errors.Is(err, ErrCrashed) {
		t.Fatalf("Expected ErrCrashed, got %v", err)
	}
	if got := o.State(); got != StateCrashed {
		t.Fatalf("Expected CRASHED, got %s", got)
	}

	// A crashed pool can be started again.
	o.store = h.store
	errCh := startAsync(o)
	waitFor(t, "the pool to run again", func() bool { return o.State() == StateRunning })
	stopAndWait(t, o, errCh)
}

func TestEventsReportProgress(t *testing.T) {
	h := newHarness(t)
	f := h.create(t, "observed")

	cfg := testConfig()
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seen := map[EventKind]bool{}
	for {
		select {
		case ev := <-o.Events():
			seen[ev.Kind] = true
			if ev.Kind == EventReleased && (ev.FeatureID != f.ID || ev.Message != string(models.OutcomeDone)) {
				t.Errorf("Unexpected release event: %+v", ev)
			}
			continue
		default:
		}
		break
	}
	for _, kind := range []EventKind{EventState, EventSlot, EventClaimed, EventMerge, EventReleased} {
		if !seen[kind] {
			t.Errorf("Expected a %s event", kind)
		}
	}
}

func TestRefreshFailureRetiresSlotWithoutReleasingAgain(t *testing.T) {
	h := newHarness(t)
	h.ws.refreshErr = errors.New("worktree locked")
	f := h.create(t, "merged")

	cfg := testConfig()
	cfg.Workers = 1
	cfg.StopWhenDone = true
	o := h.orchestrator(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := h.get(t, f.ID); got.Status != models.FeatureStatusDone || got.Attempts != 0 {
		t.Errorf("Expected DONE with no attempts, got %s after %d", got.Status, got.Attempts)
	}
	st := o.Status()
	if st.Completed != 1 || st.Failed != 0 {
		t.Errorf("Expected 1 completed and 0 failed, got %d and %d", st.Completed, st.Failed)
	}

	var releases []string
	retired := false
	for {
		select {
		case ev := <-o.Events():
			if ev.Kind == EventReleased {
				releases = append(releases, ev.Message)
			}
			if ev.Kind == EventSlot && strings.HasPrefix(ev.Message, "retired:") {
				retired = true
			}
			continue
		default:
		}
		break
	}
	if len(releases) != 1 || releases[0] != string(models.OutcomeDone) {
		t.Errorf("Expected a single done release, got %v", releases)
	}
	if !retired {
		t.Error("Expected the slot to be retired after its refresh failed")
	}
}
