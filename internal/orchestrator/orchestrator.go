// Package orchestrator runs the worker pool: it claims features for idle
// slots, hands finished patches to the merge gate and releases every claim
// with the outcome the gate decided.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gabelul/autocoder/internal/agent"
	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/mergegate"
	"github.com/gabelul/autocoder/internal/metrics"
	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
)

type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateCrashed State = "CRASHED"
)

var allStates = []string{string(StateStopped), string(StateRunning), string(StatePaused), string(StateCrashed)}

var (
	// ErrInvalidState is returned for a control call that does not apply to
	// the current state.
	ErrInvalidState = errors.New("invalid orchestrator state")
	// ErrCrashed is returned by Start when the control loop died.
	ErrCrashed = errors.New("orchestrator crashed")
)

// Store is the part of the work queue the orchestrator uses.
type Store interface {
	ClaimFeatures(ctx context.Context, workerID string, max int) ([]*models.Feature, error)
	Release(ctx context.Context, req models.ReleaseRequest) (bool, error)
	RequeueInProgress(ctx context.Context) (int, error)
	EnqueueStaged(ctx context.Context, limit int) (int, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	RegisterWorker(ctx context.Context, w *models.WorkerRecord) error
	Heartbeat(ctx context.Context, workerID string, featureID *int64) error
	SetWorkerProcess(ctx context.Context, workerID string, pid, pgid int, startToken string) error
	ListWorkers(ctx context.Context) ([]*models.WorkerRecord, error)
	RemoveWorker(ctx context.Context, workerID string) error
	DisableOnChange()
	EnableOnChange()
}

// Workspaces is the part of the workspace isolator the orchestrator uses.
type Workspaces interface {
	Acquire(ctx context.Context, owner string) (*gitws.Workspace, error)
	Refresh(ctx context.Context, ws *gitws.Workspace) error
	Reset(ctx context.Context, ws *gitws.Workspace) error
	Release(ctx context.Context, ws *gitws.Workspace) error
	Prune(ctx context.Context) error
}

type Merger interface {
	VerifyAndMerge(ctx context.Context, c mergegate.Change) (*models.MergeRecord, error)
}

// CycleBlocker blocks features that sit on a dependency cycle.
type CycleBlocker interface {
	BlockCycles(ctx context.Context) (int, error)
}

type Config struct {
	Workers           int
	StopWhenDone      bool
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SpawnInterval     time.Duration
	MaxStoreFailures  int
	StopGrace         time.Duration
	AgentTimeout      time.Duration
	// LockPath is the run lock file. Empty runs without a lock.
	LockPath          string
	AutoEnqueueStaged bool
	StagedBatch       int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.MaxStoreFailures <= 0 {
		c.MaxStoreFailures = 5
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

// Deps are the collaborators of an Orchestrator. Cycles may be nil.
type Deps struct {
	Store      Store
	Workspaces Workspaces
	Generator  agent.Generator
	Merger     Merger
	Cycles     CycleBlocker
	Logger     *zap.Logger
}

// Orchestrator manages the worker pool of one project.
type Orchestrator struct {
	store  Store
	ws     Workspaces
	gen    agent.Generator
	merger Merger
	cycles CycleBlocker
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	limiter *rate.Limiter
	events  chan Event

	mu            sync.Mutex
	state         State
	pauseReason   string
	target        int
	slots         map[string]*slot
	stopCh        chan struct{}
	stopOnce      *sync.Once
	storeFailures int
	completed     int
	failed        int
	epoch         int64
	lastErr       error

	slotWG sync.WaitGroup
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.SpawnInterval > 0 {
		limit = rate.Every(cfg.SpawnInterval)
	}

	return &Orchestrator{
		store:   deps.Store,
		ws:      deps.Workspaces,
		gen:     deps.Generator,
		merger:  deps.Merger,
		cycles:  deps.Cycles,
		cfg:     cfg,
		log:     log.Named("orchestrator"),
		now:     time.Now,
		limiter: rate.NewLimiter(limit, 1),
		events:  make(chan Event, 256),
		state:   StateStopped,
		target:  cfg.Workers,
		slots:   make(map[string]*slot),
	}
}

// SetClock replaces the time source used for liveness checks and events.
func (o *Orchestrator) SetClock(fn func() time.Time) {
	o.now = fn
}

// Start runs the pool until Stop is called, ctx is cancelled, the queue is
// drained (with StopWhenDone), or the control loop crashes. Every slot is
// stopped and every claim handed back before it returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped && o.state != StateCrashed {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	o.stopCh = make(chan struct{})
	o.stopOnce = &sync.Once{}
	o.storeFailures = 0
	o.lastErr = nil
	stopCh := o.stopCh
	o.mu.Unlock()

	if o.cfg.LockPath != "" {
		lock, err := supervise.AcquireRunLock(o.cfg.LockPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				o.log.Warn("failed to release run lock", zap.Error(err))
			}
		}()
		o.mu.Lock()
		o.epoch = lock.Record.Epoch
		o.mu.Unlock()
		o.log.Info("run lock acquired", zap.Int64("epoch", lock.Record.Epoch))
	}

	if err := o.prepare(ctx); err != nil {
		return err
	}

	o.setState(StateRunning, "")
	err := o.loop(ctx, stopCh)
	o.shutdown()

	if errors.Is(err, ErrCrashed) {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		o.setState(StateCrashed, "")
		return err
	}
	o.setState(StateStopped, "")
	return nil
}

// prepare blocks dependency cycles and recovers work left by a previous run.
func (o *Orchestrator) prepare(ctx context.Context) error {
	if o.cycles != nil {
		n, err := o.cycles.BlockCycles(ctx)
		if err != nil {
			return fmt.Errorf("block dependency cycles: %w", err)
		}
		if n > 0 {
			o.log.Warn("blocked features on dependency cycles", zap.Int("count", n))
		}
	}
	if err := o.recoverOrphans(ctx); err != nil {
		return err
	}
	if err := o.ws.Prune(ctx); err != nil {
		o.log.Warn("failed to prune stale workspaces", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, stopCh <-chan struct{}) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := o.safeTick(ctx)
		if err != nil {
			return err
		}
		if done {
			o.log.Info("queue drained, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// safeTick runs one tick and turns a panic or too many consecutive store
// failures into ErrCrashed.
func (o *Orchestrator) safeTick(ctx context.Context) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("control loop panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: panic: %v", ErrCrashed, r)
		}
	}()

	done, tickErr := o.tick(ctx)
	if tickErr == nil {
		o.mu.Lock()
		o.storeFailures = 0
		o.mu.Unlock()
		return done, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}

	o.mu.Lock()
	o.storeFailures++
	failures := o.storeFailures
	o.lastErr = tickErr
	o.mu.Unlock()

	o.log.Warn("tick failed", zap.Int("consecutive", failures), zap.Error(tickErr))
	o.emit(EventError, "", 0, tickErr.Error())
	if failures >= o.cfg.MaxStoreFailures {
		return false, fmt.Errorf("%w: %d consecutive store failures: %v", ErrCrashed, failures, tickErr)
	}
	return false, nil
}

func (o *Orchestrator) tick(ctx context.Context) (bool, error) {
	if err := o.reapDead(ctx); err != nil {
		return false, err
	}

	stats, err := o.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("read queue stats: %w", err)
	}
	recordStats(stats)

	if o.State() != StateRunning {
		return false, nil
	}

	if o.cfg.AutoEnqueueStaged && stats.Claimable+stats.Waiting == 0 && stats.Staged > 0 {
		n, err := o.store.EnqueueStaged(ctx, o.cfg.StagedBatch)
		if err != nil {
			return false, fmt.Errorf("enqueue staged features: %w", err)
		}
		o.log.Info("enqueued staged features", zap.Int("count", n))
		stats.Claimable += n
		stats.Staged -= n
	}

	if err := o.dispatch(ctx, stats.Claimable); err != nil {
		return false, err
	}

	if o.cfg.StopWhenDone && o.busySlots() == 0 {
		stats, err := o.store.Stats(ctx)
		if err != nil {
			return false, fmt.Errorf("read queue stats: %w", err)
		}
		if stats.Claimable+stats.Waiting+stats.Staged+stats.InProgress == 0 {
			return true, nil
		}
	}
	return false, nil
}

// dispatch claims one feature for every idle slot, creating slots up to the
// target while claimable work remains.
func (o *Orchestrator) dispatch(ctx context.Context, claimable int) error {
	o.retireSurplus(ctx)

	for claimable > 0 && o.State() == StateRunning {
		s := o.idleSlot()
		if s == nil {
			var err error
			s, err = o.spawnSlot(ctx)
			if err != nil {
				return err
			}
			if s == nil {
				return nil
			}
		}

		claimed, err := o.store.ClaimFeatures(ctx, s.id, 1)
		if err != nil {
			return fmt.Errorf("claim for %s: %w", s.id, err)
		}
		if len(claimed) == 0 {
			return nil
		}
		claimable--

		f := claimed[0]
		metrics.ClaimsTotal.Inc()
		o.log.Info("claimed feature", zap.String("worker_id", s.id), zap.Int64("feature_id", f.ID), zap.String("name", f.Name))
		o.emit(EventClaimed, s.id, f.ID, f.Name)
		o.start(ctx, s, f)
	}
	return nil
}

// spawnSlot creates a slot with its own workspace. It returns nil without
// error when the pool is at its target or spawning is rate limited.
func (o *Orchestrator) spawnSlot(ctx context.Context) (*slot, error) {
	o.mu.Lock()
	index := o.freeIndexLocked()
	o.mu.Unlock()
	if index == 0 || !o.limiter.Allow() {
		return nil, nil
	}

	s := newSlot(index)
	ws, err := o.ws.Acquire(ctx, s.id)
	if err != nil {
		if errors.Is(err, gitws.ErrDirtyTrunk) {
			o.log.Error("trunk is dirty, pausing", zap.Error(err))
			o.pause("dirty trunk: " + err.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("acquire workspace for %s: %w", s.id, err)
	}
	s.ws = ws

	rec := &models.WorkerRecord{ID: s.id, Slot: index, Workspace: ws.Path, StartedAt: o.now()}
	if err := o.store.RegisterWorker(ctx, rec); err != nil {
		o.discardWorkspace(s)
		return nil, fmt.Errorf("register %s: %w", s.id, err)
	}

	o.mu.Lock()
	o.slots[s.id] = s
	o.mu.Unlock()

	o.log.Info("slot started", zap.String("worker_id", s.id), zap.String("workspace", ws.Path))
	o.emit(EventSlot, s.id, 0, "started in "+ws.Path)
	return s, nil
}

// freeIndexLocked returns the lowest slot index not in use, or 0 when the
// pool is at its target.
func (o *Orchestrator) freeIndexLocked() int {
	if len(o.slots) >= o.target {
		return 0
	}
	used := make(map[int]bool, len(o.slots))
	for _, s := range o.slots {
		used[s.index] = true
	}
	for i := 1; ; i++ {
		if !used[i] {
			return i
		}
	}
}

func (o *Orchestrator) idleSlot() *slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sortedSlotsLocked() {
		if !s.busy() {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) busySlots() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.slots {
		if s.busy() {
			n++
		}
	}
	return n
}

// retireSurplus removes idle slots above the target.
func (o *Orchestrator) retireSurplus(ctx context.Context) {
	o.mu.Lock()
	var surplus []*slot
	excess := len(o.slots) - o.target
	for _, s := range o.sortedSlotsLocked() {
		if excess <= 0 {
			break
		}
		if !s.busy() {
			surplus = append(surplus, s)
			delete(o.slots, s.id)
			excess--
		}
	}
	o.mu.Unlock()

	for _, s := range surplus {
		o.discardWorkspace(s)
		o.removeWorker(s.id)
		o.emit(EventSlot, s.id, 0, "retired")
	}
}

func (o *Orchestrator) sortedSlotsLocked() []*slot {
	out := make([]*slot, 0, len(o.slots))
	for _, s := range o.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Stop asks a running pool to shut down. Start returns once it has.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning && o.state != StatePaused {
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, o.state)
	}
	o.stopOnce.Do(func() { close(o.stopCh) })
	return nil
}

// Pause stops new claims. Slots that are working finish their feature.
func (o *Orchestrator) Pause() error {
	return o.pauseWith("operator")
}

func (o *Orchestrator) pauseWith(reason string) error {
	o.mu.Lock()
	if o.state != StateRunning {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, state)
	}
	o.mu.Unlock()
	o.setState(StatePaused, reason)
	return nil
}

// pause is pauseWith for internal callers that do not care whether the pool
// was running.
func (o *Orchestrator) pause(reason string) {
	if err := o.pauseWith(reason); err == nil {
		o.log.Warn("pool paused", zap.String("reason", reason))
	}
}

func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, state)
	}
	o.mu.Unlock()
	o.setState(StateRunning, "")
	return nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State, reason string) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.pauseReason = reason
	o.mu.Unlock()

	metrics.SetState(string(s), allStates...)
	if changed {
		msg := string(s)
		if reason != "" {
			msg += ": " + reason
		}
		o.emit(EventState, "", 0, msg)
	}
}

// SetTargetWorkers changes the pool size. Surplus slots retire once idle.
func (o *Orchestrator) SetTargetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	o.mu.Lock()
	o.target = n
	o.mu.Unlock()
}

type SlotStatus struct {
	WorkerID    string    `json:"worker_id"`
	Index       int       `json:"index"`
	Workspace   string    `json:"workspace"`
	FeatureID   int64     `json:"feature_id,omitempty"`
	FeatureName string    `json:"feature_name,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}

type Status struct {
	State       State        `json:"state"`
	PauseReason string       `json:"pause_reason,omitempty"`
	Target      int          `json:"target_workers"`
	Epoch       int64        `json:"epoch"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	LastError   string       `json:"last_error,omitempty"`
	Slots       []SlotStatus `json:"slots"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:       o.state,
		PauseReason: o.pauseReason,
		Target:      o.target,
		Epoch:       o.epoch,
		Completed:   o.completed,
		Failed:      o.failed,
		Slots:       []SlotStatus{},
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	for _, s := range o.sortedSlotsLocked() {
		st.Slots = append(st.Slots, s.status())
	}
	return st
}

func recordStats(stats models.QueueStats) {
	metrics.QueueFeatures.WithLabelValues(string(models.FeatureStatusStaged)).Set(float64(stats.Staged))
	metrics.QueueFeatures.WithLabelValues(string(models.FeatureStatusPending)).Set(float64(stats.Pending))
	metrics.QueueFeatures.WithLabelValues(string(models.FeatureStatusInProgress)).Set(float64(stats.InProgress))
	metrics.QueueFeatures.WithLabelValues(string(models.FeatureStatusDone)).Set(float64(stats.Done))
	metrics.QueueFeatures.WithLabelValues(string(models.FeatureStatusBlocked)).Set(float64(stats.Blocked))
}
