package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/agent"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/gitws"
	"github.com/gabelul/autocoder/internal/mergegate"
	"github.com/gabelul/autocoder/internal/metrics"
	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
)

const releaseTimeout = 30 * time.Second

// slot is one worker of the pool, bound to its own workspace for life.
type slot struct {
	id    string
	index int
	ws    *gitws.Workspace

	mu      sync.Mutex
	feature *models.Feature
	handle  *supervise.Handle
	since   time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	retired bool
}

func newSlot(index int) *slot {
	return &slot{
		id:    fmt.Sprintf("slot-%d-%s", index, uuid.NewString()[:8]),
		index: index,
	}
}

func (s *slot) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feature != nil
}

func (s *slot) current() (*models.Feature, *supervise.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feature, s.handle
}

func (s *slot) setHandle(h *supervise.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// retire marks the slot as abandoned and reports whether it was live.
func (s *slot) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.retired = true
	return true
}

func (s *slot) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

func (s *slot) status() SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SlotStatus{WorkerID: s.id, Index: s.index}
	if s.ws != nil {
		st.Workspace = s.ws.Path
	}
	if s.feature != nil {
		st.FeatureID = s.feature.ID
		st.FeatureName = s.feature.Name
		st.Since = s.since
	}
	if s.handle != nil {
		st.PID = s.handle.PID
	}
	return st
}

// start runs feature f on slot s in the background.
func (o *Orchestrator) start(parent context.Context, s *slot, f *models.Feature) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.feature = f
	s.since = o.now()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	id := f.ID
	if err := o.store.Heartbeat(ctx, s.id, &id); err != nil {
		o.log.Warn("heartbeat failed", zap.String("worker_id", s.id), zap.Error(err))
	}

	metrics.ActiveSlots.Inc()
	o.slotWG.Add(1)
	go func() {
		defer o.slotWG.Done()
		defer metrics.ActiveSlots.Dec()
		defer cancel()
		o.runSlot(ctx, s, f)
	}()
}

func (o *Orchestrator) runSlot(ctx context.Context, s *slot, f *models.Feature) {
	log := o.log.With(zap.String("worker_id", s.id), zap.Int64("feature_id", f.ID))
	defer func() {
		s.mu.Lock()
		s.feature = nil
		s.handle = nil
		done := s.done
		s.mu.Unlock()
		close(done)
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go o.heartbeat(hbCtx, s, f.ID)

	req, notes := o.work(ctx, s, f, log)
	stopHeartbeat()

	if s.isRetired() {
		log.Info("ignoring result of retired slot", zap.String("outcome", string(req.Outcome)))
		return
	}

	req.FeatureID = f.ID
	req.WorkerID = s.id
	req.Notes = notes
	o.release(req, log)

	o.mu.Lock()
	switch req.Outcome {
	case models.OutcomeDone:
		o.completed++
	case models.OutcomeRetry, models.OutcomeBlocked:
		o.failed++
	}
	o.mu.Unlock()

	if ctx.Err() != nil {
		// Shutting down; the workspace is about to be released.
		return
	}
	if err := o.recycle(s); err != nil {
		log.Warn("workspace could not be refreshed, replacing slot", zap.Error(err))
		o.retireSlot(s, "workspace refresh failed: "+err.Error(), false)
	}
}

// work generates and merges f and returns the release it calls for.
func (o *Orchestrator) work(ctx context.Context, s *slot, f *models.Feature, log *zap.Logger) (models.ReleaseRequest, string) {
	res, err := o.gen.Generate(ctx, agent.Request{
		Feature:   f,
		Workspace: s.ws,
		Timeout:   o.cfg.AgentTimeout,
		OnStart: func(h *supervise.Handle) {
			s.setHandle(h)
			if err := o.store.SetWorkerProcess(context.WithoutCancel(ctx), s.id, h.PID, h.PGID, h.StartToken); err != nil {
				log.Warn("failed to record agent process", zap.Error(err))
			}
		},
		Output: &outputWriter{o: o, workerID: s.id, featureID: f.ID},
	})
	s.setHandle(nil)

	if err != nil {
		return o.generationFailed(ctx, err, log)
	}
	if s.isRetired() || ctx.Err() != nil {
		// The claim was handed back while the agent ran.
		return models.ReleaseRequest{Outcome: models.OutcomeRequeue}, ""
	}

	rec, err := o.merger.VerifyAndMerge(ctx, mergegate.Change{
		FeatureID:   f.ID,
		FeatureName: f.Name,
		WorkerID:    s.id,
		Patch:       res.Patch,
		BaseTip:     s.ws.Base,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.ReleaseRequest{Outcome: models.OutcomeRequeue}, ""
		}
		if errors.Is(err, gitws.ErrDirtyTrunk) {
			o.pause("dirty trunk: " + err.Error())
			return models.ReleaseRequest{Outcome: models.OutcomeRequeue}, ""
		}
		log.Warn("merge gate failed", zap.Error(err))
		return models.ReleaseRequest{Outcome: models.OutcomeRetry}, "merge gate error: " + err.Error()
	}

	o.emit(EventMerge, s.id, f.ID, fmt.Sprintf("%s %s", rec.Verdict, rec.Reason))
	switch {
	case rec.Accepted():
		log.Info("feature merged", zap.String("tip", rec.MergedTip))
		return models.ReleaseRequest{Outcome: models.OutcomeDone}, ""
	case rec.Terminal:
		return models.ReleaseRequest{Outcome: models.OutcomeBlocked}, "rejected: " + rec.Reason
	default:
		return models.ReleaseRequest{Outcome: models.OutcomeRetry}, "rejected: " + rec.Reason
	}
}

func (o *Orchestrator) generationFailed(ctx context.Context, err error, log *zap.Logger) (models.ReleaseRequest, string) {
	f, ok := agent.AsFailure(err)
	if !ok {
		if ctx.Err() != nil {
			return models.ReleaseRequest{Outcome: models.OutcomeRequeue}, ""
		}
		log.Warn("generation interrupted", zap.Error(err))
		return models.ReleaseRequest{Outcome: models.OutcomeRetry}, err.Error()
	}

	metrics.AgentFailures.WithLabelValues(string(f.Kind)).Inc()
	log.Warn("generation failed", zap.String("kind", string(f.Kind)), zap.String("reason", f.Reason))
	switch f.Kind {
	case agent.FailureAuth:
		// Every other slot would fail the same way.
		o.pause("agent authentication failed: " + f.Reason)
		return models.ReleaseRequest{Outcome: models.OutcomeRequeue}, ""
	case agent.FailureRateLimited:
		return models.ReleaseRequest{Outcome: models.OutcomeRetry, RetryAfter: f.RetryAfter}, f.Error()
	default:
		return models.ReleaseRequest{Outcome: models.OutcomeRetry}, f.Error()
	}
}

func (o *Orchestrator) release(req models.ReleaseRequest, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	changed, err := o.store.Release(ctx, req)
	if err != nil {
		if errors.Is(err, db.ErrNotClaimant) {
			log.Info("claim already taken over, dropping result")
			return
		}
		log.Error("release failed", zap.String("outcome", string(req.Outcome)), zap.Error(err))
		o.emit(EventError, req.WorkerID, req.FeatureID, "release failed: "+err.Error())
		return
	}
	if changed {
		metrics.ReleasesTotal.WithLabelValues(string(req.Outcome)).Inc()
	}
	o.emit(EventReleased, req.WorkerID, req.FeatureID, string(req.Outcome))
}

// recycle discards leftovers of the last feature and moves the workspace
// to the current trunk tip.
func (o *Orchestrator) recycle(s *slot) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := o.ws.Reset(ctx, s.ws); err != nil {
		return err
	}
	return o.ws.Refresh(ctx, s.ws)
}

// heartbeat records that s is alive every HeartbeatInterval. Beats stop
// while the agent process is gone but the slot has not moved on, so a
// wedged slot is eventually presumed dead.
func (o *Orchestrator) heartbeat(ctx context.Context, s *slot, featureID int64) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	id := featureID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, h := s.current(); h != nil && !supervise.Alive(h.PID, h.StartToken) {
			continue
		}
		if err := o.store.Heartbeat(ctx, s.id, &id); err != nil && ctx.Err() == nil {
			o.log.Warn("heartbeat failed", zap.String("worker_id", s.id), zap.Error(err))
		}
	}
}

// reapDead retires busy slots whose heartbeat is older than HeartbeatTimeout.
func (o *Orchestrator) reapDead(ctx context.Context) error {
	records, err := o.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.HeartbeatTimeout)

	for _, rec := range records {
		o.mu.Lock()
		s := o.slots[rec.ID]
		o.mu.Unlock()
		if s == nil || !s.busy() || !rec.HeartbeatAt.Before(cutoff) {
			continue
		}

		f, _ := s.current()
		o.log.Warn("slot heartbeat lost", zap.String("worker_id", s.id), zap.Time("last_heartbeat", rec.HeartbeatAt))
		o.emit(EventHeartbeat, s.id, featureID(f), "no heartbeat since "+rec.HeartbeatAt.Format(time.RFC3339))
		o.retireSlot(s, "worker heartbeat lost", true)
	}
	return nil
}

// retireSlot abandons s: its process tree is killed, its claim is
// released with a retry when releaseClaim is set and its workspace is
// thrown away. Callers that already released the feature pass false.
func (o *Orchestrator) retireSlot(s *slot, reason string, releaseClaim bool) {
	if !s.retire() {
		return
	}
	o.mu.Lock()
	delete(o.slots, s.id)
	o.mu.Unlock()

	f, h := s.current()
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	ctx, stop := context.WithTimeout(context.Background(), releaseTimeout)
	defer stop()

	if h != nil {
		if err := supervise.KillTree(ctx, h.PGID, o.cfg.StopGrace); err != nil {
			o.log.Warn("failed to kill slot process tree", zap.String("worker_id", s.id), zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if f != nil && releaseClaim {
		o.release(models.ReleaseRequest{
			FeatureID: f.ID,
			WorkerID:  s.id,
			Outcome:   models.OutcomeRetry,
			Notes:     reason,
		}, o.log.With(zap.String("worker_id", s.id), zap.Int64("feature_id", f.ID)))
		o.mu.Lock()
		o.failed++
		o.mu.Unlock()
	}

	go func() {
		if done != nil {
			select {
			case <-done:
			case <-time.After(o.cfg.StopGrace):
			}
		}
		o.discardWorkspace(s)
		o.removeWorker(s.id)
	}()
	o.emit(EventSlot, s.id, featureID(f), "retired: "+reason)
}

func (o *Orchestrator) discardWorkspace(s *slot) {
	if s.ws == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := o.ws.Release(ctx, s.ws); err != nil {
		o.log.Warn("failed to release workspace", zap.String("worker_id", s.id), zap.Error(err))
	}
}

func (o *Orchestrator) removeWorker(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := o.store.RemoveWorker(ctx, id); err != nil {
		o.log.Warn("failed to remove worker row", zap.String("worker_id", id), zap.Error(err))
	}
}

func featureID(f *models.Feature) int64 {
	if f == nil {
		return 0
	}
	return f.ID
}
