package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
)

// recoverOrphans cleans up after a previous run that did not shut down:
// live agent process trees it recorded are killed, its worker rows are
// removed and every IN_PROGRESS feature goes back to PENDING.
func (o *Orchestrator) recoverOrphans(ctx context.Context) error {
	records, err := o.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list orphaned workers: %w", err)
	}
	for _, rec := range records {
		if rec.PGID > 0 && supervise.Alive(rec.PID, rec.StartToken) {
			o.log.Warn("killing orphaned agent", zap.String("worker_id", rec.ID), zap.Int("pid", rec.PID))
			if err := supervise.KillTree(ctx, rec.PGID, o.cfg.StopGrace); err != nil {
				o.log.Warn("failed to kill orphaned agent", zap.String("worker_id", rec.ID), zap.Error(err))
			}
		}
		if err := o.store.RemoveWorker(ctx, rec.ID); err != nil {
			return fmt.Errorf("remove orphaned worker %s: %w", rec.ID, err)
		}
	}

	n, err := o.store.RequeueInProgress(ctx)
	if err != nil {
		return fmt.Errorf("requeue orphaned claims: %w", err)
	}
	if n > 0 {
		o.log.Info("requeued orphaned claims", zap.Int("count", n))
	}
	return nil
}

// shutdown stops every slot in parallel, hands back their claims and
// releases their workspaces.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	slots := o.sortedSlotsLocked()
	o.slots = make(map[string]*slot)
	o.mu.Unlock()

	o.store.DisableOnChange()
	defer o.store.EnableOnChange()

	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			o.stopSlot(s)
			return nil
		})
	}
	_ = g.Wait()

	waited := make(chan struct{})
	go func() {
		o.slotWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * o.cfg.StopGrace):
		o.log.Warn("slots still running after shutdown grace")
	}
}

// stopSlot kills the slot's process tree, waits for its goroutine and
// requeues whatever it still holds.
func (o *Orchestrator) stopSlot(s *slot) {
	f, h := s.current()
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		ctx, stop := context.WithTimeout(context.Background(), 2*o.cfg.StopGrace)
		if err := supervise.KillTree(ctx, h.PGID, o.cfg.StopGrace); err != nil {
			o.log.Warn("failed to kill slot process tree", zap.String("worker_id", s.id), zap.Error(err))
		}
		stop()
	}
	if f != nil && done != nil {
		select {
		case <-done:
		case <-time.After(o.cfg.StopGrace):
			// The slot did not hand its claim back in time.
			s.retire()
			o.release(models.ReleaseRequest{FeatureID: f.ID, WorkerID: s.id, Outcome: models.OutcomeRequeue},
				o.log.With(zap.String("worker_id", s.id)))
		}
	}

	o.discardWorkspace(s)
	o.removeWorker(s.id)
}
