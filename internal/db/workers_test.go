package db

import (
	"context"
	"testing"
	"time"

	"github.com/gabelul/autocoder/pkg/models"
)

func TestWorkerLiveness(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db.SetClock(clock.Now)

	w := &models.WorkerRecord{ID: "slot-0", Slot: 0, Workspace: "/tmp/ws/slot-0"}
	if err := db.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}

	clock.Advance(5 * time.Second)
	featureID := int64(42)
	if err := db.Heartbeat(ctx, "slot-0", &featureID); err != nil {
		t.Fatalf("Failed to heartbeat: %v", err)
	}
	if err := db.SetWorkerProcess(ctx, "slot-0", 1234, 1234, "9876"); err != nil {
		t.Fatalf("Failed to set process: %v", err)
	}

	got, err := db.GetWorker(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Failed to get worker: %v", err)
	}
	if got == nil {
		t.Fatal("Worker not found")
	}
	if got.FeatureID == nil || *got.FeatureID != featureID {
		t.Errorf("Expected feature %d, got %v", featureID, got.FeatureID)
	}
	if got.PID != 1234 || got.StartToken != "9876" {
		t.Errorf("Expected process recorded, got pid=%d token=%s", got.PID, got.StartToken)
	}
	if !got.HeartbeatAt.Equal(clock.now) {
		t.Errorf("Expected heartbeat at %v, got %v", clock.now, got.HeartbeatAt)
	}
	if got.HeartbeatAt.Sub(got.StartedAt) != 5*time.Second {
		t.Errorf("Expected 5s between start and heartbeat, got %v", got.HeartbeatAt.Sub(got.StartedAt))
	}

	if err := db.Heartbeat(ctx, "ghost", nil); err == nil {
		t.Error("Expected heartbeat for unregistered worker to fail")
	}

	if err := db.RegisterWorker(ctx, &models.WorkerRecord{ID: "slot-1", Slot: 1}); err != nil {
		t.Fatalf("Failed to register second worker: %v", err)
	}
	workers, err := db.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("Failed to list workers: %v", err)
	}
	if len(workers) != 2 || workers[0].ID != "slot-0" {
		t.Errorf("Expected workers ordered by slot, got %v", workers)
	}

	if err := db.RemoveWorker(ctx, "slot-0"); err != nil {
		t.Fatalf("Failed to remove worker: %v", err)
	}
	gone, err := db.GetWorker(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Failed to get worker: %v", err)
	}
	if gone != nil {
		t.Error("Expected worker to be removed")
	}
}
