package models

import "time"

// WorkerRecord is the persisted liveness row of a worker slot.
type WorkerRecord struct {
	ID          string    `json:"id"`
	Slot        int       `json:"slot"`
	PID         int       `json:"pid"`
	PGID        int       `json:"pgid"`
	StartToken  string    `json:"start_token"`
	FeatureID   *int64    `json:"feature_id"`
	Workspace   string    `json:"workspace"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}
