package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gabelul/autocoder/pkg/models"
)

// RegisterWorker inserts or replaces the liveness row of a worker slot.
func (db *DB) RegisterWorker(ctx context.Context, w *models.WorkerRecord) error {
	now := db.now()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	w.HeartbeatAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO workers (id, slot, pid, pgid, start_token, feature_id, workspace, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slot = excluded.slot, pid = excluded.pid, pgid = excluded.pgid,
			start_token = excluded.start_token, feature_id = excluded.feature_id,
			workspace = excluded.workspace, heartbeat_at = excluded.heartbeat_at
	`, w.ID, w.Slot, w.PID, w.PGID, w.StartToken, w.FeatureID, w.Workspace,
		toMillis(w.StartedAt), toMillis(w.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.ID, err)
	}
	return nil
}

// Heartbeat refreshes a worker's heartbeat and the feature it is working on.
func (db *DB) Heartbeat(ctx context.Context, workerID string, featureID *int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE workers SET heartbeat_at = ?, feature_id = ? WHERE id = ?
	`, toMillis(db.now()), featureID, workerID)
	if err != nil {
		return fmt.Errorf("failed to write heartbeat for %s: %w", workerID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("worker not registered: %s", workerID)
	}
	return nil
}

// SetWorkerProcess records the process group of the agent a worker is running.
func (db *DB) SetWorkerProcess(ctx context.Context, workerID string, pid, pgid int, startToken string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE workers SET pid = ?, pgid = ?, start_token = ?, heartbeat_at = ? WHERE id = ?
	`, pid, pgid, startToken, toMillis(db.now()), workerID)
	if err != nil {
		return fmt.Errorf("failed to record process of %s: %w", workerID, err)
	}
	return nil
}

func (db *DB) GetWorker(ctx context.Context, workerID string) (*models.WorkerRecord, error) {
	workers, err := db.queryWorkers(ctx, `WHERE id = ?`, workerID)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, nil
	}
	return workers[0], nil
}

func (db *DB) ListWorkers(ctx context.Context) ([]*models.WorkerRecord, error) {
	return db.queryWorkers(ctx, `ORDER BY slot ASC, id ASC`)
}

func (db *DB) queryWorkers(ctx context.Context, where string, args ...any) ([]*models.WorkerRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, slot, pid, pgid, start_token, feature_id, workspace, started_at, heartbeat_at
		FROM workers `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.WorkerRecord
	for rows.Next() {
		w := &models.WorkerRecord{}
		var (
			featureID            sql.NullInt64
			startedAt, heartbeat int64
		)
		err := rows.Scan(&w.ID, &w.Slot, &w.PID, &w.PGID, &w.StartToken, &featureID, &w.Workspace, &startedAt, &heartbeat)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if featureID.Valid {
			id := featureID.Int64
			w.FeatureID = &id
		}
		w.StartedAt = *fromMillis(sql.NullInt64{Int64: startedAt, Valid: true})
		w.HeartbeatAt = *fromMillis(sql.NullInt64{Int64: heartbeat, Valid: true})
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return workers, nil
}

func (db *DB) RemoveWorker(ctx context.Context, workerID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID); err != nil {
		return fmt.Errorf("failed to remove worker %s: %w", workerID, err)
	}
	return nil
}
