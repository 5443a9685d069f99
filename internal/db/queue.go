package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gabelul/autocoder/pkg/models"
)

// EnqueueStaged promotes up to limit STAGED features to PENDING in claim
// order. A limit <= 0 promotes all of them.
func (db *DB) EnqueueStaged(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}

	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE features
			SET status = 'PENDING', updated_at = ?
			WHERE id IN (
				SELECT id FROM features
				WHERE status = 'STAGED'
				ORDER BY priority DESC, id ASC
				LIMIT ?
			)
		`, toMillis(db.now()), limit)
		if err != nil {
			return fmt.Errorf("failed to enqueue staged features: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		db.triggerChange(ctx)
	}
	return int(n), nil
}

// BlockFeatures moves the given STAGED or PENDING features to BLOCKED.
// Claimed features are left alone; they are blocked through Release.
func (db *DB) BlockFeatures(ctx context.Context, ids []int64, reason models.BlockedReason, note string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := []any{reason, note, toMillis(db.now())}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE features
			SET status = 'BLOCKED', blocked_reason = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
			WHERE status IN ('STAGED', 'PENDING')
			  AND id IN (`+strings.Join(placeholders, ",")+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to block features: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		db.triggerChange(ctx)
	}
	return int(n), nil
}

// RequeueBlocked returns BLOCKED features to PENDING with attempts reset and
// next_attempt_at set to each entry's NotBefore. Features that are no longer
// BLOCKED are skipped.
func (db *DB) RequeueBlocked(ctx context.Context, entries []models.Requeue) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	total := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		total = 0
		now := toMillis(db.now())
		for _, e := range entries {
			var notBefore any
			if !e.NotBefore.IsZero() {
				notBefore = toMillis(e.NotBefore)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE features
				SET status = 'PENDING', attempts = 0, blocked_reason = NULL, next_attempt_at = ?, updated_at = ?
				WHERE id = ? AND status = 'BLOCKED'
			`, notBefore, now, e.FeatureID)
			if err != nil {
				return fmt.Errorf("failed to requeue feature %d: %w", e.FeatureID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		db.triggerChange(ctx)
	}
	return total, nil
}

// Stats counts features by status and splits dependency-ready PENDING
// features into claimable now and waiting on backoff.
func (db *DB) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM features GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count features: %w", err)
	}
	for rows.Next() {
		var (
			status models.FeatureStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case models.FeatureStatusStaged:
			stats.Staged = count
		case models.FeatureStatusPending:
			stats.Pending = count
		case models.FeatureStatusInProgress:
			stats.InProgress = count
		case models.FeatureStatusDone:
			stats.Done = count
		case models.FeatureStatusBlocked:
			stats.Blocked = count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	now := toMillis(db.now())
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN next_attempt_at IS NULL OR next_attempt_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN next_attempt_at > ? THEN 1 ELSE 0 END), 0)
		FROM v_ready_features
	`, now, now).Scan(&stats.Claimable, &stats.Waiting)
	if err != nil {
		return stats, fmt.Errorf("failed to count ready features: %w", err)
	}
	return stats, nil
}

// HasOutstandingWork reports whether anything is left that a running pool
// could eventually finish: ready PENDING features (even inside backoff),
// STAGED features, or claimed ones.
func (db *DB) HasOutstandingWork(ctx context.Context) (bool, error) {
	stats, err := db.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.Claimable+stats.Waiting+stats.Staged+stats.InProgress > 0, nil
}
