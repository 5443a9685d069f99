package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gabelul/autocoder/pkg/models"
)

// ClaimFeatures atomically claims up to max features for workerID.
//
// A feature is claimable when it is PENDING, its next_attempt_at is unset or
// not in the future, and every dependency exists and is DONE. Candidates are
// taken by priority descending, then id ascending, and flipped to IN_PROGRESS
// in the same statement, so concurrent claimers never receive the same row.
// Lock contention is retried with jittered backoff up to BusyTimeout; on
// timeout no row is changed.
func (db *DB) ClaimFeatures(ctx context.Context, workerID string, max int) ([]*models.Feature, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required to claim")
	}
	if max <= 0 {
		return nil, nil
	}

	var claimed []*models.Feature
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(db.now())
		query := `
			UPDATE features
			SET status = 'IN_PROGRESS', claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id
				FROM v_ready_features
				WHERE next_attempt_at IS NULL OR next_attempt_at <= ?
				ORDER BY priority DESC, id ASC
				LIMIT ?
			)
			RETURNING ` + featureColumns

		features, err := db.queryFeatures(ctx, tx, query, workerID, now, now, now, max)
		if err != nil {
			return fmt.Errorf("failed to claim features: %w", err)
		}
		claimed = features
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, nil
	}
	sortClaimOrder(claimed)
	db.triggerChange(ctx)
	return claimed, nil
}

// Release hands a claimed feature back with the given outcome and reports
// whether anything changed.
//
// Only IN_PROGRESS features are released, so a repeated call for a feature
// that was already released is a no-op and never counts a second attempt.
// When req.WorkerID is set, the release is refused with ErrNotClaimant unless
// that worker holds the claim.
func (db *DB) Release(ctx context.Context, req models.ReleaseRequest) (bool, error) {
	if _, err := models.ParseOutcome(string(req.Outcome)); err != nil {
		return false, err
	}

	changed := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		changed = false

		var (
			status    models.FeatureStatus
			attempts  int
			claimedBy sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, attempts, claimed_by FROM features WHERE id = ?`, req.FeatureID,
		).Scan(&status, &attempts, &claimedBy)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrNotFound, req.FeatureID)
		}
		if err != nil {
			return fmt.Errorf("failed to read feature for release: %w", err)
		}

		if status != models.FeatureStatusInProgress {
			return nil
		}
		if req.WorkerID != "" && claimedBy.String != req.WorkerID {
			return fmt.Errorf("%w: feature %d held by %q, not %q", ErrNotClaimant, req.FeatureID, claimedBy.String, req.WorkerID)
		}

		now := db.now()
		if err := db.applyRelease(ctx, tx, req, attempts, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		db.triggerChange(ctx)
	}
	return changed, nil
}

func (db *DB) applyRelease(ctx context.Context, tx *sql.Tx, req models.ReleaseRequest, attempts int, now time.Time) error {
	var notes any
	if req.Notes != "" {
		notes = req.Notes
	}

	var (
		query string
		args  []any
	)
	switch req.Outcome {
	case models.OutcomeDone:
		var unmet int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM feature_dependencies d
			LEFT JOIN features dep ON dep.id = d.depends_on_id
			WHERE d.feature_id = ? AND (dep.id IS NULL OR dep.status != 'DONE')
		`, req.FeatureID).Scan(&unmet)
		if err != nil {
			return fmt.Errorf("failed to check dependencies: %w", err)
		}
		if unmet > 0 {
			return fmt.Errorf("%w: feature %d has %d", ErrUnmetDependencies, req.FeatureID, unmet)
		}
		query = `
			UPDATE features
			SET status = 'DONE', claimed_by = NULL, claimed_at = NULL, last_error = NULL,
			    blocked_reason = NULL, next_attempt_at = NULL, completed_at = ?, updated_at = ?
			WHERE id = ?
		`
		args = []any{toMillis(now), toMillis(now), req.FeatureID}

	case models.OutcomeRetry:
		attempts++
		if db.Policy.Exhausted(attempts) {
			query = `
				UPDATE features
				SET status = 'BLOCKED', claimed_by = NULL, claimed_at = NULL, attempts = ?,
				    last_error = COALESCE(?, last_error), blocked_reason = ?, next_attempt_at = NULL, updated_at = ?
				WHERE id = ?
			`
			args = []any{attempts, notes, models.BlockedAttemptsExhausted, toMillis(now), req.FeatureID}
			break
		}
		delay := db.Policy.Delay(attempts)
		if req.RetryAfter > delay {
			delay = req.RetryAfter
		}
		query = `
			UPDATE features
			SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL, attempts = ?,
			    last_error = COALESCE(?, last_error), next_attempt_at = ?, updated_at = ?
			WHERE id = ?
		`
		args = []any{attempts, notes, toMillis(now.Add(delay)), toMillis(now), req.FeatureID}

	case models.OutcomeBlocked:
		query = `
			UPDATE features
			SET status = 'BLOCKED', claimed_by = NULL, claimed_at = NULL, attempts = attempts + 1,
			    last_error = COALESCE(?, last_error), blocked_reason = ?, next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`
		args = []any{notes, models.BlockedTerminal, toMillis(now), req.FeatureID}

	case models.OutcomeRequeue:
		query = `
			UPDATE features
			SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL,
			    last_error = COALESCE(?, last_error), next_attempt_at = NULL, updated_at = ?
			WHERE id = ?
		`
		args = []any{notes, toMillis(now), req.FeatureID}
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release feature %d: %w", req.FeatureID, err)
	}
	return nil
}

// RequeueInProgress returns every IN_PROGRESS feature to PENDING without
// counting an attempt. It is called on startup to recover claims orphaned by
// a previous run.
func (db *DB) RequeueInProgress(ctx context.Context) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE features
			SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE status = 'IN_PROGRESS'
		`, toMillis(db.now()))
		if err != nil {
			return fmt.Errorf("failed to requeue in-progress features: %w", err)
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

// GetForRegression picks a DONE feature uniformly at random among those with
// the lowest regression_count and increments its count in the same statement.
// It returns nil when no feature is DONE.
func (db *DB) GetForRegression(ctx context.Context) (*models.Feature, error) {
	var picked *models.Feature
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE features
			SET regression_count = regression_count + 1, updated_at = ?
			WHERE id = (
				SELECT id
				FROM features
				WHERE status = 'DONE'
				  AND regression_count = (SELECT MIN(regression_count) FROM features WHERE status = 'DONE')
				ORDER BY RANDOM()
				LIMIT 1
			)
			RETURNING ` + featureColumns
		features, err := db.queryFeatures(ctx, tx, query, toMillis(db.now()))
		if err != nil {
			return fmt.Errorf("failed to pick regression feature: %w", err)
		}
		if len(features) > 0 {
			picked = features[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if picked != nil {
		db.triggerChange(ctx)
	}
	return picked, nil
}

// ReportRegression opens a REGRESSION feature against a DONE feature. If an
// open regression for the same feature exists it is refreshed instead, and
// created is false.
func (db *DB) ReportRegression(ctx context.Context, regressionOf int64, summary, details string) (id int64, created bool, err error) {
	if summary == "" {
		return 0, false, errors.New("regression summary is required")
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		target, err := db.getFeature(ctx, tx, regressionOf)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("%w: %d", ErrNotFound, regressionOf)
		}

		var existing int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM features
			WHERE regression_of_id = ? AND category = ? AND status != 'DONE'
			ORDER BY id ASC
			LIMIT 1
		`, regressionOf, models.RegressionCategory).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to look up open regression: %w", err)
		}

		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE features
				SET last_error = ?, description = CASE WHEN ? = '' THEN description ELSE ? END, updated_at = ?
				WHERE id = ?
			`, summary, details, details, toMillis(db.now()), existing)
			if err != nil {
				return fmt.Errorf("failed to refresh regression %d: %w", existing, err)
			}
			id, created = existing, false
			return nil
		}

		var top int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(priority), 0) FROM features`).Scan(&top); err != nil {
			return fmt.Errorf("failed to read max priority: %w", err)
		}

		issue := &models.Feature{
			Name:           "Regression: " + target.Name,
			Description:    details,
			Category:       models.RegressionCategory,
			Status:         models.FeatureStatusPending,
			Priority:       top + 1,
			RegressionOfID: &regressionOf,
			LastError:      &summary,
		}
		if err := db.createFeature(ctx, tx, issue); err != nil {
			return err
		}
		id, created = issue.ID, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	db.triggerChange(ctx)
	return id, created, nil
}
