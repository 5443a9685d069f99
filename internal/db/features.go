package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gabelul/autocoder/pkg/models"
)

const featureColumns = `id, name, description, category, steps, status, priority, attempts,
	last_error, blocked_reason, next_attempt_at, regression_count, regression_of_id,
	claimed_by, claimed_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (*models.Feature, error) {
	f := &models.Feature{}
	var (
		steps                               string
		blockedReason                       sql.NullString
		nextAttempt, claimedAt, completedAt sql.NullInt64
		regressionOf                        sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := row.Scan(
		&f.ID, &f.Name, &f.Description, &f.Category, &steps, &f.Status, &f.Priority, &f.Attempts,
		&f.LastError, &blockedReason, &nextAttempt, &f.RegressionCount, &regressionOf,
		&f.ClaimedBy, &claimedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &f.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps of feature %d: %w", f.ID, err)
		}
	}
	if blockedReason.Valid {
		r := models.BlockedReason(blockedReason.String)
		f.BlockedReason = &r
	}
	if regressionOf.Valid {
		id := regressionOf.Int64
		f.RegressionOfID = &id
	}
	f.NextAttemptAt = fromMillis(nextAttempt)
	f.ClaimedAt = fromMillis(claimedAt)
	f.CompletedAt = fromMillis(completedAt)
	f.CreatedAt = time.UnixMilli(createdAt)
	f.UpdatedAt = time.UnixMilli(updatedAt)
	return f, nil
}

func encodeSteps(steps []string) (string, error) {
	if steps == nil {
		steps = []string{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}
	return string(b), nil
}

// CreateFeature inserts f together with its DependsOn edges. Status defaults
// to PENDING; only STAGED and PENDING are accepted.
func (db *DB) CreateFeature(ctx context.Context, f *models.Feature) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.createFeature(ctx, tx, f)
	})
	if err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func (db *DB) createFeature(ctx context.Context, exec executor, f *models.Feature) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("feature name is required")
	}
	if f.Status == "" {
		f.Status = models.FeatureStatusPending
	}
	if f.Status != models.FeatureStatusPending && f.Status != models.FeatureStatusStaged {
		return fmt.Errorf("new features must be %s or %s, got %s",
			models.FeatureStatusStaged, models.FeatureStatusPending, f.Status)
	}

	steps, err := encodeSteps(f.Steps)
	if err != nil {
		return err
	}

	now := db.now()
	query := `
		INSERT INTO features (name, description, category, steps, status, priority, regression_of_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err = exec.QueryRowContext(ctx, query,
		f.Name, f.Description, f.Category, steps, f.Status, f.Priority, f.RegressionOfID, f.LastError,
		toMillis(now), toMillis(now),
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	for _, dep := range f.DependsOn {
		if err := db.createDependency(ctx, exec, f.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) GetFeature(ctx context.Context, id int64) (*models.Feature, error) {
	return db.getFeature(ctx, db.DB, id)
}

func (db *DB) getFeature(ctx context.Context, exec executor, id int64) (*models.Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE id = ?`
	f, err := scanFeature(exec.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}

	if err := db.attachDependencies(ctx, exec, []*models.Feature{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// GetFeatureByName returns the oldest feature with the given name.
func (db *DB) GetFeatureByName(ctx context.Context, name string) (*models.Feature, error) {
	return db.getFeatureByName(ctx, db.DB, name)
}

func (db *DB) getFeatureByName(ctx context.Context, exec executor, name string) (*models.Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE name = ? ORDER BY id ASC LIMIT 1`
	f, err := scanFeature(exec.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature by name: %w", err)
	}

	if err := db.attachDependencies(ctx, exec, []*models.Feature{f}); err != nil {
		return nil, err
	}
	return f, nil
}

type ListFilter struct {
	Status   *models.FeatureStatus
	Category string
	Limit    int
}

// ListFeatures returns features in claim order: priority descending, then id.
func (db *DB) ListFeatures(ctx context.Context, filter ListFilter) ([]*models.Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE 1=1`
	args := []any{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}

	query += " ORDER BY priority DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return db.queryFeatures(ctx, db.DB, query, args...)
}

// queryFeatures executes a query selecting featureColumns and attaches dependencies.
func (db *DB) queryFeatures(ctx context.Context, exec executor, query string, args ...any) ([]*models.Feature, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}

	var features []*models.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if err := db.attachDependencies(ctx, exec, features); err != nil {
		return nil, err
	}
	return features, nil
}

func (db *DB) attachDependencies(ctx context.Context, exec executor, features []*models.Feature) error {
	if len(features) == 0 {
		return nil
	}

	byID := make(map[int64]*models.Feature, len(features))
	placeholders := make([]string, 0, len(features))
	args := make([]any, 0, len(features))
	for _, f := range features {
		f.DependsOn = nil
		byID[f.ID] = f
		placeholders = append(placeholders, "?")
		args = append(args, f.ID)
	}

	query := `
		SELECT feature_id, depends_on_id
		FROM feature_dependencies
		WHERE feature_id IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY feature_id, depends_on_id
	`
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var featureID, dependsOn int64
		if err := rows.Scan(&featureID, &dependsOn); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if f, ok := byID[featureID]; ok {
			f.DependsOn = append(f.DependsOn, dependsOn)
		}
	}
	return rows.Err()
}

// UpdateFeature updates the descriptive fields of a feature. Status moves
// only through claim, release and the blocker operations.
func (db *DB) UpdateFeature(ctx context.Context, f *models.Feature) error {
	steps, err := encodeSteps(f.Steps)
	if err != nil {
		return err
	}

	now := db.now()
	query := `
		UPDATE features
		SET name = ?, description = ?, category = ?, steps = ?, priority = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query,
		f.Name, f.Description, f.Category, steps, f.Priority, toMillis(now), f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feature: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, f.ID)
	}
	f.UpdatedAt = now

	db.triggerChange(ctx)
	return nil
}

// DeleteFeature removes a feature. Features that depend on it keep the edge,
// which stays unmet.
func (db *DB) DeleteFeature(ctx context.Context, id int64) error {
	query := `DELETE FROM features WHERE id = ?`
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete feature: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	db.triggerChange(ctx)
	return nil
}

func sortClaimOrder(features []*models.Feature) {
	sort.SliceStable(features, func(i, j int) bool {
		if features[i].Priority != features[j].Priority {
			return features[i].Priority > features[j].Priority
		}
		return features[i].ID < features[j].ID
	})
}

// prefixed qualifies featureColumns with a table alias for joins.
func prefixed(alias string) string {
	cols := strings.Split(featureColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
