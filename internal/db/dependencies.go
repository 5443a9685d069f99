package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gabelul/autocoder/pkg/models"
)

// AddDependency records that featureID depends on dependsOnID. Both features
// must exist, and a DONE feature cannot gain a dependency that is not DONE.
func (db *DB) AddDependency(ctx context.Context, featureID, dependsOnID int64) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.createDependency(ctx, tx, featureID, dependsOnID)
	})
	if err != nil {
		return err
	}
	db.triggerChange(ctx)
	return nil
}

func (db *DB) createDependency(ctx context.Context, exec executor, featureID, dependsOnID int64) error {
	if featureID == dependsOnID {
		return fmt.Errorf("feature %d cannot depend on itself", featureID)
	}

	var status, depStatus models.FeatureStatus
	err := exec.QueryRowContext(ctx, `SELECT status FROM features WHERE id = ?`, featureID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrNotFound, featureID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up feature: %w", err)
	}
	err = exec.QueryRowContext(ctx, `SELECT status FROM features WHERE id = ?`, dependsOnID).Scan(&depStatus)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dependency %w: %d", ErrNotFound, dependsOnID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up dependency: %w", err)
	}
	if status == models.FeatureStatusDone && depStatus != models.FeatureStatusDone {
		return fmt.Errorf("%w: feature %d is DONE but %d is %s", ErrUnmetDependencies, featureID, dependsOnID, depStatus)
	}

	query := `INSERT OR IGNORE INTO feature_dependencies (feature_id, depends_on_id) VALUES (?, ?)`
	if _, err := exec.ExecContext(ctx, query, featureID, dependsOnID); err != nil {
		return fmt.Errorf("failed to create dependency: %w", err)
	}
	return nil
}

func (db *DB) RemoveDependency(ctx context.Context, featureID, dependsOnID int64) error {
	query := `DELETE FROM feature_dependencies WHERE feature_id = ? AND depends_on_id = ?`
	res, err := db.ExecContext(ctx, query, featureID, dependsOnID)
	if err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("dependency not found: %d -> %d", featureID, dependsOnID)
	}

	db.triggerChange(ctx)
	return nil
}

// GetDependencies returns the features that featureID depends on. Edges to
// deleted features are not included; see DependencyGraph.
func (db *DB) GetDependencies(ctx context.Context, featureID int64) ([]*models.Feature, error) {
	query := `
		SELECT ` + prefixed("f") + `
		FROM features f
		JOIN feature_dependencies d ON f.id = d.depends_on_id
		WHERE d.feature_id = ?
		ORDER BY f.priority DESC, f.id ASC
	`
	return db.queryFeatures(ctx, db.DB, query, featureID)
}

// GetDependents returns the features that depend on featureID.
func (db *DB) GetDependents(ctx context.Context, featureID int64) ([]*models.Feature, error) {
	query := `
		SELECT ` + prefixed("f") + `
		FROM features f
		JOIN feature_dependencies d ON f.id = d.feature_id
		WHERE d.depends_on_id = ?
		ORDER BY f.priority DESC, f.id ASC
	`
	return db.queryFeatures(ctx, db.DB, query, featureID)
}

// DependencyGraph returns every dependency edge keyed by the dependent feature,
// including edges whose target no longer exists.
func (db *DB) DependencyGraph(ctx context.Context) (map[int64][]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT feature_id, depends_on_id
		FROM feature_dependencies
		ORDER BY feature_id, depends_on_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		graph[from] = append(graph[from], to)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return graph, nil
}
