package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gabelul/autocoder/pkg/models"
)

// CommitBatch creates every feature and dependency staged under sessionID in
// a single transaction. Nothing is written if any item fails.
func (db *DB) CommitBatch(ctx context.Context, sessionID string) ([]*models.Feature, error) {
	return db.CommitBatchAs(ctx, sessionID, models.FeatureStatusPending)
}

// CommitBatchAs is CommitBatch with every staged feature created in status,
// which must be PENDING or STAGED.
func (db *DB) CommitBatchAs(ctx context.Context, sessionID string, status models.FeatureStatus) ([]*models.Feature, error) {
	items := db.Staging.GetAndClear(sessionID)
	if len(items.Features) == 0 && len(items.Dependencies) == 0 {
		return nil, nil
	}
	for _, f := range items.Features {
		f.Status = status
	}

	if err := db.commitItems(ctx, items); err != nil {
		return nil, err
	}
	return items.Features, nil
}

// CreateFeatures creates a batch of features atomically. DependsOn may refer
// to existing feature ids only; use the staging API for name references.
func (db *DB) CreateFeatures(ctx context.Context, features []*models.Feature) error {
	return db.commitItems(ctx, &StagedItems{Features: features})
}

func (db *DB) commitItems(ctx context.Context, items *StagedItems) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		featureIDs := make(map[string]int64)

		// 1. Features
		for _, f := range items.Features {
			f.ID = 0
			if err := db.createFeature(ctx, tx, f); err != nil {
				return fmt.Errorf("failed to create staged feature %s: %w", f.Name, err)
			}
			if _, seen := featureIDs[f.Name]; !seen {
				featureIDs[f.Name] = f.ID
			}
		}

		// 2. Dependencies
		for _, d := range items.Dependencies {
			from, err := db.resolveFeatureIDTx(ctx, tx, featureIDs, d.FeatureName)
			if err != nil {
				return fmt.Errorf("failed to resolve feature for dependency: %w", err)
			}
			to, err := db.resolveFeatureIDTx(ctx, tx, featureIDs, d.DependsOnName)
			if err != nil {
				return fmt.Errorf("failed to resolve depends_on feature for dependency: %w", err)
			}
			if err := db.createDependency(ctx, tx, from, to); err != nil {
				return fmt.Errorf("failed to create staged dependency %s -> %s: %w", d.FeatureName, d.DependsOnName, err)
			}
		}
		return db.attachDependencies(ctx, tx, items.Features)
	})
	if err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func (db *DB) resolveFeatureIDTx(ctx context.Context, exec executor, staged map[string]int64, name string) (int64, error) {
	if id, ok := staged[name]; ok {
		return id, nil
	}
	f, err := db.getFeatureByName(ctx, exec, name)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, fmt.Errorf("feature %s not found", name)
	}
	return f.ID, nil
}
