package db

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabelul/autocoder/pkg/models"
)

const snapshotVersion = 1

type snapshotMeta struct {
	RecordType string    `json:"record_type"`
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
}

type snapshotFeature struct {
	RecordType string `json:"record_type"`
	*models.Feature
}

type snapshotDependency struct {
	RecordType  string `json:"record_type"`
	FeatureID   int64  `json:"feature_id"`
	DependsOnID int64  `json:"depends_on_id"`
}

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (db *DB) EnableAutoSnapshot(path string, onError func(error)) {
	db.SetOnChange(func(ctx context.Context) {
		// Export failures never fail the write that triggered them.
		if err := db.ExportSnapshot(ctx, path); err != nil && onError != nil {
			onError(err)
		}
	})
}

// ExportSnapshot writes every feature and dependency as JSON lines to path,
// atomically via a temporary file in the same directory.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	features, err := db.queryFeatures(ctx, db.DB, `SELECT `+featureColumns+` FROM features ORDER BY id ASC`)
	if err != nil {
		return err
	}
	graph, err := db.DependencyGraph(ctx)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	w := bufio.NewWriter(tempFile)
	enc := json.NewEncoder(w)

	if err := enc.Encode(snapshotMeta{RecordType: "meta", Version: snapshotVersion, ExportedAt: db.now().UTC()}); err != nil {
		return fmt.Errorf("failed to write snapshot meta: %w", err)
	}
	for _, f := range features {
		if err := enc.Encode(snapshotFeature{RecordType: "feature", Feature: f}); err != nil {
			return fmt.Errorf("failed to write feature %d: %w", f.ID, err)
		}
	}
	for _, f := range features {
		for _, dep := range graph[f.ID] {
			rec := snapshotDependency{RecordType: "dependency", FeatureID: f.ID, DependsOnID: dep}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("failed to write dependency: %w", err)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ImportSnapshot upserts the features and dependencies of a snapshot by id in
// one transaction. Claims are not carried over: IN_PROGRESS features come back
// PENDING.
func (db *DB) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := file.Seek(0, 0); err != nil {
			return fmt.Errorf("failed to rewind snapshot: %w", err)
		}

		var deps []snapshotDependency
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var base struct {
				RecordType string `json:"record_type"`
			}
			if err := json.Unmarshal(line, &base); err != nil {
				return fmt.Errorf("failed to unmarshal base record: %w", err)
			}

			switch base.RecordType {
			case "meta":
				// Skip meta
			case "feature":
				f := &models.Feature{}
				if err := json.Unmarshal(line, f); err != nil {
					return fmt.Errorf("failed to unmarshal feature: %w", err)
				}
				if err := importFeature(ctx, tx, f); err != nil {
					return err
				}
			case "dependency":
				var d snapshotDependency
				if err := json.Unmarshal(line, &d); err != nil {
					return fmt.Errorf("failed to unmarshal dependency: %w", err)
				}
				deps = append(deps, d)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scanner error: %w", err)
		}

		for _, d := range deps {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO feature_dependencies (feature_id, depends_on_id) VALUES (?, ?)",
				d.FeatureID, d.DependsOnID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %d -> %d: %w", d.FeatureID, d.DependsOnID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func importFeature(ctx context.Context, tx *sql.Tx, f *models.Feature) error {
	if !f.Status.Valid() {
		return fmt.Errorf("feature %d has invalid status %q", f.ID, f.Status)
	}
	if f.Status == models.FeatureStatusInProgress {
		f.Status = models.FeatureStatusPending
	}
	steps, err := encodeSteps(f.Steps)
	if err != nil {
		return err
	}
	var blocked any
	if f.BlockedReason != nil {
		blocked = string(*f.BlockedReason)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO features (
			id, name, description, category, steps, status, priority, attempts, last_error,
			blocked_reason, next_attempt_at, regression_count, regression_of_id,
			completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, category = excluded.category,
			steps = excluded.steps, status = excluded.status, priority = excluded.priority,
			attempts = excluded.attempts, last_error = excluded.last_error,
			blocked_reason = excluded.blocked_reason, next_attempt_at = excluded.next_attempt_at,
			regression_count = excluded.regression_count, regression_of_id = excluded.regression_of_id,
			claimed_by = NULL, claimed_at = NULL,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		f.ID, f.Name, f.Description, f.Category, steps, f.Status, f.Priority, f.Attempts, f.LastError,
		blocked, nullMillis(f.NextAttemptAt), f.RegressionCount, f.RegressionOfID,
		nullMillis(f.CompletedAt), toMillis(f.CreatedAt), toMillis(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to sync feature %s: %w", f.Name, err)
	}
	return nil
}
