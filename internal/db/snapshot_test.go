package db

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gabelul/autocoder/pkg/models"
)

func TestExportSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := mustCreate(t, db, &models.Feature{Name: "base", Steps: []string{"one"}})
	mustCreate(t, db, &models.Feature{Name: "top", Priority: 2, DependsOn: []int64{base.ID}})

	snapshotPath := filepath.Join(t.TempDir(), "nested", "snapshot.jsonl")
	if err := db.ExportSnapshot(ctx, snapshotPath); err != nil {
		t.Fatalf("Failed to export snapshot: %v", err)
	}

	file, err := os.Open(snapshotPath)
	if err != nil {
		t.Fatalf("Failed to open snapshot: %v", err)
	}
	defer file.Close()

	counts := map[string]int{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		counts[rec.RecordType]++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}

	if counts["meta"] != 1 || counts["feature"] != 2 || counts["dependency"] != 1 {
		t.Errorf("Unexpected record counts: %v", counts)
	}

	entries, err := os.ReadDir(filepath.Dir(snapshotPath))
	if err != nil {
		t.Fatalf("Failed to read snapshot dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestImportSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t)

	base := mustCreate(t, src, &models.Feature{Name: "base", Category: "core"})
	top := mustCreate(t, src, &models.Feature{Name: "top", DependsOn: []int64{base.ID}})
	if _, err := src.ClaimFeatures(ctx, "w1", 1); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}

	snapshotPath := filepath.Join(t.TempDir(), "snapshot.jsonl")
	if err := src.ExportSnapshot(ctx, snapshotPath); err != nil {
		t.Fatalf("Failed to export snapshot: %v", err)
	}

	dst := newTestDB(t)
	if err := dst.ImportSnapshot(ctx, snapshotPath); err != nil {
		t.Fatalf("Failed to import snapshot: %v", err)
	}

	gotBase := mustGet(t, dst, base.ID)
	if gotBase.Name != "base" || gotBase.Category != "core" {
		t.Errorf("Feature not imported faithfully: %+v", gotBase)
	}
	if gotBase.Status != models.FeatureStatusPending || gotBase.ClaimedBy != nil {
		t.Errorf("Expected claim dropped on import, got %s claimed by %v", gotBase.Status, gotBase.ClaimedBy)
	}
	gotTop := mustGet(t, dst, top.ID)
	if len(gotTop.DependsOn) != 1 || gotTop.DependsOn[0] != base.ID {
		t.Errorf("Expected dependency preserved, got %v", gotTop.DependsOn)
	}

	// Importing twice upserts rather than duplicating.
	if err := dst.ImportSnapshot(ctx, snapshotPath); err != nil {
		t.Fatalf("Failed to re-import snapshot: %v", err)
	}
	all, err := dst.ListFeatures(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("Failed to list features: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 features after re-import, got %d", len(all))
	}
}

func TestImportSnapshotRejectsBadStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	snapshotPath := filepath.Join(t.TempDir(), "bad.jsonl")
	content := `{"record_type":"meta","version":1}
{"record_type":"feature","id":1,"name":"x","status":"WHATEVER"}
`
	if err := os.WriteFile(snapshotPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}

	if err := db.ImportSnapshot(ctx, snapshotPath); err == nil {
		t.Fatal("Expected import of invalid status to fail")
	}
	all, err := db.ListFeatures(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("Failed to list features: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected failed import to write nothing, got %d", len(all))
	}
}
