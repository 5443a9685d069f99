package db

import (
	"context"
	"errors"
	"testing"

	"github.com/gabelul/autocoder/pkg/models"
)

func TestDependencies(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := mustCreate(t, db, &models.Feature{Name: "A"})
	b := mustCreate(t, db, &models.Feature{Name: "B"})
	c := mustCreate(t, db, &models.Feature{Name: "C"})

	// C depends on A and B
	if err := db.AddDependency(ctx, c.ID, a.ID); err != nil {
		t.Fatalf("Failed to add dependency C->A: %v", err)
	}
	if err := db.AddDependency(ctx, c.ID, b.ID); err != nil {
		t.Fatalf("Failed to add dependency C->B: %v", err)
	}
	// Adding the same edge twice is a no-op
	if err := db.AddDependency(ctx, c.ID, a.ID); err != nil {
		t.Fatalf("Failed to re-add dependency C->A: %v", err)
	}

	deps, err := db.GetDependencies(ctx, c.ID)
	if err != nil {
		t.Fatalf("Failed to get dependencies: %v", err)
	}
	if len(deps) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(deps))
	}

	dependents, err := db.GetDependents(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get dependents: %v", err)
	}
	if len(dependents) != 1 || dependents[0].ID != c.ID {
		t.Errorf("Expected C as the only dependent of A, got %v", dependents)
	}

	graph, err := db.DependencyGraph(ctx)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	if len(graph[c.ID]) != 2 {
		t.Errorf("Expected 2 edges from C, got %v", graph[c.ID])
	}

	if err := db.RemoveDependency(ctx, c.ID, b.ID); err != nil {
		t.Fatalf("Failed to remove dependency: %v", err)
	}
	deps, err = db.GetDependencies(ctx, c.ID)
	if err != nil {
		t.Fatalf("Failed to get dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].ID != a.ID {
		t.Errorf("Expected only A after removal, got %v", deps)
	}
}

func TestAddDependencyValidation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := mustCreate(t, db, &models.Feature{Name: "A"})
	b := mustCreate(t, db, &models.Feature{Name: "B"})

	if err := db.AddDependency(ctx, a.ID, a.ID); err == nil {
		t.Error("Expected self-dependency to be rejected")
	}
	if err := db.AddDependency(ctx, a.ID, 4242); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing dependency, got %v", err)
	}
	if err := db.AddDependency(ctx, 4242, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing feature, got %v", err)
	}

	if _, err := db.Exec(`UPDATE features SET status = 'DONE' WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("Failed to mark A done: %v", err)
	}
	if err := db.AddDependency(ctx, a.ID, b.ID); !errors.Is(err, ErrUnmetDependencies) {
		t.Errorf("Expected ErrUnmetDependencies for DONE feature gaining unmet dep, got %v", err)
	}
}
