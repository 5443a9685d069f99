package db

import (
	"sync"

	"github.com/gabelul/autocoder/pkg/models"
)

// StagedDependency is a dependency between two features named in a plan.
// Names resolve against the same session first, then against stored features.
type StagedDependency struct {
	FeatureName   string `json:"feature_name"`
	DependsOnName string `json:"depends_on_name"`
}

type StagedItems struct {
	Features     []*models.Feature
	Dependencies []*StagedDependency
}

func newStagedItems() *StagedItems {
	return &StagedItems{
		Features:     []*models.Feature{},
		Dependencies: []*StagedDependency{},
	}
}

// StagingManager provides thread-safe in-memory storage for a plan that is
// being assembled before it is committed in one transaction.
type StagingManager struct {
	mu     sync.RWMutex
	staged map[string]*StagedItems
}

func NewStagingManager() *StagingManager {
	return &StagingManager{
		staged: make(map[string]*StagedItems),
	}
}

func (sm *StagingManager) session(sessionID string) *StagedItems {
	if sm.staged[sessionID] == nil {
		sm.staged[sessionID] = newStagedItems()
	}
	return sm.staged[sessionID]
}

func (sm *StagingManager) AddFeature(sessionID string, feature *models.Feature) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	items := sm.session(sessionID)
	items.Features = append(items.Features, feature)
}

func (sm *StagingManager) AddDependency(sessionID string, dep *StagedDependency) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	items := sm.session(sessionID)
	items.Dependencies = append(items.Dependencies, dep)
}

func (sm *StagingManager) GetAndClear(sessionID string) *StagedItems {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	items, ok := sm.staged[sessionID]
	if !ok {
		return newStagedItems()
	}

	delete(sm.staged, sessionID)
	return items
}

func (sm *StagingManager) Peek(sessionID string) *StagedItems {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	items, ok := sm.staged[sessionID]
	if !ok {
		return newStagedItems()
	}

	return items
}
