package definition

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/flowdesk/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[versionKey]model.WorkflowDefinition
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[versionKey]model.WorkflowDefinition)}
}

// Create persists a new definition version.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey{tenant: def.TenantID, id: def.ID}
	if _, exists := s.defs[k]; exists {
		return model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
	}
	s.defs[k] = clone(def)
	return nil
}

// Get retrieves a definition version by id, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[versionKey{tenant: tenantID, id: id}]
	if !exists {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return clone(def), nil
}

// UpdateStatus stores the lifecycle fields of def.
func (s *MemoryStore) UpdateStatus(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey{tenant: def.TenantID, id: def.ID}
	existing, exists := s.defs[k]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", def.ID))
	}
	existing.Status = def.Status
	existing.PublishedAt = def.PublishedAt
	s.defs[k] = existing
	return nil
}

// LatestVersion returns the highest stored version of key.
func (s *MemoryStore) LatestVersion(_ context.Context, tenantID, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, def := range s.defs {
		if def.TenantID == tenantID && def.Key == key && def.Version > latest {
			latest = def.Version
		}
	}
	return latest, nil
}

// List returns a tenant's definitions ordered by key, newest version first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID == tenantID && filters.match(def) {
			result = append(result, clone(def))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// ListActive returns active definitions across tenants.
func (s *MemoryStore) ListActive(_ context.Context) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.Status == model.DefinitionActive {
			result = append(result, clone(def))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// RecordOutcome increments the statistics of a definition version.
func (s *MemoryStore) RecordOutcome(_ context.Context, tenantID, id string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey{tenant: tenantID, id: id}
	def, exists := s.defs[k]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	def.Stats.Total++
	switch status {
	case model.RunCompleted:
		def.Stats.Successful++
	case model.RunFailed:
		def.Stats.Failed++
	}
	s.defs[k] = def
	return nil
}

// Len returns the number of stored versions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

func clone(def model.WorkflowDefinition) model.WorkflowDefinition {
	def.Nodes = slices.Clone(def.Nodes)
	def.Edges = slices.Clone(def.Edges)
	return def
}

func sortNewestFirst(defs []model.WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Key != defs[j].Key {
			return defs[i].Key < defs[j].Key
		}
		return defs[i].Version > defs[j].Version
	})
}
