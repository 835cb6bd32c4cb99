package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/flowdesk/model"
)

// MemoryRunStore is an in-memory RunStore for testing and single-node
// deployments.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]model.Run            // key: run id
	history map[string][]model.HistoryEntry // key: run id
}

// NewMemoryRunStore creates a new in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]model.Run),
		history: make(map[string][]model.HistoryEntry),
	}
}

// Create persists a new run and its first entries.
func (s *MemoryRunStore) Create(_ context.Context, run model.Run, entries []model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	if err := checkSequence(nil, entries); err != nil {
		return err
	}
	s.runs[run.ID] = run.Clone()
	s.history[run.ID] = append([]model.HistoryEntry(nil), entries...)
	return nil
}

// Get retrieves a run by ID, scoped to tenant.
func (s *MemoryRunStore) Get(_ context.Context, tenantID, runID string) (model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists || run.TenantID != tenantID {
		return model.Run{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return run.Clone(), nil
}

// Commit persists an updated run with optimistic locking.
func (s *MemoryRunStore) Commit(_ context.Context, run model.Run, entries []model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", run.ID))
	}
	if existing.Version != run.Version {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.ID, existing.Version, run.Version),
		)
	}
	if err := checkSequence(s.history[run.ID], entries); err != nil {
		return err
	}
	stored := run.Clone()
	stored.Version++
	s.runs[run.ID] = stored
	s.history[run.ID] = append(s.history[run.ID], entries...)
	return nil
}

// checkSequence rejects entries that would leave a gap or a duplicate seq,
// mirroring the (run_id, seq) unique key of the SQL store.
func checkSequence(existing, entries []model.HistoryEntry) error {
	next := len(existing) + 1
	for _, e := range entries {
		if e.Seq != next {
			return model.NewConflictError(fmt.Sprintf("history entry seq %d, expected %d", e.Seq, next))
		}
		next++
	}
	return nil
}

// History returns the entries of a run in sequence order.
func (s *MemoryRunStore) History(_ context.Context, tenantID, runID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists || run.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	out := make([]model.HistoryEntry, len(s.history[runID]))
	copy(out, s.history[runID])
	return out, nil
}

// List returns one page of a tenant's runs, newest first.
func (s *MemoryRunStore) List(_ context.Context, tenantID string, filters model.RunFilters) ([]model.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Run
	for _, r := range s.runs {
		if r.TenantID == tenantID && runMatches(filters, r) {
			all = append(all, r.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	offset, limit := page(filters)
	total := len(all)
	if offset >= total {
		return []model.Run{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

// FindActive returns non-terminal runs, oldest first.
func (s *MemoryRunStore) FindActive(_ context.Context, limit int) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of runs. For testing.
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
