package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest // key: request id
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]model.ApprovalRequest)}
}

// Create persists a new pending request.
func (s *MemoryStore) Create(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(req)
}

func (s *MemoryStore) create(req model.ApprovalRequest) error {
	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("approval request %q already exists", req.ID))
	}
	for _, r := range s.requests {
		if r.RunID == req.RunID && r.NodeID == req.NodeID && r.Status == model.ApprovalPending {
			return model.NewConflictError(
				fmt.Sprintf("node %q of run %q already has pending request %q", req.NodeID, req.RunID, r.ID),
			)
		}
	}
	s.requests[req.ID] = req
	return nil
}

// Get retrieves a request by id, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.requests[id]
	if !exists || r.TenantID != tenantID {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
	}
	return r, nil
}

// Resolve moves a pending request to its terminal state.
func (s *MemoryStore) Resolve(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(req)
}

func (s *MemoryStore) resolve(req model.ApprovalRequest) error {
	existing, exists := s.requests[req.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("approval request %q not found", req.ID))
	}
	if existing.Status != model.ApprovalPending || existing.Version != req.Version {
		return model.NewNotPendingError(req.ID, existing.Status)
	}
	req.Version++
	s.requests[req.ID] = req
	return nil
}

// Replace resolves old and creates next atomically.
func (s *MemoryStore) Replace(_ context.Context, old, next model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.requests[old.ID]
	if err := s.resolve(old); err != nil {
		return err
	}
	if err := s.create(next); err != nil {
		s.requests[old.ID] = prev
		return err
	}
	return nil
}

// Pending returns the pending request of a (run, node) pair.
func (s *MemoryStore) Pending(_ context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.requests {
		if r.RunID == runID && r.NodeID == nodeID && r.Status == model.ApprovalPending {
			return r, true, nil
		}
	}
	return model.ApprovalRequest{}, false, nil
}

// Latest returns the most recently created request of a (run, node) pair.
func (s *MemoryStore) Latest(_ context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest model.ApprovalRequest
	found := false
	for _, r := range s.requests {
		if r.RunID != runID || r.NodeID != nodeID {
			continue
		}
		if !found || newer(r, latest) {
			latest = r
			found = true
		}
	}
	return latest, found, nil
}

// newer orders requests by creation, then by chain position.
func newer(a, b model.ApprovalRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.PreviousID == b.ID
}

// List returns a tenant's requests, oldest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, r := range s.requests {
		if r.TenantID == tenantID && matches(filters, r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// FindDue returns pending requests due before cutoff.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time, limit int) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, r := range s.requests {
		if r.Status == model.ApprovalPending && r.DueAt.Before(cutoff) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(result[j].DueAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the total number of requests. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}
