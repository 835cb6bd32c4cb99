package approval

import (
	"context"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

// Store persists approval requests. At most one pending request may exist per
// (run, node) pair.
type Store interface {
	// Create persists a new pending request. Returns CONFLICT if the node
	// already has a pending request.
	Create(ctx context.Context, req model.ApprovalRequest) error

	// Get retrieves a request by id, scoped to a tenant.
	Get(ctx context.Context, tenantID, id string) (model.ApprovalRequest, error)

	// Resolve moves a pending request to its terminal state. req.Version must
	// match the stored version and the stored status must be pending;
	// otherwise NOT_PENDING is returned and nothing changes.
	Resolve(ctx context.Context, req model.ApprovalRequest) error

	// Replace resolves old and creates next atomically. Used when a request
	// hands its node over to a successor (delegation, escalation).
	Replace(ctx context.Context, old, next model.ApprovalRequest) error

	// Pending returns the pending request of a (run, node) pair, if any.
	Pending(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error)

	// Latest returns the most recently created request of a (run, node)
	// pair, if any.
	Latest(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error)

	// List returns a tenant's requests, oldest first.
	List(ctx context.Context, tenantID string, filters model.ApprovalFilters) ([]model.ApprovalRequest, error)

	// FindDue returns pending requests whose due time is before cutoff,
	// earliest first, at most limit (0 for no limit).
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ApprovalRequest, error)
}

func matches(f model.ApprovalFilters, r model.ApprovalRequest) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ApproverID != "" && r.ApproverID != f.ApproverID {
		return false
	}
	if f.Role != "" && r.ApproverRole != f.Role {
		return false
	}
	return true
}
