package workflow

import (
	"context"

	"github.com/pitabwire/flowdesk/model"
)

// RunStore persists runs together with their history. A run and the
// history entries of the step that produced it are written atomically.
type RunStore interface {
	// Create persists a new run and its first entries.
	Create(ctx context.Context, run model.Run, entries []model.HistoryEntry) error

	// Get retrieves a run by ID, scoped to a tenant. Returns NOT_FOUND if the
	// run doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, runID string) (model.Run, error)

	// Commit persists an updated run and appends entries with optimistic
	// locking. run.Version must match the stored version; the stored version
	// is incremented. Returns CONFLICT if the version has changed.
	Commit(ctx context.Context, run model.Run, entries []model.HistoryEntry) error

	// History returns the entries of a run in sequence order.
	History(ctx context.Context, tenantID, runID string) ([]model.HistoryEntry, error)

	// List returns one page of a tenant's runs, newest first, and the total
	// number of matching runs.
	List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.Run, int, error)

	// FindActive returns non-terminal runs across tenants, oldest first.
	FindActive(ctx context.Context, limit int) ([]model.Run, error)
}

func runMatches(f model.RunFilters, r model.Run) bool {
	if f.DefinitionKey != "" && r.DefinitionKey != f.DefinitionKey {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// page normalizes paging parameters into an offset and limit.
func page(f model.RunFilters) (offset, limit int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	p := f.Page
	if p < 1 {
		p = 1
	}
	return (p - 1) * limit, limit
}
