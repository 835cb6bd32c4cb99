package definition

import (
	"context"

	"github.com/pitabwire/flowdesk/model"
)

// Store persists workflow definition versions.
type Store interface {
	// Create persists a new definition version. Returns CONFLICT if the
	// version id already exists.
	Create(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves a definition version by id, scoped to a tenant.
	Get(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error)

	// UpdateStatus moves a definition version to a new lifecycle status.
	UpdateStatus(ctx context.Context, def model.WorkflowDefinition) error

	// LatestVersion returns the highest version stored for key, or 0.
	LatestVersion(ctx context.Context, tenantID, key string) (int, error)

	// List returns a tenant's definitions ordered by key, newest version first.
	List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error)

	// ListActive returns the active definitions of all tenants.
	ListActive(ctx context.Context) ([]model.WorkflowDefinition, error)

	// RecordOutcome increments the execution statistics of a definition
	// version for one terminal run.
	RecordOutcome(ctx context.Context, tenantID, id string, status model.RunStatus) error
}

// Filters are optional filters for listing definitions.
type Filters struct {
	Key      string
	Category string
	Status   model.DefinitionStatus
}

func (f Filters) match(def model.WorkflowDefinition) bool {
	if f.Key != "" && def.Key != f.Key {
		return false
	}
	if f.Category != "" && def.Category != f.Category {
		return false
	}
	if f.Status != "" && def.Status != f.Status {
		return false
	}
	return true
}
