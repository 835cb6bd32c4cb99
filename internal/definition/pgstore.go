package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowdesk/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const definitionColumns = `id, tenant_id, key, version, name, description, category, status,
	nodes, edges, created_by, created_at, published_at,
	stats_total, stats_successful, stats_failed`

// Create inserts a new definition version.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		def.ID, def.TenantID, def.Key, def.Version, def.Name, def.Description, def.Category, def.Status,
		nodesJSON, edgesJSON, def.CreatedBy, def.CreatedAt, def.PublishedAt,
		def.Stats.Total, def.Stats.Successful, def.Stats.Failed,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
	}
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// Get retrieves a definition version by id, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query definition: %w", err)
	}
	return def, nil
}

// UpdateStatus stores the lifecycle fields of def.
func (s *PgStore) UpdateStatus(ctx context.Context, def model.WorkflowDefinition) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET status = $1, published_at = $2
		WHERE id = $3 AND tenant_id = $4`,
		def.Status, def.PublishedAt, def.ID, def.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update definition status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", def.ID))
	}
	return nil
}

// LatestVersion returns the highest stored version of key.
func (s *PgStore) LatestVersion(ctx context.Context, tenantID, key string) (int, error) {
	var latest int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM workflow_definitions
		WHERE tenant_id = $1 AND key = $2`,
		tenantID, key,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return latest, nil
}

// List returns a tenant's definitions ordered by key, newest version first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Key != "" {
		query += fmt.Sprintf(" AND key = $%d", argIdx)
		args = append(args, filters.Key)
		argIdx++
	}
	if filters.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, filters.Category)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
	}
	query += " ORDER BY key ASC, version DESC"

	return s.queryDefinitions(ctx, query, args...)
}

// ListActive returns active definitions across tenants.
func (s *PgStore) ListActive(ctx context.Context) ([]model.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE status = 'active'
		ORDER BY key ASC, version DESC`)
}

// RecordOutcome increments the statistics of a definition version.
func (s *PgStore) RecordOutcome(ctx context.Context, tenantID, id string, status model.RunStatus) error {
	var successful, failed int
	switch status {
	case model.RunCompleted:
		successful = 1
	case model.RunFailed:
		failed = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET
			stats_total = stats_total + 1,
			stats_successful = stats_successful + $1,
			stats_failed = stats_failed + $2
		WHERE id = $3 AND tenant_id = $4`,
		successful, failed, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("update definition stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return nil
}

func (s *PgStore) queryDefinitions(ctx context.Context, query string, args ...any) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var nodesJSON, edgesJSON []byte
	err := row.Scan(
		&def.ID, &def.TenantID, &def.Key, &def.Version, &def.Name, &def.Description, &def.Category, &def.Status,
		&nodesJSON, &edgesJSON, &def.CreatedBy, &def.CreatedAt, &def.PublishedAt,
		&def.Stats.Total, &def.Stats.Successful, &def.Stats.Failed,
	)
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return def, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
		return def, fmt.Errorf("unmarshal edges: %w", err)
	}
	return def, nil
}
