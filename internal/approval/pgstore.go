package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowdesk/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The single pending
// request per (run, node) is enforced by a partial unique index.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const requestColumns = `id, tenant_id, run_id, node_id, approver_role, approver_id, status, resolution,
	created_at, due_at, decided_by, decided_at, decision_reason, escalation_level, previous_id, version`

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Create inserts a new pending request.
func (s *PgStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	return insertRequest(ctx, s.pool, req)
}

func insertRequest(ctx context.Context, q querier, req model.ApprovalRequest) error {
	_, err := q.Exec(ctx, `
		INSERT INTO workflow_approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, req.TenantID, req.RunID, req.NodeID, req.ApproverRole, req.ApproverID, req.Status, req.Resolution,
		req.CreatedAt, req.DueAt, req.DecidedBy, req.DecidedAt, req.DecisionReason, req.EscalationLevel,
		req.PreviousID, req.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(
			fmt.Sprintf("node %q of run %q already has a pending request", req.NodeID, req.RunID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves a request by id, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, id string) (model.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_approval_requests
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Resolve moves a pending request to its terminal state.
func (s *PgStore) Resolve(ctx context.Context, req model.ApprovalRequest) error {
	return resolveRequest(ctx, s.pool, req)
}

func resolveRequest(ctx context.Context, q querier, req model.ApprovalRequest) error {
	tag, err := q.Exec(ctx, `
		UPDATE workflow_approval_requests
		SET status = $1, resolution = $2, decided_by = $3, decided_at = $4, decision_reason = $5,
			version = version + 1
		WHERE id = $6 AND status = 'pending' AND version = $7`,
		req.Status, req.Resolution, req.DecidedBy, req.DecidedAt, req.DecisionReason,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("resolve approval request: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status model.ApprovalStatus
	err = q.QueryRow(ctx, `SELECT status FROM workflow_approval_requests WHERE id = $1`, req.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("approval request %q not found", req.ID))
	}
	if err != nil {
		return fmt.Errorf("query approval status: %w", err)
	}
	return model.NewNotPendingError(req.ID, status)
}

// Replace resolves old and inserts next in one transaction.
func (s *PgStore) Replace(ctx context.Context, old, next model.ApprovalRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := resolveRequest(ctx, tx, old); err != nil {
		return err
	}
	if err := insertRequest(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Pending returns the pending request of a (run, node) pair.
func (s *PgStore) Pending(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error) {
	return s.one(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_approval_requests
		WHERE run_id = $1 AND node_id = $2 AND status = 'pending'`,
		runID, nodeID,
	)
}

// Latest returns the most recently created request of a (run, node) pair.
func (s *PgStore) Latest(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, bool, error) {
	return s.one(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_approval_requests
		WHERE run_id = $1 AND node_id = $2
		ORDER BY created_at DESC, escalation_level DESC
		LIMIT 1`,
		runID, nodeID,
	)
}

func (s *PgStore) one(ctx context.Context, sql string, args ...any) (model.ApprovalRequest, bool, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("query approval request: %w", err)
	}
	return req, true, nil
}

// List returns a tenant's requests, oldest first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_approval_requests
		WHERE tenant_id = $1
			AND ($2 = '' OR run_id = $2)
			AND ($3 = '' OR status = $3)
			AND ($4 = '' OR approver_id = $4)
			AND ($5 = '' OR approver_role = $5)
		ORDER BY created_at, id`,
		tenantID, filters.RunID, string(filters.Status), filters.ApproverID, filters.Role,
	)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return collect(rows)
}

// FindDue returns pending requests due before cutoff.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_approval_requests
		WHERE status = 'pending' AND due_at < $1
		ORDER BY due_at
		LIMIT NULLIF($2, 0)`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find due approval requests: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]model.ApprovalRequest, error) {
	defer rows.Close()

	var result []model.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanRequest(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	err := row.Scan(
		&req.ID, &req.TenantID, &req.RunID, &req.NodeID, &req.ApproverRole, &req.ApproverID,
		&req.Status, &req.Resolution, &req.CreatedAt, &req.DueAt, &req.DecidedBy, &req.DecidedAt,
		&req.DecisionReason, &req.EscalationLevel, &req.PreviousID, &req.Version,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.DueAt = req.DueAt.UTC()
	return req, nil
}
