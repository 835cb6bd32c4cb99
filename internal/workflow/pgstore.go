package workflow

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

// PgRunStore is a PostgreSQL-backed RunStore using pgx/v5.
type PgRunStore struct {
	pool *pgxpool.Pool
}

// NewPgRunStore creates a new PostgreSQL run store.
func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

const runColumns = `id, tenant_id, definition_id, definition_key, definition_version, trigger_node, event_type,
	context, frontier, scopes, awaiting, joins, status, failure_reason, triggered_by, history_len,
	created_at, updated_at, completed_at, version`

// runState holds the JSONB columns of a run.
type runState struct {
	context, frontier, scopes, awaiting, joins []byte
}

func encodeRunState(run model.Run) (runState, error) {
	var st runState
	var err error
	fields := []struct {
		dst *[]byte
		v   any
	}{
		{&st.context, run.Context},
		{&st.frontier, nonNil(run.Frontier)},
		{&st.scopes, run.Scopes},
		{&st.awaiting, nonNil(run.Awaiting)},
		{&st.joins, run.Joins},
	}
	for _, f := range fields {
		if *f.dst, err = json.Marshal(f.v); err != nil {
			return runState{}, fmt.Errorf("marshal run state: %w", err)
		}
	}
	return st, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Create inserts a new run and its first history entries in one
// transaction.
func (s *PgRunStore) Create(ctx context.Context, run model.Run, entries []model.HistoryEntry) error {
	st, err := encodeRunState(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.ID, run.TenantID, run.DefinitionID, run.DefinitionKey, run.DefinitionVersion, run.TriggerNode, run.EventType,
		st.context, st.frontier, st.scopes, st.awaiting, st.joins, run.Status, run.FailureReason, run.TriggeredBy,
		run.HistoryLen, run.CreatedAt, run.UpdatedAt, run.CompletedAt, run.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a run by ID, scoped to tenant.
func (s *PgRunStore) Get(ctx context.Context, tenantID, runID string) (model.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// Commit persists an updated run and appends entries with optimistic
// locking.
func (s *PgRunStore) Commit(ctx context.Context, run model.Run, entries []model.HistoryEntry) error {
	st, err := encodeRunState(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_runs SET
			context = $1,
			frontier = $2,
			scopes = $3,
			awaiting = $4,
			joins = $5,
			status = $6,
			failure_reason = $7,
			history_len = $8,
			updated_at = $9,
			completed_at = $10,
			version = version + 1
		WHERE id = $11 AND version = $12`,
		st.context, st.frontier, st.scopes, st.awaiting, st.joins,
		run.Status, run.FailureReason, run.HistoryLen, run.UpdatedAt, run.CompletedAt,
		run.ID, run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx pgx.Tx, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		targets, err := json.Marshal(nonNil(e.Targets))
		if err != nil {
			return fmt.Errorf("marshal entry targets: %w", err)
		}
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal entry data: %w", err)
		}
		batch.Queue(`
			INSERT INTO workflow_history_entries (
				id, run_id, seq, node_id, kind, targets, from_status, to_status, actor, detail, data, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.RunID, e.Seq, e.NodeID, e.Kind, targets, e.FromStatus, e.ToStatus,
			e.Actor, e.Detail, data, e.Timestamp,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return model.NewConflictError("history sequence conflict")
			}
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert history entries: %w", err)
	}
	return nil
}

// History returns the entries of a run in sequence order.
func (s *PgRunStore) History(ctx context.Context, tenantID, runID string) ([]model.HistoryEntry, error) {
	// Verify tenant access.
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflow_runs WHERE id = $1 AND tenant_id = $2)`,
		runID, tenantID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, seq, node_id, kind, targets, from_status, to_status, actor, detail, data, created_at
		FROM workflow_history_entries
		WHERE run_id = $1
		ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var targets, data []byte
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.Seq, &e.NodeID, &e.Kind, &targets, &e.FromStatus, &e.ToStatus,
			&e.Actor, &e.Detail, &data, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if err := json.Unmarshal(targets, &e.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal entry targets: %w", err)
		}
		if len(e.Targets) == 0 {
			e.Targets = nil
		}
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal entry data: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns one page of a tenant's runs, newest first.
func (s *PgRunStore) List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.Run, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM workflow_runs
		WHERE tenant_id = $1 AND ($2 = '' OR definition_key = $2) AND ($3 = '' OR status = $3)`,
		tenantID, filters.DefinitionKey, string(filters.Status),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	offset, limit := page(filters)
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE tenant_id = $1 AND ($2 = '' OR definition_key = $2) AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		tenantID, filters.DefinitionKey, string(filters.Status), limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// FindActive returns non-terminal runs, oldest first.
func (s *PgRunStore) FindActive(ctx context.Context, limit int) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE status IN ('running', 'waiting_approval')
		ORDER BY created_at
		LIMIT NULLIF($1, 0)`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find active runs: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var run model.Run
	var st runState
	err := row.Scan(
		&run.ID, &run.TenantID, &run.DefinitionID, &run.DefinitionKey, &run.DefinitionVersion,
		&run.TriggerNode, &run.EventType, &st.context, &st.frontier, &st.scopes, &st.awaiting, &st.joins,
		&run.Status, &run.FailureReason, &run.TriggeredBy, &run.HistoryLen,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt, &run.Version,
	)
	if err != nil {
		return model.Run{}, err
	}
	fields := []struct {
		src []byte
		dst any
	}{
		{st.context, &run.Context},
		{st.frontier, &run.Frontier},
		{st.scopes, &run.Scopes},
		{st.awaiting, &run.Awaiting},
		{st.joins, &run.Joins},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal run state: %w", err)
		}
	}
	if len(run.Frontier) == 0 {
		run.Frontier = nil
	}
	if len(run.Awaiting) == 0 {
		run.Awaiting = nil
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
