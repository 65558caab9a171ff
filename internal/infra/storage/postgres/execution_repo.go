package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// ExecutionRepo implements storage.ExecutionRepository using PostgreSQL.
type ExecutionRepo struct {
	db *DB
}

// NewExecutionRepo creates a new PostgreSQL execution context repository.
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

type executionRow struct {
	ExecutionID string    `db:"execution_id"`
	WorkflowID  string    `db:"workflow_id"`
	State       string    `db:"state"`
	Context     []byte    `db:"context"`
	StartedAt   time.Time `db:"started_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *executionRow) toDomain() (*domain.WorkflowExecutionContext, error) {
	var ectx domain.WorkflowExecutionContext
	if err := json.Unmarshal(r.Context, &ectx); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", r.ExecutionID, err)
	}
	return &ectx, nil
}

// SaveContext persists the current execution context.
func (r *ExecutionRepo) SaveContext(ctx context.Context, ectx *domain.WorkflowExecutionContext) error {
	doc, err := json.Marshal(ectx)
	if err != nil {
		return fmt.Errorf("failed to encode execution context: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (execution_id, workflow_id, state, context, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id) DO UPDATE SET
			state = EXCLUDED.state,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		ectx.ExecutionID, ectx.WorkflowID, string(ectx.State), doc, ectx.StartedAt, ectx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution context: %w", err)
	}
	return nil
}

// GetContext retrieves an execution context by execution id.
func (r *ExecutionRepo) GetContext(ctx context.Context, executionID string) (*domain.WorkflowExecutionContext, error) {
	query := `
		SELECT execution_id, workflow_id, state, context, started_at, updated_at
		FROM workflow_executions
		WHERE execution_id = $1
	`

	var row executionRow
	err := r.db.GetContext(ctx, &row, query, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution context: %w", err)
	}

	return row.toDomain()
}

// ListContexts retrieves every stored execution context.
func (r *ExecutionRepo) ListContexts(ctx context.Context) ([]*domain.WorkflowExecutionContext, error) {
	query := `
		SELECT execution_id, workflow_id, state, context, started_at, updated_at
		FROM workflow_executions
		ORDER BY started_at
	`

	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list execution contexts: %w", err)
	}

	out := make([]*domain.WorkflowExecutionContext, 0, len(rows))
	for i := range rows {
		ectx, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ectx)
	}
	return out, nil
}

// DeleteContext removes an execution context.
func (r *ExecutionRepo) DeleteContext(ctx context.Context, executionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workflow_executions WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to delete execution context: %w", err)
	}
	return nil
}
