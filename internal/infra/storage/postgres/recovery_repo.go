package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vietddude/txflow/internal/core/domain"
)

// RecoveryRepo implements storage.RecoveryRepository using PostgreSQL.
type RecoveryRepo struct {
	db *DB
}

// NewRecoveryRepo creates a new PostgreSQL recovery audit repository.
func NewRecoveryRepo(db *DB) *RecoveryRepo {
	return &RecoveryRepo{db: db}
}

// SaveExecution persists a recovery execution record.
func (r *RecoveryRepo) SaveExecution(ctx context.Context, rec *domain.RecoveryExecutionContext) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recovery execution: %w", err)
	}

	query := `
		INSERT INTO recovery_executions (execution_id, operation_id, succeeded, record, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id) DO UPDATE SET
			succeeded = EXCLUDED.succeeded,
			record = EXCLUDED.record
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ExecutionID, rec.OperationID, rec.Succeeded, doc, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recovery execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a recovery execution by id.
func (r *RecoveryRepo) GetExecution(ctx context.Context, executionID string) (*domain.RecoveryExecutionContext, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT record FROM recovery_executions WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: recovery execution %s", domain.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery execution: %w", err)
	}

	var rec domain.RecoveryExecutionContext
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode recovery execution %s: %w", executionID, err)
	}
	return &rec, nil
}

// ListByOperation retrieves recent recovery executions for an operation,
// newest first.
func (r *RecoveryRepo) ListByOperation(ctx context.Context, operationID string, limit int) ([]*domain.RecoveryExecutionContext, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT record FROM recovery_executions
		WHERE operation_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	var docs [][]byte
	if err := r.db.SelectContext(ctx, &docs, query, operationID, limit); err != nil {
		return nil, fmt.Errorf("failed to list recovery executions: %w", err)
	}

	out := make([]*domain.RecoveryExecutionContext, 0, len(docs))
	for _, doc := range docs {
		var rec domain.RecoveryExecutionContext
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode recovery execution: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
