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

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

type checkpointRow struct {
	ID          string    `db:"id"`
	ExecutionID string    `db:"execution_id"`
	Context     []byte    `db:"context"`
	Metadata    []byte    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *checkpointRow) toDomain() (*domain.WorkflowCheckpoint, error) {
	cp := &domain.WorkflowCheckpoint{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Context) > 0 {
		cp.Context = &domain.WorkflowExecutionContext{}
		if err := json.Unmarshal(r.Context, cp.Context); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", r.ID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s metadata: %w", r.ID, err)
		}
	}
	return cp, nil
}

// Save persists a checkpoint.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.WorkflowCheckpoint) error {
	ectx, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint context: %w", err)
	}
	var meta []byte
	if cp.Metadata != nil {
		if meta, err = json.Marshal(cp.Metadata); err != nil {
			return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
		}
	}

	query := `
		INSERT INTO checkpoints (id, execution_id, context, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			context = EXCLUDED.context,
			metadata = EXCLUDED.metadata
	`
	if _, err := r.db.ExecContext(ctx, query, cp.ID, cp.ExecutionID, ectx, meta, cp.CreatedAt); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint by id.
func (r *CheckpointRepo) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	query := `
		SELECT id, execution_id, context, metadata, created_at
		FROM checkpoints
		WHERE id = $1
	`

	var row checkpointRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return row.toDomain()
}

// Latest retrieves the most recent checkpoint for an execution.
func (r *CheckpointRepo) Latest(ctx context.Context, executionID string) (*domain.WorkflowCheckpoint, error) {
	query := `
		SELECT id, execution_id, context, metadata, created_at
		FROM checkpoints
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var row checkpointRow
	err := r.db.GetContext(ctx, &row, query, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoints for execution %s", domain.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	return row.toDomain()
}

// ListByExecution retrieves an execution's checkpoints, newest first.
func (r *CheckpointRepo) ListByExecution(ctx context.Context, executionID string) ([]*domain.WorkflowCheckpoint, error) {
	query := `
		SELECT id, execution_id, context, metadata, created_at
		FROM checkpoints
		WHERE execution_id = $1
		ORDER BY created_at DESC
	`

	var rows []checkpointRow
	if err := r.db.SelectContext(ctx, &rows, query, executionID); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*domain.WorkflowCheckpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prune keeps the newest `keep` checkpoints of an execution and deletes the
// rest oldest-first.
func (r *CheckpointRepo) Prune(ctx context.Context, executionID string, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}

	query := `
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM checkpoints
			WHERE execution_id = $1
			ORDER BY created_at DESC
			OFFSET $2
		)
	`
	res, err := r.db.ExecContext(ctx, query, executionID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PruneOlderThan deletes checkpoints created before the cutoff.
func (r *CheckpointRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Delete removes a single checkpoint by id.
func (r *CheckpointRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, id)
	}
	return nil
}

// DeleteByExecution removes all checkpoints of an execution.
func (r *CheckpointRepo) DeleteByExecution(ctx context.Context, executionID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
