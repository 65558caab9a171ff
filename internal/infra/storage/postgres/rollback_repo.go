package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vietddude/txflow/internal/core/domain"
)

// RollbackRepo implements storage.RollbackRepository using PostgreSQL. Plans
// are stored without their action bindings; a rebuilt plan must rebind
// against the owning transaction before it can run.
type RollbackRepo struct {
	db *DB
}

// NewRollbackRepo creates a new PostgreSQL rollback repository.
func NewRollbackRepo(db *DB) *RollbackRepo {
	return &RollbackRepo{db: db}
}

// SavePlan persists a plan.
func (r *RollbackRepo) SavePlan(ctx context.Context, plan *domain.RollbackPlan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode rollback plan: %w", err)
	}

	query := `
		INSERT INTO rollback_plans (id, transaction_id, plan, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan
	`
	if _, err := r.db.ExecContext(ctx, query, plan.ID, nullIfEmpty(plan.TransactionID), doc, plan.CreatedAt); err != nil {
		return fmt.Errorf("failed to save rollback plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id.
func (r *RollbackRepo) GetPlan(ctx context.Context, id string) (*domain.RollbackPlan, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT plan FROM rollback_plans WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rollback plan %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback plan: %w", err)
	}

	var plan domain.RollbackPlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode rollback plan %s: %w", id, err)
	}
	return &plan, nil
}

// GetPlanByTransaction retrieves the most recent plan for a transaction.
func (r *RollbackRepo) GetPlanByTransaction(ctx context.Context, transactionID string) (*domain.RollbackPlan, error) {
	query := `
		SELECT plan FROM rollback_plans
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var doc []byte
	err := r.db.GetContext(ctx, &doc, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no rollback plan for transaction %s", domain.ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback plan: %w", err)
	}

	var plan domain.RollbackPlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode rollback plan for %s: %w", transactionID, err)
	}
	return &plan, nil
}

// SaveResult persists an execution result.
func (r *RollbackRepo) SaveResult(ctx context.Context, result *domain.RollbackExecutionResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode rollback result: %w", err)
	}

	query := `
		INSERT INTO rollback_results (plan_id, transaction_id, outcome, result, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plan_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			result = EXCLUDED.result
	`
	_, err = r.db.ExecContext(ctx, query,
		result.PlanID, nullIfEmpty(result.TransactionID), string(result.Outcome), doc, result.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rollback result: %w", err)
	}
	return nil
}

// GetResult retrieves the result for a plan.
func (r *RollbackRepo) GetResult(ctx context.Context, planID string) (*domain.RollbackExecutionResult, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT result FROM rollback_results WHERE plan_id = $1`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no result for rollback plan %s", domain.ErrNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback result: %w", err)
	}

	var result domain.RollbackExecutionResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to decode rollback result %s: %w", planID, err)
	}
	return &result, nil
}
