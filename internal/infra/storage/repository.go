package storage

import (
	"context"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// TransactionRepository handles transaction context storage. Contexts are
// stored as whole documents; the coordinator owns mutation, storage owns
// durability. Not-found lookups wrap domain.ErrNotFound.
type TransactionRepository interface {
	// Save inserts or replaces a transaction context
	Save(ctx context.Context, tx *domain.TransactionContext) error

	// Get retrieves a transaction by id
	Get(ctx context.Context, id string) (*domain.TransactionContext, error)

	// ListActive retrieves every transaction not yet in a terminal state
	ListActive(ctx context.Context) ([]*domain.TransactionContext, error)

	// Archive moves a terminal transaction out of the active set
	Archive(ctx context.Context, tx *domain.TransactionContext) error

	// GetArchived retrieves an archived transaction by id
	GetArchived(ctx context.Context, id string) (*domain.TransactionContext, error)

	// PruneArchived deletes archived transactions completed before the cutoff
	// and returns how many were removed
	PruneArchived(ctx context.Context, cutoff time.Time) (int, error)

	// Delete removes a transaction from the active set
	Delete(ctx context.Context, id string) error
}

// CheckpointRepository handles workflow checkpoint storage.
type CheckpointRepository interface {
	// Save persists a checkpoint
	Save(ctx context.Context, cp *domain.WorkflowCheckpoint) error

	// Get retrieves a checkpoint by id
	Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error)

	// Latest retrieves the most recent checkpoint for an execution
	Latest(ctx context.Context, executionID string) (*domain.WorkflowCheckpoint, error)

	// ListByExecution retrieves an execution's checkpoints, newest first
	ListByExecution(ctx context.Context, executionID string) ([]*domain.WorkflowCheckpoint, error)

	// Prune keeps the newest `keep` checkpoints of an execution, deletes the
	// rest oldest-first, and returns how many were removed
	Prune(ctx context.Context, executionID string, keep int) (int, error)

	// PruneOlderThan deletes checkpoints created before the cutoff across
	// all executions and returns how many were removed
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Delete removes a single checkpoint by id
	Delete(ctx context.Context, id string) error

	// DeleteByExecution removes all checkpoints of an execution
	DeleteByExecution(ctx context.Context, executionID string) (int, error)
}

// ExecutionRepository stores live workflow execution contexts, separate from
// their checkpoint snapshots.
type ExecutionRepository interface {
	// SaveContext persists the current execution context
	SaveContext(ctx context.Context, ectx *domain.WorkflowExecutionContext) error

	// GetContext retrieves an execution context by execution id
	GetContext(ctx context.Context, executionID string) (*domain.WorkflowExecutionContext, error)

	// ListContexts retrieves every stored execution context
	ListContexts(ctx context.Context) ([]*domain.WorkflowExecutionContext, error)

	// DeleteContext removes an execution context
	DeleteContext(ctx context.Context, executionID string) error
}

// RollbackRepository handles rollback plan and result storage. Plans are
// persisted so a crash mid-rollback can rebuild and re-run them; action
// bindings do not survive storage and must be rebound from the transaction.
type RollbackRepository interface {
	// SavePlan persists a plan
	SavePlan(ctx context.Context, plan *domain.RollbackPlan) error

	// GetPlan retrieves a plan by id
	GetPlan(ctx context.Context, id string) (*domain.RollbackPlan, error)

	// GetPlanByTransaction retrieves the most recent plan for a transaction
	GetPlanByTransaction(ctx context.Context, transactionID string) (*domain.RollbackPlan, error)

	// SaveResult persists an execution result
	SaveResult(ctx context.Context, result *domain.RollbackExecutionResult) error

	// GetResult retrieves the result for a plan
	GetResult(ctx context.Context, planID string) (*domain.RollbackExecutionResult, error)
}

// RecoveryRepository handles recovery execution audit records.
type RecoveryRepository interface {
	// SaveExecution persists a recovery execution record
	SaveExecution(ctx context.Context, rec *domain.RecoveryExecutionContext) error

	// GetExecution retrieves a recovery execution by id
	GetExecution(ctx context.Context, executionID string) (*domain.RecoveryExecutionContext, error)

	// ListByOperation retrieves recent recovery executions for an operation,
	// newest first, up to limit
	ListByOperation(ctx context.Context, operationID string, limit int) ([]*domain.RecoveryExecutionContext, error)
}
