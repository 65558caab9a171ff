package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// MemoryStorage backs every repository with process-local maps. It exists for
// tests and single-node runs; nothing survives a restart.
type MemoryStorage struct {
	transactions map[string]*domain.TransactionContext
	archived     map[string]*domain.TransactionContext
	checkpoints  map[string]*domain.WorkflowCheckpoint
	executions   map[string]*domain.WorkflowExecutionContext
	plans        map[string]*domain.RollbackPlan
	results      map[string]*domain.RollbackExecutionResult
	recoveries   map[string]*domain.RecoveryExecutionContext
	mu           sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		transactions: make(map[string]*domain.TransactionContext),
		archived:     make(map[string]*domain.TransactionContext),
		checkpoints:  make(map[string]*domain.WorkflowCheckpoint),
		executions:   make(map[string]*domain.WorkflowExecutionContext),
		plans:        make(map[string]*domain.RollbackPlan),
		results:      make(map[string]*domain.RollbackExecutionResult),
		recoveries:   make(map[string]*domain.RecoveryExecutionContext),
	}
}

// -----------------------------------------------------------------------------
// Transaction Repository
// -----------------------------------------------------------------------------

type TransactionRepo struct {
	store *MemoryStorage
}

func NewTransactionRepo(store *MemoryStorage) *TransactionRepo {
	return &TransactionRepo{store: store}
}

func (r *TransactionRepo) Save(ctx context.Context, tx *domain.TransactionContext) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *tx
	r.store.transactions[tx.ID] = &c
	return nil
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*domain.TransactionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	tx, ok := r.store.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	c := *tx
	return &c, nil
}

func (r *TransactionRepo) ListActive(ctx context.Context) ([]*domain.TransactionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.TransactionContext, 0, len(r.store.transactions))
	for _, tx := range r.store.transactions {
		if tx.State.IsTerminal() {
			continue
		}
		c := *tx
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *TransactionRepo) Archive(ctx context.Context, tx *domain.TransactionContext) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *tx
	r.store.archived[tx.ID] = &c
	delete(r.store.transactions, tx.ID)
	return nil
}

func (r *TransactionRepo) GetArchived(ctx context.Context, id string) (*domain.TransactionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	tx, ok := r.store.archived[id]
	if !ok {
		return nil, fmt.Errorf("%w: archived transaction %s", domain.ErrNotFound, id)
	}
	c := *tx
	return &c, nil
}

func (r *TransactionRepo) PruneArchived(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, tx := range r.store.archived {
		completed := tx.UpdatedAt
		if !tx.CompletedAt.IsZero() {
			completed = tx.CompletedAt
		}
		if completed.Before(cutoff) {
			delete(r.store.archived, id)
			removed++
		}
	}
	return removed, nil
}

func (r *TransactionRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.transactions, id)
	return nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func NewCheckpointRepo(store *MemoryStorage) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.WorkflowCheckpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cp
	if cp.Context != nil {
		c.Context = cp.Context.Clone()
	}
	r.store.checkpoints[cp.ID] = &c
	return nil
}

func (r *CheckpointRepo) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cp, ok := r.store.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, id)
	}
	return copyCheckpoint(cp), nil
}

func (r *CheckpointRepo) Latest(ctx context.Context, executionID string) (*domain.WorkflowCheckpoint, error) {
	cps, err := r.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for execution %s", domain.ErrNotFound, executionID)
	}
	return cps[0], nil
}

func (r *CheckpointRepo) ListByExecution(ctx context.Context, executionID string) ([]*domain.WorkflowCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.WorkflowCheckpoint
	for _, cp := range r.store.checkpoints {
		if cp.ExecutionID == executionID {
			out = append(out, copyCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *CheckpointRepo) Prune(ctx context.Context, executionID string, keep int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var cps []*domain.WorkflowCheckpoint
	for _, cp := range r.store.checkpoints {
		if cp.ExecutionID == executionID {
			cps = append(cps, cp)
		}
	}
	if keep < 0 || len(cps) <= keep {
		return 0, nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.Before(cps[j].CreatedAt) })
	removed := 0
	for _, cp := range cps[:len(cps)-keep] {
		delete(r.store.checkpoints, cp.ID)
		removed++
	}
	return removed, nil
}

func (r *CheckpointRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, cp := range r.store.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			delete(r.store.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}

func (r *CheckpointRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.checkpoints[id]; !ok {
		return fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, id)
	}
	delete(r.store.checkpoints, id)
	return nil
}

func (r *CheckpointRepo) DeleteByExecution(ctx context.Context, executionID string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, cp := range r.store.checkpoints {
		if cp.ExecutionID == executionID {
			delete(r.store.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}

func copyCheckpoint(cp *domain.WorkflowCheckpoint) *domain.WorkflowCheckpoint {
	c := *cp
	if cp.Context != nil {
		c.Context = cp.Context.Clone()
	}
	return &c
}

// -----------------------------------------------------------------------------
// Execution Repository
// -----------------------------------------------------------------------------

type ExecutionRepo struct {
	store *MemoryStorage
}

func NewExecutionRepo(store *MemoryStorage) *ExecutionRepo {
	return &ExecutionRepo{store: store}
}

func (r *ExecutionRepo) SaveContext(ctx context.Context, ectx *domain.WorkflowExecutionContext) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.executions[ectx.ExecutionID] = ectx.Clone()
	return nil
}

func (r *ExecutionRepo) GetContext(ctx context.Context, executionID string) (*domain.WorkflowExecutionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	ectx, ok := r.store.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
	}
	return ectx.Clone(), nil
}

func (r *ExecutionRepo) ListContexts(ctx context.Context) ([]*domain.WorkflowExecutionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.WorkflowExecutionContext, 0, len(r.store.executions))
	for _, ectx := range r.store.executions {
		out = append(out, ectx.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *ExecutionRepo) DeleteContext(ctx context.Context, executionID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.executions, executionID)
	return nil
}

// -----------------------------------------------------------------------------
// Rollback Repository
// -----------------------------------------------------------------------------

type RollbackRepo struct {
	store *MemoryStorage
}

func NewRollbackRepo(store *MemoryStorage) *RollbackRepo {
	return &RollbackRepo{store: store}
}

func (r *RollbackRepo) SavePlan(ctx context.Context, plan *domain.RollbackPlan) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *plan
	r.store.plans[plan.ID] = &c
	return nil
}

func (r *RollbackRepo) GetPlan(ctx context.Context, id string) (*domain.RollbackPlan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	plan, ok := r.store.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: rollback plan %s", domain.ErrNotFound, id)
	}
	c := *plan
	return &c, nil
}

func (r *RollbackRepo) GetPlanByTransaction(ctx context.Context, transactionID string) (*domain.RollbackPlan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.RollbackPlan
	for _, plan := range r.store.plans {
		if plan.TransactionID != transactionID {
			continue
		}
		if latest == nil || plan.CreatedAt.After(latest.CreatedAt) {
			latest = plan
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no rollback plan for transaction %s", domain.ErrNotFound, transactionID)
	}
	c := *latest
	return &c, nil
}

func (r *RollbackRepo) SaveResult(ctx context.Context, result *domain.RollbackExecutionResult) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *result
	r.store.results[result.PlanID] = &c
	return nil
}

func (r *RollbackRepo) GetResult(ctx context.Context, planID string) (*domain.RollbackExecutionResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	result, ok := r.store.results[planID]
	if !ok {
		return nil, fmt.Errorf("%w: no result for rollback plan %s", domain.ErrNotFound, planID)
	}
	c := *result
	return &c, nil
}

// -----------------------------------------------------------------------------
// Recovery Repository
// -----------------------------------------------------------------------------

type RecoveryRepo struct {
	store *MemoryStorage
}

func NewRecoveryRepo(store *MemoryStorage) *RecoveryRepo {
	return &RecoveryRepo{store: store}
}

func (r *RecoveryRepo) SaveExecution(ctx context.Context, rec *domain.RecoveryExecutionContext) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *rec
	r.store.recoveries[rec.ExecutionID] = &c
	return nil
}

func (r *RecoveryRepo) GetExecution(ctx context.Context, executionID string) (*domain.RecoveryExecutionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.recoveries[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: recovery execution %s", domain.ErrNotFound, executionID)
	}
	c := *rec
	return &c, nil
}

func (r *RecoveryRepo) ListByOperation(ctx context.Context, operationID string, limit int) ([]*domain.RecoveryExecutionContext, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RecoveryExecutionContext
	for _, rec := range r.store.recoveries {
		if rec.OperationID != operationID {
			continue
		}
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
