package rollback

import (
	"fmt"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Planner turns a transaction's executed-operation log into a rollback plan.
// Dependency edges are carried over restricted to operations that actually
// completed; an executed dependency outside the plan has nothing to undo and
// is treated as settled.
type Planner struct {
	config domain.RollbackConfig
}

// NewPlanner returns a planner that stamps plans with the given config.
func NewPlanner(cfg domain.RollbackConfig) *Planner {
	return &Planner{config: cfg}
}

// BuildPlan covers every operation the transaction completed, in execution
// order. An aborting transaction with nothing executed yields a valid empty
// plan.
func (pl *Planner) BuildPlan(tc *domain.TransactionContext) (*Plan, error) {
	if tc == nil {
		return nil, fmt.Errorf("rollback planning requires a transaction")
	}
	cfg := pl.config
	cfg.Scope = domain.RollbackScopeFull
	return pl.build(tc, tc.ExecutedOperations(), cfg)
}

// BuildPartialPlan covers only the named operations plus, transitively, every
// executed operation that depends on them. Undoing an operation while leaving
// its dependents applied would strand them on state that no longer exists, so
// the dependent closure always rides along.
func (pl *Planner) BuildPartialPlan(tc *domain.TransactionContext, ids []string) (*Plan, error) {
	if tc == nil {
		return nil, fmt.Errorf("rollback planning requires a transaction")
	}
	executed := tc.ExecutedOperations()
	executedSet := make(map[string]bool, len(executed))
	for _, id := range executed {
		executedSet[id] = true
	}

	include := make(map[string]bool, len(ids))
	var mark func(id string)
	mark = func(id string) {
		if include[id] || !executedSet[id] {
			return
		}
		include[id] = true
		for _, other := range executed {
			for _, dep := range tc.Operations[other].DependsOn {
				if dep == id {
					mark(other)
				}
			}
		}
	}
	for _, id := range ids {
		if !executedSet[id] {
			return nil, fmt.Errorf("%w: operation %s was not executed in transaction %s", domain.ErrNotFound, id, tc.ID)
		}
		mark(id)
	}

	scoped := make([]string, 0, len(include))
	for _, id := range executed {
		if include[id] {
			scoped = append(scoped, id)
		}
	}
	cfg := pl.config
	cfg.Scope = domain.RollbackScopePartial
	return pl.build(tc, scoped, cfg)
}

func (pl *Planner) build(tc *domain.TransactionContext, ids []string, cfg domain.RollbackConfig) (*Plan, error) {
	plan := NewPlan(tc.ID, cfg)
	inPlan := make(map[string]bool, len(ids))
	for _, id := range ids {
		inPlan[id] = true
	}

	for _, id := range ids {
		op := tc.Operation(id)
		if op == nil {
			return nil, fmt.Errorf("%w: operation %s in transaction %s", domain.ErrNotFound, id, tc.ID)
		}
		rb := &domain.RollbackOperation{
			ID:            rollbackID(id),
			OperationID:   id,
			ParticipantID: op.ParticipantID,
			Description:   describe(op),
			Priority:      op.Priority,
			Critical:      op.Critical,
			Compensatable: op.Compensatable || (op.Actions != nil && op.Actions.Compensate != nil),
			Actions:       op.Actions,
		}
		for _, dep := range op.DependsOn {
			if inPlan[dep] {
				rb.DependsOn = append(rb.DependsOn, rollbackID(dep))
			}
		}
		if err := plan.AddOperation(rb); err != nil {
			return nil, err
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func rollbackID(operationID string) string {
	return "rb-" + operationID
}

func describe(op *domain.TransactionOperation) string {
	if op.Name != "" {
		return fmt.Sprintf("undo %s", op.Name)
	}
	return fmt.Sprintf("undo %s", op.ID)
}
