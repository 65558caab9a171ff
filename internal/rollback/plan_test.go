package rollback

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vietddude/txflow/internal/core/domain"
)

func testOp(id string, deps ...string) *domain.RollbackOperation {
	return &domain.RollbackOperation{
		ID:            id,
		OperationID:   id,
		ParticipantID: "p1",
		DependsOn:     deps,
	}
}

func mustAdd(t *testing.T, p *Plan, ops ...*domain.RollbackOperation) {
	t.Helper()
	for _, op := range ops {
		if err := p.AddOperation(op); err != nil {
			t.Fatalf("AddOperation(%s) failed: %v", op.ID, err)
		}
	}
}

func TestPlan_AddRemoveClear(t *testing.T) {
	p := NewPlan("tx-1", domain.DefaultRollbackConfig())

	a := testOp("a")
	b := testOp("b", "a")
	mustAdd(t, p, a, b)

	if err := p.AddOperation(testOp("a")); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for repeated id, got %v", err)
	}
	if got := a.Dependents; !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Expected a.Dependents [b], got %v", got)
	}

	// Forward reference: c depends on d, which arrives later.
	c := testOp("c", "d")
	d := testOp("d")
	mustAdd(t, p, c, d)
	if got := d.Dependents; !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Expected d.Dependents [c] after late insert, got %v", got)
	}

	if !p.RemoveOperation("b") {
		t.Fatal("Expected RemoveOperation(b) to report true")
	}
	if p.RemoveOperation("b") {
		t.Error("Expected RemoveOperation(b) to report false on second call")
	}
	if got := a.Dependents; len(got) != 0 {
		t.Errorf("Expected a.Dependents empty after removing b, got %v", got)
	}

	p.ClearOperations()
	if p.Len() != 0 {
		t.Errorf("Expected empty plan after clear, got %d operations", p.Len())
	}
}

func TestPlan_ExecutionOrder(t *testing.T) {
	tests := []struct {
		name     string
		ops      []*domain.RollbackOperation
		optimize bool
		want     []string
	}{
		{
			name: "chain is undone in reverse",
			ops: []*domain.RollbackOperation{
				testOp("a"),
				testOp("b", "a"),
				testOp("c", "b"),
			},
			want: []string{"c", "b", "a"},
		},
		{
			name: "independent operations undo last-executed first",
			ops: []*domain.RollbackOperation{
				testOp("a"),
				testOp("b"),
				testOp("c"),
			},
			want: []string{"c", "b", "a"},
		},
		{
			name: "optimized order puts critical and high priority first",
			ops: []*domain.RollbackOperation{
				func() *domain.RollbackOperation {
					op := testOp("a")
					op.Critical = true
					return op
				}(),
				func() *domain.RollbackOperation {
					op := testOp("b")
					op.Priority = 5
					return op
				}(),
				func() *domain.RollbackOperation {
					op := testOp("c")
					op.Priority = 1
					return op
				}(),
			},
			optimize: true,
			want:     []string{"a", "b", "c"},
		},
		{
			name: "priority never overrides dependencies",
			ops: []*domain.RollbackOperation{
				func() *domain.RollbackOperation {
					op := testOp("a")
					op.Priority = 10
					return op
				}(),
				testOp("b", "a"),
			},
			optimize: true,
			want:     []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlan("tx-1", domain.DefaultRollbackConfig())
			mustAdd(t, p, tt.ops...)
			if tt.optimize {
				p.Optimize()
			}
			got, err := p.ExecutionOrder()
			if err != nil {
				t.Fatalf("ExecutionOrder failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected order %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlan_Validate_RejectsCycles(t *testing.T) {
	tests := []struct {
		name string
		ops  []*domain.RollbackOperation
	}{
		{
			name: "two node cycle",
			ops: []*domain.RollbackOperation{
				testOp("x", "y"),
				testOp("y", "x"),
			},
		},
		{
			name: "three node cycle",
			ops: []*domain.RollbackOperation{
				testOp("a", "c"),
				testOp("b", "a"),
				testOp("c", "b"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlan("tx-1", domain.DefaultRollbackConfig())
			mustAdd(t, p, tt.ops...)

			err := p.Validate()
			if !errors.Is(err, domain.ErrCircularDependency) {
				t.Fatalf("Expected ErrCircularDependency, got %v", err)
			}
			if !strings.Contains(err.Error(), "->") {
				t.Errorf("Expected cycle path in error, got %q", err.Error())
			}
			for _, op := range tt.ops {
				if !strings.Contains(err.Error(), op.ID) {
					t.Errorf("Expected cycle path to mention %s, got %q", op.ID, err.Error())
				}
			}

			if _, err := p.ExecutionOrder(); !errors.Is(err, domain.ErrCircularDependency) {
				t.Errorf("Expected ExecutionOrder to reject cycle, got %v", err)
			}
		})
	}
}

func TestPlan_Validate_Levels(t *testing.T) {
	dangling := func(level domain.ValidationLevel) *Plan {
		cfg := domain.DefaultRollbackConfig()
		cfg.Validation = level
		p := NewPlan("tx-1", cfg)
		mustAdd(t, p, testOp("a", "missing"))
		return p
	}

	if err := dangling(domain.ValidationBasic).Validate(); err != nil {
		t.Errorf("Expected basic validation to tolerate out-of-plan dependency, got %v", err)
	}
	if err := dangling(domain.ValidationStrict).Validate(); err == nil {
		t.Error("Expected strict validation to reject out-of-plan dependency")
	}

	cfg := domain.DefaultRollbackConfig()
	cfg.Validation = domain.ValidationParanoid
	p := NewPlan("tx-1", cfg)
	mustAdd(t, p, testOp("a"))
	if err := p.Validate(); err == nil {
		t.Error("Expected paranoid validation to reject missing undo binding")
	}
	p.Operation("a").Actions = &domain.OperationActions{
		Inverse: func(ctx context.Context) error { return nil },
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Expected paranoid validation to pass with inverse bound, got %v", err)
	}
}

func executedTx() *domain.TransactionContext {
	noop := func(ctx context.Context) error { return nil }
	return &domain.TransactionContext{
		ID:             "tx-1",
		State:          domain.TxStateAborting,
		OperationOrder: []string{"a", "b", "c", "d"},
		Operations: map[string]*domain.TransactionOperation{
			"a": {
				ID:            "a",
				Type:          domain.OperationTypeInstall,
				ParticipantID: "p1",
				Name:          "install package",
				Status:        domain.OperationCompleted,
				Priority:      2,
				Critical:      true,
				Actions:       &domain.OperationActions{Inverse: noop},
			},
			"b": {
				ID:            "b",
				Type:          domain.OperationTypeConfig,
				ParticipantID: "p1",
				DependsOn:     []string{"a"},
				Status:        domain.OperationCompleted,
				Actions:       &domain.OperationActions{Compensate: noop},
			},
			"c": {
				ID:            "c",
				Type:          domain.OperationTypeService,
				ParticipantID: "p2",
				DependsOn:     []string{"b"},
				Status:        domain.OperationFailed,
			},
			"d": {
				ID:            "d",
				Type:          domain.OperationTypeCustom,
				ParticipantID: "p2",
				Status:        domain.OperationCompleted,
				Actions:       &domain.OperationActions{Inverse: noop},
			},
		},
	}
}

func TestPlanner_BuildPlan(t *testing.T) {
	planner := NewPlanner(domain.DefaultRollbackConfig())
	plan, err := planner.BuildPlan(executedTx())
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	// c failed, so only a, b and d have effects to undo.
	if plan.Len() != 3 {
		t.Fatalf("Expected 3 rollback operations, got %d", plan.Len())
	}
	if plan.Operation("rb-c") != nil {
		t.Error("Expected failed operation c to be excluded from the plan")
	}
	if got := plan.Config().Scope; got != domain.RollbackScopeFull {
		t.Errorf("Expected full scope, got %s", got)
	}

	rbA := plan.Operation("rb-a")
	if rbA == nil {
		t.Fatal("Expected rb-a in plan")
	}
	if !rbA.Critical || rbA.Priority != 2 {
		t.Errorf("Expected rollback traits carried over, got critical=%v priority=%d", rbA.Critical, rbA.Priority)
	}
	if rbA.Description != "undo install package" {
		t.Errorf("Expected description from operation name, got %q", rbA.Description)
	}

	rbB := plan.Operation("rb-b")
	if rbB == nil {
		t.Fatal("Expected rb-b in plan")
	}
	if !reflect.DeepEqual(rbB.DependsOn, []string{"rb-a"}) {
		t.Errorf("Expected rb-b to depend on rb-a, got %v", rbB.DependsOn)
	}
	if !rbB.Compensatable {
		t.Error("Expected compensation binding to imply compensatable")
	}

	order, err := plan.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"rb-d", "rb-b", "rb-a"}) {
		t.Errorf("Expected order [rb-d rb-b rb-a], got %v", order)
	}
}

func TestPlanner_BuildPartialPlan(t *testing.T) {
	planner := NewPlanner(domain.DefaultRollbackConfig())

	// Undoing a drags its executed dependent b along; d stays applied.
	plan, err := planner.BuildPartialPlan(executedTx(), []string{"a"})
	if err != nil {
		t.Fatalf("BuildPartialPlan failed: %v", err)
	}
	if plan.Len() != 2 {
		t.Fatalf("Expected 2 rollback operations, got %d", plan.Len())
	}
	if plan.Operation("rb-d") != nil {
		t.Error("Expected independent operation d to stay out of a partial plan")
	}
	if got := plan.Config().Scope; got != domain.RollbackScopePartial {
		t.Errorf("Expected partial scope, got %s", got)
	}

	if _, err := planner.BuildPartialPlan(executedTx(), []string{"c"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for operation that never completed, got %v", err)
	}
}

func TestPlan_FromSnapshotAndRebind(t *testing.T) {
	stored := &domain.RollbackPlan{
		ID:            "plan-1",
		TransactionID: "tx-1",
		Config:        domain.DefaultRollbackConfig(),
		Operations: map[string]*domain.RollbackOperation{
			"rb-a": {ID: "rb-a", OperationID: "a", ParticipantID: "p1"},
		},
	}

	p := FromSnapshot(stored)
	if p.Len() != 1 || p.ID() != "plan-1" {
		t.Fatalf("Expected wrapped plan with 1 operation, got len=%d id=%s", p.Len(), p.ID())
	}
	if p.Operation("rb-a").Actions != nil {
		t.Fatal("Expected stored plan to carry no bindings")
	}

	p.Rebind(executedTx())
	if p.Operation("rb-a").Actions == nil {
		t.Error("Expected Rebind to reattach bindings from the operation arena")
	}
}
