package rollback

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Plan is a rollback plan under construction. It wraps the serializable
// domain.RollbackPlan with the bookkeeping needed to schedule it: insertion
// order (ties between independent operations fall back to reverse insertion
// order, so the last executed is undone first) and the optimize flag.
//
// Plan is not safe for concurrent use. Build it, validate it, hand it to the
// executor.
type Plan struct {
	plan      *domain.RollbackPlan
	order     []string
	optimized bool
}

// NewPlan returns an empty plan for the given transaction.
func NewPlan(transactionID string, cfg domain.RollbackConfig) *Plan {
	return &Plan{
		plan: &domain.RollbackPlan{
			ID:            uuid.New().String(),
			TransactionID: transactionID,
			Config:        cfg,
			Operations:    make(map[string]*domain.RollbackOperation),
			CreatedAt:     time.Now().UTC(),
		},
	}
}

// FromSnapshot wraps a stored plan so it can be validated and executed again.
// Map iteration order is not preserved across serialization, so insertion
// order degrades to sorted ids. Action bindings are gone after a round trip;
// call Rebind before executing.
func FromSnapshot(p *domain.RollbackPlan) *Plan {
	order := make([]string, 0, len(p.Operations))
	for id := range p.Operations {
		order = append(order, id)
	}
	sort.Strings(order)
	if p.Operations == nil {
		p.Operations = make(map[string]*domain.RollbackOperation)
	}
	return &Plan{plan: p, order: order}
}

// ID returns the plan id.
func (p *Plan) ID() string { return p.plan.ID }

// TransactionID returns the owning transaction id, if any.
func (p *Plan) TransactionID() string { return p.plan.TransactionID }

// Config returns the execution configuration.
func (p *Plan) Config() domain.RollbackConfig { return p.plan.Config }

// Len returns the number of operations in the plan.
func (p *Plan) Len() int { return len(p.plan.Operations) }

// Operation returns the operation with the given id, or nil.
func (p *Plan) Operation(id string) *domain.RollbackOperation {
	return p.plan.Operations[id]
}

// Snapshot returns the underlying serializable plan. The caller must not
// mutate it while the plan is executing.
func (p *Plan) Snapshot() *domain.RollbackPlan { return p.plan }

// AddOperation inserts an operation and wires the dependent mirrors in both
// directions, tolerating forward references to operations added later.
func (p *Plan) AddOperation(op *domain.RollbackOperation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("rollback operation requires an id")
	}
	if _, ok := p.plan.Operations[op.ID]; ok {
		return fmt.Errorf("%w: rollback operation %s", domain.ErrDuplicate, op.ID)
	}
	p.plan.Operations[op.ID] = op
	p.order = append(p.order, op.ID)

	for _, dep := range op.DependsOn {
		if target, ok := p.plan.Operations[dep]; ok {
			target.Dependents = appendUnique(target.Dependents, op.ID)
		}
	}
	for _, other := range p.plan.Operations {
		if other.ID == op.ID {
			continue
		}
		for _, dep := range other.DependsOn {
			if dep == op.ID {
				op.Dependents = appendUnique(op.Dependents, other.ID)
			}
		}
	}
	return nil
}

// RemoveOperation deletes an operation and detaches it from both edge
// mirrors. It reports whether the operation was present.
func (p *Plan) RemoveOperation(id string) bool {
	op, ok := p.plan.Operations[id]
	if !ok {
		return false
	}
	delete(p.plan.Operations, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for _, dep := range op.DependsOn {
		if target, ok := p.plan.Operations[dep]; ok {
			target.Dependents = removeString(target.Dependents, id)
		}
	}
	for _, dependent := range op.Dependents {
		if target, ok := p.plan.Operations[dependent]; ok {
			target.DependsOn = removeString(target.DependsOn, id)
		}
	}
	return true
}

// ClearOperations empties the plan.
func (p *Plan) ClearOperations() {
	p.plan.Operations = make(map[string]*domain.RollbackOperation)
	p.order = nil
}

// Optimize marks the plan so ExecutionOrder schedules independent operations
// by priority, critical first, instead of plain reverse insertion order.
func (p *Plan) Optimize() {
	p.optimized = true
}

// Rebind reattaches action bindings from the transaction's operation arena.
// Needed after a plan has been loaded from storage, where bindings do not
// survive.
func (p *Plan) Rebind(tc *domain.TransactionContext) {
	if tc == nil {
		return
	}
	for _, op := range p.plan.Operations {
		if src := tc.Operation(op.OperationID); src != nil {
			op.Actions = src.Actions
		}
	}
}

// Validate checks the plan is executable. Cycles are always rejected with
// the offending path; the configured validation level adds stricter checks
// on top:
//
//	strict    dependencies must resolve inside the plan
//	paranoid  every operation must carry an undo binding
func (p *Plan) Validate() error {
	if cycle := p.findCycle(); cycle != nil {
		return cycleError(cycle)
	}
	level := p.plan.Config.Validation
	if level != domain.ValidationStrict && level != domain.ValidationParanoid {
		return nil
	}
	for _, id := range p.order {
		op := p.plan.Operations[id]
		for _, dep := range op.DependsOn {
			if _, ok := p.plan.Operations[dep]; !ok {
				return fmt.Errorf("rollback operation %s depends on %s, which is not in the plan", id, dep)
			}
		}
		if level == domain.ValidationParanoid {
			if op.Actions == nil || (op.Actions.Inverse == nil && op.Actions.Compensate == nil) {
				return fmt.Errorf("rollback operation %s has no undo binding", id)
			}
		}
	}
	return nil
}

// ExecutionOrder returns the order operations must be undone in: the reverse
// of the forward topological order, so every operation is rolled back before
// the operations it depends on. Ties between independent operations break by
// reverse insertion order, or by priority when the plan is optimized.
func (p *Plan) ExecutionOrder() ([]string, error) {
	index := make(map[string]int, len(p.order))
	for i, id := range p.order {
		index[id] = i
	}

	// pending[x] counts in-plan operations that depend on x. An operation is
	// ready once everything depending on it has been undone.
	pending := make(map[string]int, len(p.plan.Operations))
	for _, id := range p.order {
		pending[id] = 0
	}
	for _, id := range p.order {
		for _, dep := range p.plan.Operations[id].DependsOn {
			if _, ok := pending[dep]; ok {
				pending[dep]++
			}
		}
	}

	less := func(a, b string) bool {
		if p.optimized {
			oa, ob := p.plan.Operations[a], p.plan.Operations[b]
			if oa.Critical != ob.Critical {
				return oa.Critical
			}
			if oa.Priority != ob.Priority {
				return oa.Priority > ob.Priority
			}
		}
		return index[a] > index[b]
	}

	ready := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]string, 0, len(p.order))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, dep := range p.plan.Operations[next].DependsOn {
			if _, ok := pending[dep]; !ok {
				continue
			}
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(out) != len(p.order) {
		if cycle := p.findCycle(); cycle != nil {
			return nil, cycleError(cycle)
		}
		return nil, fmt.Errorf("%w: rollback plan %s", domain.ErrCircularDependency, p.plan.ID)
	}
	return out, nil
}

// findCycle runs a depth-first search over DependsOn edges with recursion
// stack tracking and returns the first cycle found as a path (first node
// repeated at the end), or nil.
func (p *Plan) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(p.plan.Operations))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range p.plan.Operations[id].DependsOn {
			if _, ok := p.plan.Operations[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				for i, v := range stack {
					if v == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range p.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func cycleError(cycle []string) error {
	return fmt.Errorf("%w: %s", domain.ErrCircularDependency, strings.Join(cycle, " -> "))
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
