package rollback

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
)

type undoRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *undoRecorder) undo(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, id)
		return nil
	}
}

func (r *undoRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// countdown fails the first n invocations, then succeeds.
type countdown struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (c *countdown) fn(err error) func(context.Context) error {
	return func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls++
		if c.calls <= c.failures {
			return err
		}
		return nil
	}
}

func (c *countdown) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func recordedOp(id string, rec *undoRecorder, deps ...string) *domain.RollbackOperation {
	op := testOp(id, deps...)
	op.Actions = &domain.OperationActions{Inverse: rec.undo(id)}
	return op
}

func fastConfig() domain.RollbackConfig {
	cfg := domain.DefaultRollbackConfig()
	cfg.OperationTimeout = 250 * time.Millisecond
	cfg.Retry = domain.RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          4 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	return cfg
}

func TestExecutor_UndoesChainInReverse(t *testing.T) {
	rec := &undoRecorder{}
	p := NewPlan("tx-1", fastConfig())
	mustAdd(t, p,
		recordedOp("a", rec),
		recordedOp("b", rec, "a"),
		recordedOp("c", rec, "b"),
	)

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := rec.sequence(); !reflect.DeepEqual(got, []string{"c", "b", "a"}) {
		t.Errorf("Expected undo order [c b a], got %v", got)
	}
	if result.Outcome != domain.RollbackSuccess {
		t.Errorf("Expected success outcome, got %s", result.Outcome)
	}
	if !result.Succeeded() {
		t.Error("Expected Succeeded() to report true")
	}
	for _, op := range result.Operations {
		if op.Outcome != domain.RollbackSuccess || op.Attempts != 1 {
			t.Errorf("Expected single successful attempt for %s, got outcome=%s attempts=%d",
				op.OperationID, op.Outcome, op.Attempts)
		}
	}
}

func TestExecutor_RetriesUndoBeforeGivingUp(t *testing.T) {
	flaky := &countdown{failures: 2}
	p := NewPlan("tx-1", fastConfig())
	op := testOp("a")
	op.Actions = &domain.OperationActions{Inverse: flaky.fn(errors.New("device busy"))}
	mustAdd(t, p, op)

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if flaky.count() != 3 {
		t.Errorf("Expected 3 undo invocations, got %d", flaky.count())
	}
	if got := result.Operations[0]; got.Outcome != domain.RollbackSuccess || got.Attempts != 3 {
		t.Errorf("Expected success after 3 attempts, got outcome=%s attempts=%d", got.Outcome, got.Attempts)
	}
}

func TestExecutor_FallsBackToCompensation(t *testing.T) {
	comp := &countdown{}
	p := NewPlan("tx-1", fastConfig())
	op := testOp("a")
	op.Compensatable = true
	op.Actions = &domain.OperationActions{
		Inverse:    func(ctx context.Context) error { return errors.New("state drifted") },
		Compensate: comp.fn(nil),
	}
	mustAdd(t, p, op)

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got := result.Operations[0]
	if got.Outcome != domain.RollbackCompensationApplied {
		t.Fatalf("Expected compensation applied, got %s", got.Outcome)
	}
	// 3 failed undo attempts plus one successful compensation.
	if got.Attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", got.Attempts)
	}
	if result.Outcome != domain.RollbackCompensationApplied {
		t.Errorf("Expected aggregate compensation applied, got %s", result.Outcome)
	}
	if !result.Succeeded() {
		t.Error("Expected compensated rollback to count as success")
	}
}

func TestExecutor_CompensationIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	state := map[string]string{"resource": "allocated"}
	calls := 0

	buildPlan := func() *Plan {
		p := NewPlan("tx-1", fastConfig())
		op := testOp("a")
		op.Compensatable = true
		op.Actions = &domain.OperationActions{
			Compensate: func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				calls++
				state["resource"] = "released"
				return nil
			},
		}
		mustAdd(t, p, op)
		return p
	}

	exec := NewExecutor(nil)
	first, err := exec.Execute(context.Background(), buildPlan())
	if err != nil {
		t.Fatalf("First execute failed: %v", err)
	}
	afterFirst := map[string]string{"resource": state["resource"]}

	// Re-running the plan, as crash recovery would, must land on the same
	// end state.
	second, err := exec.Execute(context.Background(), buildPlan())
	if err != nil {
		t.Fatalf("Second execute failed: %v", err)
	}

	if calls != 2 {
		t.Fatalf("Expected compensation invoked twice, got %d", calls)
	}
	if state["resource"] != "released" || !reflect.DeepEqual(afterFirst, map[string]string{"resource": "released"}) {
		t.Errorf("Expected identical end state across runs, got %v", state)
	}
	if first.Outcome != domain.RollbackCompensationApplied || second.Outcome != domain.RollbackCompensationApplied {
		t.Errorf("Expected compensation applied on both runs, got %s and %s", first.Outcome, second.Outcome)
	}
}

func TestExecutor_CriticalFailureAbortsRemainingPlan(t *testing.T) {
	rec := &undoRecorder{}
	p := NewPlan("tx-1", fastConfig())
	broken := testOp("b", "a")
	broken.Critical = true
	broken.Actions = &domain.OperationActions{
		Inverse: func(ctx context.Context) error { return errors.New("participant unreachable") },
	}
	mustAdd(t, p,
		recordedOp("a", rec),
		broken,
		recordedOp("c", rec, "b"),
	)

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Aborted {
		t.Error("Expected result to be marked aborted")
	}
	if got := rec.sequence(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Expected only c to be undone, got %v", got)
	}

	outcomes := map[string]domain.RollbackOutcome{}
	for _, op := range result.Operations {
		outcomes[op.OperationID] = op.Outcome
	}
	want := map[string]domain.RollbackOutcome{
		"c": domain.RollbackSuccess,
		"b": domain.RollbackFailed,
		"a": domain.RollbackSkipped,
	}
	if !reflect.DeepEqual(outcomes, want) {
		t.Errorf("Expected outcomes %v, got %v", want, outcomes)
	}
	if result.Outcome != domain.RollbackPartialSuccess {
		t.Errorf("Expected partial success, got %s", result.Outcome)
	}
}

func TestExecutor_NonCriticalFailureContinues(t *testing.T) {
	rec := &undoRecorder{}
	p := NewPlan("tx-1", fastConfig())
	broken := testOp("b", "a")
	broken.Actions = &domain.OperationActions{
		Inverse: func(ctx context.Context) error { return errors.New("already gone") },
	}
	mustAdd(t, p,
		recordedOp("a", rec),
		broken,
		recordedOp("c", rec, "b"),
	)

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Aborted {
		t.Error("Expected non-critical failure to keep the plan running")
	}
	if got := rec.sequence(); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Errorf("Expected c and a undone, got %v", got)
	}
	if result.Outcome != domain.RollbackPartialSuccess {
		t.Errorf("Expected partial success, got %s", result.Outcome)
	}
}

func TestExecutor_ValidationGate(t *testing.T) {
	newPlan := func(continueOn bool) (*Plan, *undoRecorder) {
		cfg := fastConfig()
		cfg.ContinueOnValidation = continueOn
		rec := &undoRecorder{}
		p := NewPlan("tx-1", cfg)
		op := testOp("a")
		op.Actions = &domain.OperationActions{
			Inverse:  rec.undo("a"),
			Validate: func(ctx context.Context) error { return errors.New("resource vanished") },
		}
		mustAdd(t, p, op)
		return p, rec
	}

	t.Run("continue on validation failure skips the operation", func(t *testing.T) {
		p, rec := newPlan(true)
		result, err := NewExecutor(nil).Execute(context.Background(), p)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if got := result.Operations[0].Outcome; got != domain.RollbackSkipped {
			t.Errorf("Expected skipped, got %s", got)
		}
		if len(rec.sequence()) != 0 {
			t.Error("Expected undo to stay uninvoked after failed validation")
		}
	})

	t.Run("strict validation fails the operation", func(t *testing.T) {
		p, _ := newPlan(false)
		result, err := NewExecutor(nil).Execute(context.Background(), p)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if got := result.Operations[0].Outcome; got != domain.RollbackFailed {
			t.Errorf("Expected failed, got %s", got)
		}
		if result.Outcome != domain.RollbackFailed {
			t.Errorf("Expected aggregate failed, got %s", result.Outcome)
		}
	})
}

func TestExecutor_SkipsOperationWithoutBinding(t *testing.T) {
	rec := &undoRecorder{}
	p := NewPlan("tx-1", fastConfig())
	mustAdd(t, p, testOp("a"), recordedOp("b", rec))

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	outcomes := map[string]domain.RollbackOutcome{}
	for _, op := range result.Operations {
		outcomes[op.OperationID] = op.Outcome
	}
	if outcomes["a"] != domain.RollbackSkipped {
		t.Errorf("Expected a skipped without binding, got %s", outcomes["a"])
	}
	if outcomes["b"] != domain.RollbackSuccess {
		t.Errorf("Expected b undone, got %s", outcomes["b"])
	}
	if result.Outcome != domain.RollbackPartialSuccess {
		t.Errorf("Expected partial success, got %s", result.Outcome)
	}
}

func TestExecutor_EmptyPlanSucceeds(t *testing.T) {
	result, err := NewExecutor(nil).Execute(context.Background(), NewPlan("tx-1", fastConfig()))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Outcome != domain.RollbackSuccess || len(result.Operations) != 0 {
		t.Errorf("Expected trivial success, got outcome=%s operations=%d", result.Outcome, len(result.Operations))
	}
}

func TestExecutor_RejectsCyclicPlan(t *testing.T) {
	p := NewPlan("tx-1", fastConfig())
	mustAdd(t, p, testOp("x", "y"), testOp("y", "x"))

	result, err := NewExecutor(nil).Execute(context.Background(), p)
	if !errors.Is(err, domain.ErrCircularDependency) {
		t.Fatalf("Expected ErrCircularDependency, got %v", err)
	}
	if result != nil {
		t.Error("Expected no result for unschedulable plan")
	}
}

func TestExecutor_CancelledContextSkipsRemaining(t *testing.T) {
	rec := &undoRecorder{}
	p := NewPlan("tx-1", fastConfig())
	mustAdd(t, p, recordedOp("a", rec), recordedOp("b", rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewExecutor(nil).Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Aborted {
		t.Error("Expected cancelled run to be marked aborted")
	}
	for _, op := range result.Operations {
		if op.Outcome != domain.RollbackSkipped {
			t.Errorf("Expected %s skipped, got %s", op.OperationID, op.Outcome)
		}
	}
	if len(rec.sequence()) != 0 {
		t.Errorf("Expected no undo invocations, got %v", rec.sequence())
	}
}

func TestExecutor_EmitsLifecycleEvents(t *testing.T) {
	sink := emitter.NewChanSink(16)
	rec := &undoRecorder{}
	p := NewPlan("tx-9", fastConfig())
	mustAdd(t, p, recordedOp("a", rec), recordedOp("b", rec, "a"))

	if _, err := NewExecutor(sink).Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var events []*domain.Event
	for len(sink.Events()) > 0 {
		events = append(events, <-sink.Events())
	}

	want := []domain.EventType{
		domain.EventRollbackStarted,
		domain.EventRollbackOpCompleted,
		domain.EventRollbackOpCompleted,
		domain.EventRollbackCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("Expected event %d to be %s, got %s", i, want[i], ev.Type)
		}
		if ev.TransactionID != "tx-9" {
			t.Errorf("Expected transaction id tx-9 on %s, got %q", ev.Type, ev.TransactionID)
		}
	}
	if got := events[len(events)-1].Payload["outcome"]; got != string(domain.RollbackSuccess) {
		t.Errorf("Expected success outcome in completion payload, got %v", got)
	}
}
