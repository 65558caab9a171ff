package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
)

// flakyOp fails a configured number of times before succeeding, optionally
// only at or below a given quality level.
type flakyOp struct {
	mu          sync.Mutex
	failures    int
	err         error
	needQuality domain.QualityLevel
	calls       int
	lastQuality domain.QualityLevel
}

func (f *flakyOp) run(_ context.Context, quality domain.QualityLevel) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuality = quality

	if f.needQuality != "" {
		if quality == f.needQuality {
			return "degraded-ok", nil
		}
		return nil, f.err
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	return "ok", nil
}

type stubFallback struct {
	mu     sync.Mutex
	calls  int
	result any
	err    error
}

func (s *stubFallback) InvokeFallback(_ context.Context, _ domain.FallbackConfig, _ map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func newTestExecutor(t *testing.T, fallback FallbackInvoker) (*Executor, *emitter.ChanSink) {
	t.Helper()
	sink := emitter.NewChanSink(128)
	configs, err := NewConfigRegistry(domain.DefaultRecoveryConfig(), sink)
	if err != nil {
		t.Fatalf("Unexpected config registry error: %v", err)
	}
	breakers := NewBreakerRegistry(domain.DefaultCircuitBreakerConfig(), nil)
	return NewExecutor(classify.New(), configs, breakers, fallback, sink), sink
}

func fastRetryConfig() domain.ErrorRecoveryConfig {
	return domain.ErrorRecoveryConfig{
		Primary: domain.StrategyRetry,
		Retry: domain.RetryPolicy{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          4 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		CircuitBreaker: domain.CircuitBreakerConfig{
			FailureThreshold: 50,
			RecoveryTimeout:  time.Minute,
		},
	}
}

func TestExecuteWithRecovery_FirstTrySuccess(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{}
	cfg := fastRetryConfig()

	result, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got %v", result)
	}
	if !rctx.Succeeded {
		t.Error("Expected Succeeded")
	}
	if len(rctx.Attempts) != 0 {
		t.Errorf("First-try success should record no recovery attempts, got %d", len(rctx.Attempts))
	}
	if op.calls != 1 {
		t.Errorf("Expected a single invocation, got %d", op.calls)
	}
}

func TestExecuteWithRecovery_RetryRecovers(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{failures: 2, err: errors.New("connection refused")}
	cfg := fastRetryConfig()

	result, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got %v", result)
	}
	if rctx.FinalOutcome != domain.StrategyRetry {
		t.Errorf("Expected retry outcome, got %s", rctx.FinalOutcome)
	}
	// Initial call plus two retries; the two retries are recovery attempts.
	if op.calls != 3 {
		t.Errorf("Expected 3 invocations, got %d", op.calls)
	}
	if len(rctx.Attempts) != 2 {
		t.Fatalf("Expected 2 recorded attempts, got %d", len(rctx.Attempts))
	}
	if rctx.Attempts[0].Success || !rctx.Attempts[1].Success {
		t.Errorf("Expected fail-then-success attempts, got %+v", rctx.Attempts)
	}
}

func TestExecuteWithRecovery_FallbackAfterRetryExhausted(t *testing.T) {
	fb := &stubFallback{result: "fallback-result"}
	e, _ := newTestExecutor(t, fb)
	op := &flakyOp{failures: 100, err: errors.New("connection refused")}

	cfg := fastRetryConfig()
	cfg.Secondary = domain.StrategyFallback
	cfg.Fallback = domain.FallbackConfig{ParticipantID: "plugin-mirror", Operation: "install"}

	result, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != "fallback-result" {
		t.Errorf("Expected fallback result, got %v", result)
	}
	if rctx.FinalOutcome != domain.StrategyFallback {
		t.Errorf("Expected fallback outcome, got %s", rctx.FinalOutcome)
	}
	if fb.calls != 1 {
		t.Errorf("Expected one fallback invocation, got %d", fb.calls)
	}
	// 3 retry attempts plus the fallback.
	if len(rctx.Attempts) != 4 {
		t.Errorf("Expected 4 attempts, got %d", len(rctx.Attempts))
	}
}

func TestExecuteWithRecovery_FallbackMergesResults(t *testing.T) {
	fb := &stubFallback{result: map[string]any{"source": "mirror"}}
	e, _ := newTestExecutor(t, fb)
	op := &flakyOp{failures: 100, err: errors.New("connection refused")}

	cfg := fastRetryConfig()
	cfg.Primary = domain.StrategyFallback
	cfg.Fallback = domain.FallbackConfig{ParticipantID: "plugin-mirror", MergeResults: true}

	result, _, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Parameters:  map[string]any{"name": "core", "source": "primary"},
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	merged, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("Expected merged map, got %T", result)
	}
	if merged["name"] != "core" || merged["source"] != "mirror" {
		t.Errorf("Expected fallback result overlaid on input, got %v", merged)
	}
}

func TestExecuteWithRecovery_DegradeLadder(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{needQuality: domain.QualityMinimal, err: errors.New("resource exhausted")}

	cfg := fastRetryConfig()
	cfg.Primary = domain.StrategyDegrade
	cfg.Degradation = domain.DegradationConfig{MinQuality: domain.QualityMinimal, MaxSteps: 3}

	result, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != "degraded-ok" {
		t.Errorf("Expected degraded result, got %v", result)
	}
	if op.lastQuality != domain.QualityMinimal {
		t.Errorf("Expected operation to end at minimal quality, got %s", op.lastQuality)
	}
	// Reduced fails, minimal succeeds.
	if len(rctx.Attempts) != 2 {
		t.Fatalf("Expected 2 degrade attempts, got %d", len(rctx.Attempts))
	}
	if rctx.Attempts[0].Quality != domain.QualityReduced || rctx.Attempts[1].Quality != domain.QualityMinimal {
		t.Errorf("Expected reduced then minimal, got %+v", rctx.Attempts)
	}
}

func TestExecuteWithRecovery_DegradeRespectsFloor(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{needQuality: domain.QualityEmergency, err: errors.New("resource exhausted")}

	cfg := fastRetryConfig()
	cfg.Primary = domain.StrategyDegrade
	cfg.Degradation = domain.DegradationConfig{MinQuality: domain.QualityMinimal, MaxSteps: 5}

	_, _, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err == nil {
		t.Fatal("Expected failure when success needs quality below the floor")
	}
	if op.lastQuality == domain.QualityEmergency {
		t.Error("Degradation must not go below the configured floor")
	}
}

func TestExecuteWithRecovery_OpenCircuitShortCircuitsToFallback(t *testing.T) {
	fb := &stubFallback{result: "fallback-result"}
	e, _ := newTestExecutor(t, fb)
	op := &flakyOp{}

	cfg := fastRetryConfig()
	cfg.Secondary = domain.StrategyFallback
	cfg.Fallback = domain.FallbackConfig{ParticipantID: "plugin-mirror"}

	// Trip the breaker before the call.
	e.Breakers().For("op-1", cfg.CircuitBreaker).ForceOpen()

	result, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != "fallback-result" {
		t.Errorf("Expected fallback result, got %v", result)
	}
	if op.calls != 0 {
		t.Errorf("Open circuit must not invoke the operation, got %d calls", op.calls)
	}
	if rctx.FinalOutcome != domain.StrategyFallback {
		t.Errorf("Expected fallback outcome, got %s", rctx.FinalOutcome)
	}
}

func TestExecuteWithRecovery_NonRetryableStopsRetrying(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{
		failures: 100,
		err:      domain.NewTransactionError(domain.CategoryValidation, "validate", errors.New("bad manifest")),
	}
	cfg := fastRetryConfig()

	_, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if !errors.Is(err, domain.ErrRecoveryExhausted) {
		t.Errorf("Expected recovery-exhausted error, got %v", err)
	}
	// Initial call plus exactly one retry; validation failures do not repeat.
	if op.calls != 2 {
		t.Errorf("Expected 2 invocations, got %d", op.calls)
	}
	if rctx.Succeeded {
		t.Error("Expected failed recovery context")
	}
}

func TestExecuteWithRecovery_CategoryMapOverridesChain(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{
		failures: 100,
		err:      domain.NewTransactionError(domain.CategoryData, "verify", errors.New("checksum mismatch")),
	}

	cfg := fastRetryConfig()
	cfg.StrategyMap = map[domain.ErrorCategory]domain.RecoveryStrategy{
		domain.CategoryData: domain.StrategyAbort,
	}

	_, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if op.calls != 1 {
		t.Errorf("Abort must not re-invoke the operation, got %d calls", op.calls)
	}
	if rctx.FinalOutcome != domain.StrategyAbort {
		t.Errorf("Expected abort outcome, got %s", rctx.FinalOutcome)
	}
}

func TestExecuteWithRecovery_EscalatesAfterChainExhausts(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{failures: 100, err: errors.New("connection refused")}

	cfg := fastRetryConfig()
	cfg.EscalateOnFailure = true

	_, rctx, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if !rctx.Escalated {
		t.Error("Expected escalation after the chain exhausted")
	}
}

func TestExecuteWithRecovery_EmitsEvents(t *testing.T) {
	e, sink := newTestExecutor(t, nil)
	op := &flakyOp{failures: 1, err: errors.New("connection refused")}
	cfg := fastRetryConfig()

	_, _, err := e.ExecuteWithRecovery(context.Background(), Request{
		TransactionID: "tx-1",
		OperationID:   "op-1",
		Operation:     op.run,
		Config:        &cfg,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	counts := map[domain.EventType]int{}
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		counts[ev.Type]++
		if ev.TransactionID != "tx-1" || ev.OperationID != "op-1" {
			t.Errorf("Event missing coordinates: %+v", ev)
		}
	}
	if counts[domain.EventRecoveryStarted] != 1 {
		t.Errorf("Expected one recovery_started, got %d", counts[domain.EventRecoveryStarted])
	}
	if counts[domain.EventRecoveryAttemptCompleted] != 1 {
		t.Errorf("Expected one attempt event, got %d", counts[domain.EventRecoveryAttemptCompleted])
	}
	if counts[domain.EventRecoveryCompleted] != 1 {
		t.Errorf("Expected one recovery_completed, got %d", counts[domain.EventRecoveryCompleted])
	}
}

func TestExecuteWithRecovery_ChainTimeout(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	op := &flakyOp{failures: 100, err: errors.New("connection refused")}

	cfg := fastRetryConfig()
	cfg.Retry.InitialDelay = 40 * time.Millisecond
	cfg.Retry.MaxAttempts = 10
	cfg.ChainTimeout = 60 * time.Millisecond

	start := time.Now()
	_, _, err := e.ExecuteWithRecovery(context.Background(), Request{
		OperationID: "op-1",
		Operation:   op.run,
		Config:      &cfg,
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Chain timeout not enforced, took %v", elapsed)
	}
}
