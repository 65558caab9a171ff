package domain

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// roundTrip marshals src, unmarshals into dst (a pointer of the same type),
// and compares. JSON document form must preserve every serializable field.
func roundTrip(t *testing.T, src, dst any) {
	t.Helper()

	data, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	got := reflect.ValueOf(dst).Elem().Interface()
	want := reflect.ValueOf(src).Elem().Interface()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got: %+v\nwant: %+v", got, want)
	}
}

func TestTransactionContext_RoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	src := &TransactionContext{
		ID:             "tx-1",
		Isolation:      IsolationSerializable,
		State:          TxStateActive,
		OperationOrder: []string{"op-a", "op-b"},
		Operations: map[string]*TransactionOperation{
			"op-a": {
				ID:            "op-a",
				Type:          OperationTypeInstall,
				ParticipantID: "plugin-core",
				Status:        OperationCompleted,
				Parameters:    map[string]any{"version": "1.2.0"},
			},
			"op-b": {
				ID:            "op-b",
				Type:          OperationTypeConfig,
				ParticipantID: "plugin-ui",
				DependsOn:     []string{"op-a"},
				Status:        OperationPending,
			},
		},
		Participants: []string{"plugin-core", "plugin-ui"},
		CreatedAt:    created,
		UpdatedAt:    created,
		Errors: []TransactionErrorInfo{
			{
				ID:         "err-1",
				Category:   CategoryTimeout,
				Severity:   SeverityWarning,
				Action:     ActionRetry,
				Retryable:  true,
				RetryCount: 1,
				MaxRetries: 3,
				OccurredAt: created,
			},
		},
	}

	roundTrip(t, src, &TransactionContext{})
}

func TestTransactionContext_RoundTrip_Empty(t *testing.T) {
	// Boundary case: zero durations, empty collections.
	src := &TransactionContext{
		ID:        "tx-empty",
		Isolation: IsolationReadCommitted,
		State:     TxStateCreated,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Optional fields must be omitted, not emitted as null.
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal to map failed: %v", err)
	}
	for _, field := range []string{"operations", "operation_order", "participants", "errors", "completed_at"} {
		if _, present := doc[field]; present {
			t.Errorf("empty field %q should be omitted from document", field)
		}
	}

	roundTrip(t, src, &TransactionContext{})
}

func TestRollbackEntities_RoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

	op := &RollbackOperation{
		ID:            "rb-1",
		OperationID:   "op-a",
		ParticipantID: "plugin-core",
		Priority:      10,
		Critical:      true,
		Compensatable: true,
		DependsOn:     []string{"rb-0"},
		Dependents:    []string{"rb-2"},
	}
	roundTrip(t, op, &RollbackOperation{})

	plan := &RollbackPlan{
		ID:            "plan-1",
		TransactionID: "tx-1",
		Config:        DefaultRollbackConfig(),
		Operations:    map[string]*RollbackOperation{"rb-1": op},
		CreatedAt:     now,
	}
	roundTrip(t, plan, &RollbackPlan{})

	result := &RollbackExecutionResult{
		PlanID:        "plan-1",
		TransactionID: "tx-1",
		Outcome:       RollbackPartialSuccess,
		Operations: []RollbackOperationResult{
			{OperationID: "rb-1", Outcome: RollbackSuccess, Attempts: 1, Duration: 120 * time.Millisecond},
			{OperationID: "rb-2", Outcome: RollbackCompensationApplied, Attempts: 2, Duration: 0},
		},
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	}
	roundTrip(t, result, &RollbackExecutionResult{})
}

func TestErrorRecoveryConfig_RoundTrip(t *testing.T) {
	src := &ErrorRecoveryConfig{
		Name:      "plugin-install",
		Primary:   StrategyRetry,
		Secondary: StrategyFallback,
		Tertiary:  StrategyDegrade,
		Retry: RetryPolicy{
			MaxAttempts:       4,
			InitialDelay:      time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterEnabled:     true,
			JitterFactor:      0.2,
		},
		Fallback: FallbackConfig{
			ParticipantID: "plugin-mirror",
			Operation:     "install",
			Parameters:    map[string]any{"mirror": "eu-west"},
			MergeResults:  true,
		},
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Degradation:    DegradationConfig{MinQuality: QualityMinimal, MaxSteps: 2},
		StrategyMap: map[ErrorCategory]RecoveryStrategy{
			CategoryTimeout: StrategyRetry,
			CategoryData:    StrategyAbort,
		},
		EscalateOnFailure: true,
		OperationTimeout:  30 * time.Second,
	}

	roundTrip(t, src, &ErrorRecoveryConfig{})
}

func TestWorkflowCheckpoint_RoundTrip(t *testing.T) {
	at := time.Date(2026, 7, 9, 8, 0, 0, 0, time.UTC)

	src := &WorkflowCheckpoint{
		ID:          "ckpt-1",
		ExecutionID: "exec-1",
		Context: &WorkflowExecutionContext{
			ExecutionID: "exec-1",
			WorkflowID:  "wf-install",
			State:       WorkflowRunning,
			CurrentStep: "step-2",
			StepOrder:   []string{"step-1", "step-2"},
			Steps: map[string]*StepState{
				"step-1": {StepID: "step-1", Status: StepCompleted, Attempts: 1, StartedAt: at, CompletedAt: at},
				"step-2": {StepID: "step-2", Status: StepRunning, Attempts: 2, StartedAt: at},
			},
			Variables:     map[string]any{"target": "plugin-core"},
			TransactionID: "tx-1",
			StartedAt:     at,
			UpdatedAt:     at,
		},
		Metadata:  map[string]string{"trigger": "timer"},
		CreatedAt: at,
	}

	roundTrip(t, src, &WorkflowCheckpoint{})
}

func TestWorkflowExecutionContext_Clone(t *testing.T) {
	src := &WorkflowExecutionContext{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		State:       WorkflowRunning,
		StepOrder:   []string{"a"},
		Steps: map[string]*StepState{
			"a": {StepID: "a", Status: StepRunning, Output: map[string]any{"n": "1"}},
		},
		Variables: map[string]any{"k": "v"},
	}

	clone := src.Clone()
	clone.Steps["a"].Status = StepCompleted
	clone.Steps["a"].Output["n"] = "2"
	clone.Variables["k"] = "changed"
	clone.StepOrder[0] = "b"

	if src.Steps["a"].Status != StepRunning {
		t.Error("clone mutation leaked into source step status")
	}
	if src.Steps["a"].Output["n"] != "1" {
		t.Error("clone mutation leaked into source step output")
	}
	if src.Variables["k"] != "v" {
		t.Error("clone mutation leaked into source variables")
	}
	if src.StepOrder[0] != "a" {
		t.Error("clone mutation leaked into source step order")
	}
}

func TestTransactionError_Unwrap(t *testing.T) {
	inner := ErrInvalidState
	wrapped := NewTransactionError(CategoryState, "prepare", inner)

	if wrapped.Category != CategoryState {
		t.Errorf("expected state category, got %s", wrapped.Category)
	}
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap should return the inner error")
	}
}
