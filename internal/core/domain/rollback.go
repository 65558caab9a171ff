package domain

import (
	"context"
	"time"
)

// OperationActions binds a TransactionOperation to executable code. Bindings
// are attached when the operation is added and never serialized. Inverse and
// Compensate must be idempotent: recovery may re-invoke them after a partial
// failure.
type OperationActions struct {
	// Forward performs the operation's effect at the given quality level.
	Forward func(ctx context.Context, q QualityLevel) (any, error)
	// Inverse literally undoes the effect (exact undo).
	Inverse func(ctx context.Context) error
	// Compensate semantically undoes the effect (forward-acting undo).
	Compensate func(ctx context.Context) error
	// Validate checks preconditions before undoing.
	Validate func(ctx context.Context) error
}

// RollbackStrategy selects how aggressively a plan compensates.
type RollbackStrategy string

const (
	RollbackStrategyImmediate RollbackStrategy = "immediate"
	RollbackStrategyGraceful  RollbackStrategy = "graceful"
	RollbackStrategyBatched   RollbackStrategy = "batched"
)

// RollbackScope limits which operations a plan covers.
type RollbackScope string

const (
	RollbackScopeFull    RollbackScope = "full"
	RollbackScopePartial RollbackScope = "partial"
)

// ValidationLevel controls pre-rollback validation strictness.
type ValidationLevel string

const (
	ValidationNone     ValidationLevel = "none"
	ValidationBasic    ValidationLevel = "basic"
	ValidationStrict   ValidationLevel = "strict"
	ValidationParanoid ValidationLevel = "paranoid"
)

// RollbackOperation is one compensation step, built from the executed
// operation log at failure time. Exactly one of the Inverse or Compensate
// bindings on Actions is used as the primary undo; Compensate doubles as the
// failure fallback when Compensatable is set.
type RollbackOperation struct {
	ID            string `json:"id"`
	OperationID   string `json:"operation_id"`
	ParticipantID string `json:"participant_id"`
	Description   string `json:"description,omitempty"`

	// Priority orders independent operations; higher runs earlier.
	Priority int `json:"priority"`
	// Critical aborts the remaining plan if this operation fails.
	Critical bool `json:"critical"`
	// Compensatable allows falling back to the compensation binding when
	// the primary undo fails.
	Compensatable bool `json:"compensatable"`

	DependsOn  []string `json:"depends_on,omitempty"`
	Dependents []string `json:"dependents,omitempty"`

	// Actions carries the undo bindings. Runtime only; rebound from the
	// operation arena when a plan is rebuilt.
	Actions *OperationActions `json:"-"`
}

// RollbackConfig tunes plan execution.
type RollbackConfig struct {
	Strategy               RollbackStrategy `json:"strategy"`
	Scope                  RollbackScope    `json:"scope"`
	Validation             ValidationLevel  `json:"validation"`
	ValidateBeforeRollback bool             `json:"validate_before_rollback"`
	ContinueOnValidation   bool             `json:"continue_on_validation_failure"`
	UseCompensation        bool             `json:"use_compensation_on_failure"`
	OperationTimeout       time.Duration    `json:"operation_timeout,omitempty"`
	Retry                  RetryPolicy      `json:"retry"`
}

// DefaultRollbackConfig returns the configuration used when a transaction
// aborts without an explicit override.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		Strategy:               RollbackStrategyImmediate,
		Scope:                  RollbackScopeFull,
		Validation:             ValidationBasic,
		ValidateBeforeRollback: true,
		ContinueOnValidation:   true,
		UseCompensation:        true,
		OperationTimeout:       30 * time.Second,
		Retry:                  DefaultRetryPolicy(),
	}
}

// RollbackPlan is a dependency-ordered set of rollback operations. The map is
// the arena; execution order is derived by topological sort over DependsOn
// and reversed so dependents are undone before their dependencies.
type RollbackPlan struct {
	ID            string                        `json:"id"`
	TransactionID string                        `json:"transaction_id,omitempty"`
	Config        RollbackConfig                `json:"config"`
	Operations    map[string]*RollbackOperation `json:"operations,omitempty"`
	CreatedAt     time.Time                     `json:"created_at"`
}

// RollbackOutcome records what happened to one operation during execution.
type RollbackOutcome string

const (
	RollbackSuccess             RollbackOutcome = "success"
	RollbackPartialSuccess      RollbackOutcome = "partial_success"
	RollbackFailed              RollbackOutcome = "failed"
	RollbackSkipped             RollbackOutcome = "skipped"
	RollbackCompensationApplied RollbackOutcome = "compensation_applied"
)

// RollbackOperationResult is the per-operation record inside an execution
// result.
type RollbackOperationResult struct {
	OperationID string          `json:"operation_id"`
	Outcome     RollbackOutcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Duration    time.Duration   `json:"duration"`
}

// RollbackExecutionResult aggregates a full plan run. Operators use it to
// distinguish "undone cleanly" from "left partially applied".
type RollbackExecutionResult struct {
	PlanID        string                    `json:"plan_id"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	Outcome       RollbackOutcome           `json:"outcome"`
	Operations    []RollbackOperationResult `json:"operations,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	Duration      time.Duration             `json:"duration"`
	Aborted       bool                      `json:"aborted,omitempty"`
}

// Succeeded reports whether every operation was undone or compensated.
func (r *RollbackExecutionResult) Succeeded() bool {
	return r.Outcome == RollbackSuccess || r.Outcome == RollbackCompensationApplied
}
