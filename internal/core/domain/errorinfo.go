package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory is the failure taxonomy every local error is classified into
// before a recovery strategy is chosen.
type ErrorCategory string

const (
	CategoryValidation  ErrorCategory = "validation"
	CategoryState       ErrorCategory = "state"
	CategoryResource    ErrorCategory = "resource"
	CategoryNetwork     ErrorCategory = "network"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryParticipant ErrorCategory = "participant"
	CategoryRollback    ErrorCategory = "rollback"
	CategoryCommit      ErrorCategory = "commit"
	CategoryPrepare     ErrorCategory = "prepare"
	CategoryDeadlock    ErrorCategory = "deadlock"
	CategoryConcurrency ErrorCategory = "concurrency"
	CategoryData        ErrorCategory = "data"
	CategorySystem      ErrorCategory = "system"
)

// ErrorSeverity grades how bad a classified error is.
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// RecommendedAction is the classifier's advice to the recovery executor.
type RecommendedAction string

const (
	ActionRetry        RecommendedAction = "retry"
	ActionFallback     RecommendedAction = "fallback"
	ActionDegrade      RecommendedAction = "degrade"
	ActionCircuitBreak RecommendedAction = "circuit_break"
	ActionCompensate   RecommendedAction = "compensate"
	ActionEscalate     RecommendedAction = "escalate"
	ActionAbort        RecommendedAction = "abort"
)

// TransactionErrorInfo is the classifier's verdict on one failure, consumed
// by the recovery executor and kept in the transaction's audit trail.
type TransactionErrorInfo struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id,omitempty"`
	OperationID   string            `json:"operation_id,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	Category      ErrorCategory     `json:"category"`
	Severity      ErrorSeverity     `json:"severity"`
	Action        RecommendedAction `json:"action"`
	Message       string            `json:"message,omitempty"`
	Retryable     bool              `json:"retryable"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	RelatedErrors []string          `json:"related_errors,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// ErrorPatterns flags systemic trouble detected across an error history.
type ErrorPatterns struct {
	Recurring         bool     `json:"recurring"`
	Cascading         bool     `json:"cascading"`
	DeadlockPotential bool     `json:"deadlock_potential"`
	HotOperations     []string `json:"hot_operations,omitempty"`
}

// TransactionError is a typed error that carries its own category, letting
// raisers pre-classify failures the classifier would otherwise have to guess
// from text.
type TransactionError struct {
	Category ErrorCategory
	Code     string
	Op       string
	Err      error
}

func (e *TransactionError) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Category, e.Code)
	}
}

func (e *TransactionError) Unwrap() error { return e.Err }

// NewTransactionError wraps err with an explicit category.
func NewTransactionError(category ErrorCategory, op string, err error) *TransactionError {
	return &TransactionError{Category: category, Op: op, Err: err}
}

// Sentinel errors shared across the engine.
var (
	// ErrInvalidState is returned when an operation is attempted against a
	// transaction that is not in the required state.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrInvalidStateTransition is returned when a state transition is not
	// permitted by the state machine.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCircularDependency is returned when a rollback plan's dependency
	// graph contains a cycle.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrCircuitOpen is returned when the circuit breaker refuses execution.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRecoveryExhausted is returned when the whole strategy chain failed.
	ErrRecoveryExhausted = errors.New("recovery strategies exhausted")

	// ErrRecoveryValidationFailed is returned when no checkpoint passes
	// validation during workflow recovery.
	ErrRecoveryValidationFailed = errors.New("recovery validation failed")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a uniquely-keyed entity already exists.
	ErrDuplicate = errors.New("already exists")
)
