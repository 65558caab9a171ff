package domain

import (
	"errors"
	"fmt"
	"time"
)

// RecoveryStrategy enumerates how a failed operation may be recovered.
// Strategies are dispatched by value (switch), never stored as closures, so
// exhaustiveness is checkable.
type RecoveryStrategy string

const (
	StrategyRetry            RecoveryStrategy = "retry"
	StrategyFallback         RecoveryStrategy = "fallback"
	StrategyDegrade          RecoveryStrategy = "degrade"
	StrategyCompensate       RecoveryStrategy = "compensate"
	StrategyCircuitBreaker   RecoveryStrategy = "circuit_breaker"
	StrategyEscalate         RecoveryStrategy = "escalate"
	StrategyUserIntervention RecoveryStrategy = "user_intervention"
	StrategyAbort            RecoveryStrategy = "abort"
)

// QualityLevel is the degradation ladder for graceful degradation.
type QualityLevel string

const (
	QualityFull      QualityLevel = "full"
	QualityReduced   QualityLevel = "reduced"
	QualityMinimal   QualityLevel = "minimal"
	QualityEmergency QualityLevel = "emergency"
)

// NextLower returns the next step down the ladder, or QualityEmergency when
// already at the bottom.
func (q QualityLevel) NextLower() QualityLevel {
	switch q {
	case QualityFull:
		return QualityReduced
	case QualityReduced:
		return QualityMinimal
	default:
		return QualityEmergency
	}
}

// RetryPolicy controls bounded, jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterEnabled     bool          `json:"jitter_enabled,omitempty"`
	JitterFactor      float64       `json:"jitter_factor,omitempty"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
		JitterFactor:      0.1,
	}
}

// Validate rejects out-of-range knobs at registration time.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidConfig, p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("%w: initial_delay must be >= 0", ErrInvalidConfig)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: max_delay %v below initial_delay %v", ErrInvalidConfig, p.MaxDelay, p.InitialDelay)
	}
	if p.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1.0, got %v", ErrInvalidConfig, p.BackoffMultiplier)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("%w: jitter_factor must be within [0,1], got %v", ErrInvalidConfig, p.JitterFactor)
	}
	return nil
}

// FallbackConfig names an alternate participant/operation to invoke when the
// primary fails.
type FallbackConfig struct {
	ParticipantID string         `json:"participant_id,omitempty"`
	Operation     string         `json:"operation,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	// MergeResults merges the fallback result into the original input map
	// instead of replacing it.
	MergeResults bool `json:"merge_results,omitempty"`
}

// Configured reports whether a fallback target is actually set.
func (f FallbackConfig) Configured() bool {
	return f.ParticipantID != "" || f.Operation != ""
}

// DegradationConfig bounds how far quality may be reduced.
type DegradationConfig struct {
	MinQuality QualityLevel `json:"min_quality,omitempty"`
	MaxSteps   int          `json:"max_steps,omitempty"`
}

// CircuitBreakerConfig tunes the per-operation breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	// FailureRateThreshold opens the breaker once MinimumRequests have been
	// observed and the failure rate exceeds it (0 disables rate opening).
	FailureRateThreshold float64       `json:"failure_rate_threshold,omitempty"`
	MinimumRequests      int           `json:"minimum_requests,omitempty"`
	RecoveryTimeout      time.Duration `json:"recovery_timeout"`
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		MinimumRequests:      10,
		RecoveryTimeout:      30 * time.Second,
	}
}

// Validate rejects out-of-range breaker knobs.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be >= 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("%w: failure_rate_threshold must be within [0,1], got %v", ErrInvalidConfig, c.FailureRateThreshold)
	}
	if c.MinimumRequests < 0 {
		return fmt.Errorf("%w: minimum_requests must be >= 0", ErrInvalidConfig)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: recovery_timeout must be > 0", ErrInvalidConfig)
	}
	return nil
}

// ErrorRecoveryConfig is the full strategy chain for an operation. Strategy
// resolution order on failure: explicit category map, then classifier
// recommendation (when enabled), then Primary. Escalation runs strictly after
// the chain (primary, secondary, tertiary) is exhausted.
type ErrorRecoveryConfig struct {
	Name string `json:"name,omitempty"`

	Primary   RecoveryStrategy `json:"primary"`
	Secondary RecoveryStrategy `json:"secondary,omitempty"`
	Tertiary  RecoveryStrategy `json:"tertiary,omitempty"`

	Retry          RetryPolicy          `json:"retry"`
	Fallback       FallbackConfig       `json:"fallback,omitempty"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Degradation    DegradationConfig    `json:"degradation,omitempty"`

	// StrategyMap overrides the strategy per error category.
	StrategyMap map[ErrorCategory]RecoveryStrategy `json:"strategy_map,omitempty"`
	// UseClassifierRecommendation consults the classifier's recommended
	// action before falling back to Primary.
	UseClassifierRecommendation bool `json:"use_classifier_recommendation,omitempty"`
	// EscalateOnFailure emits an escalation after the whole chain exhausts.
	EscalateOnFailure bool `json:"escalate_on_failure,omitempty"`

	// OperationTimeout bounds a single attempt; ChainTimeout bounds the
	// whole recovery chain.
	OperationTimeout time.Duration `json:"operation_timeout,omitempty"`
	ChainTimeout     time.Duration `json:"chain_timeout,omitempty"`
}

// DefaultRecoveryConfig returns the chain used when no config is registered.
// Fallback is not part of it, a fallback needs a configured target.
func DefaultRecoveryConfig() ErrorRecoveryConfig {
	return ErrorRecoveryConfig{
		Primary:          StrategyRetry,
		Secondary:        StrategyDegrade,
		Retry:            DefaultRetryPolicy(),
		CircuitBreaker:   DefaultCircuitBreakerConfig(),
		Degradation:      DegradationConfig{MinQuality: QualityMinimal, MaxSteps: 2},
		OperationTimeout: 30 * time.Second,
	}
}

// Validate checks the whole config at registration time.
func (c ErrorRecoveryConfig) Validate() error {
	if c.Primary == "" {
		return fmt.Errorf("%w: primary strategy required", ErrInvalidConfig)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return err
	}
	if c.Degradation.MaxSteps < 0 {
		return fmt.Errorf("%w: degradation max_steps must be >= 0", ErrInvalidConfig)
	}
	for _, s := range []RecoveryStrategy{c.Primary, c.Secondary, c.Tertiary} {
		if s == StrategyFallback && !c.Fallback.Configured() {
			return fmt.Errorf("%w: fallback strategy configured without a fallback target", ErrInvalidConfig)
		}
	}
	return nil
}

// Chain returns the configured strategies in order, skipping empty slots.
func (c ErrorRecoveryConfig) Chain() []RecoveryStrategy {
	chain := make([]RecoveryStrategy, 0, 3)
	for _, s := range []RecoveryStrategy{c.Primary, c.Secondary, c.Tertiary} {
		if s != "" {
			chain = append(chain, s)
		}
	}
	return chain
}

// ErrInvalidConfig marks configuration rejected at registration time.
var ErrInvalidConfig = errors.New("invalid configuration")

// RecoveryAttemptResult records a single attempt inside a recovery execution.
type RecoveryAttemptResult struct {
	Attempt   int              `json:"attempt"`
	Strategy  RecoveryStrategy `json:"strategy"`
	Quality   QualityLevel     `json:"quality,omitempty"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Timestamp time.Time        `json:"timestamp"`
}

// RecoveryExecutionContext accumulates everything that happened while
// recovering one operation. It is part of the user-visible failure payload.
type RecoveryExecutionContext struct {
	ExecutionID  string                  `json:"execution_id"`
	OperationID  string                  `json:"operation_id"`
	Attempts     []RecoveryAttemptResult `json:"attempts,omitempty"`
	FinalOutcome RecoveryStrategy        `json:"final_outcome,omitempty"`
	Succeeded    bool                    `json:"succeeded"`
	Escalated    bool                    `json:"escalated,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	Duration     time.Duration           `json:"duration"`
}

// BreakerState is the circuit breaker state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of one breaker's counters.
type BreakerSnapshot struct {
	OperationID     string       `json:"operation_id"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	RequestCount    int          `json:"request_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitzero"`
}
