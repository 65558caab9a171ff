package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage"
	"github.com/vietddude/txflow/internal/metrics"
)

// Operation is the unit of work the executor drives. Implementations honor
// the quality level when they support degradation and ignore it otherwise.
type Operation func(ctx context.Context, quality domain.QualityLevel) (any, error)

// FallbackInvoker executes a configured fallback target, typically an
// alternate participant or method.
type FallbackInvoker interface {
	InvokeFallback(ctx context.Context, cfg domain.FallbackConfig, params map[string]any) (any, error)
}

// FallbackFunc adapts a plain function to FallbackInvoker.
type FallbackFunc func(ctx context.Context, cfg domain.FallbackConfig, params map[string]any) (any, error)

func (f FallbackFunc) InvokeFallback(ctx context.Context, cfg domain.FallbackConfig, params map[string]any) (any, error) {
	return f(ctx, cfg, params)
}

// Request describes one guarded execution.
type Request struct {
	ExecutionID   string
	TransactionID string
	OperationID   string
	ParticipantID string
	Operation     Operation
	// Parameters is the operation's original input, used when a fallback
	// merges its result back in.
	Parameters map[string]any
	// Config overrides the registry lookup when set.
	Config *domain.ErrorRecoveryConfig
}

// Executor runs operations under a recovery strategy chain. The first
// invocation is plain execution; recovery engages on its failure, walking
// the chain until a strategy succeeds, a terminal strategy is hit, or the
// chain is exhausted.
type Executor struct {
	classifier *classify.Classifier
	configs    *ConfigRegistry
	breakers   *BreakerRegistry
	fallback   FallbackInvoker
	sink       emitter.Sink
	audit      storage.RecoveryRepository
}

// NewExecutor wires the recovery executor. fallback may be nil when no
// alternate targets exist.
func NewExecutor(
	classifier *classify.Classifier,
	configs *ConfigRegistry,
	breakers *BreakerRegistry,
	fallback FallbackInvoker,
	sink emitter.Sink,
) *Executor {
	if sink == nil {
		sink = emitter.Nop{}
	}
	return &Executor{
		classifier: classifier,
		configs:    configs,
		breakers:   breakers,
		fallback:   fallback,
		sink:       sink,
	}
}

// Breakers exposes the breaker registry for status queries.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// SetAudit wires the repository that keeps engaged recovery executions for
// operator forensics. Optional; plain successes are never recorded.
func (e *Executor) SetAudit(repo storage.RecoveryRepository) {
	e.audit = repo
}

// ExecuteWithRecovery runs req.Operation and, on failure, the strategy chain
// resolved from the operation's recovery config. The returned execution
// context carries every attempt for the audit trail, on failure as well as
// success.
func (e *Executor) ExecuteWithRecovery(ctx context.Context, req Request) (any, *domain.RecoveryExecutionContext, error) {
	cfg := e.resolveConfig(req)
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}

	rctx := &domain.RecoveryExecutionContext{
		ExecutionID: req.ExecutionID,
		OperationID: req.OperationID,
		StartedAt:   time.Now(),
	}

	if cfg.ChainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ChainTimeout)
		defer cancel()
	}

	breaker := e.breakers.For(req.OperationID, cfg.CircuitBreaker)
	quality := domain.QualityFull

	// Plain execution first. Recovery only engages on failure.
	var initialErr error
	if !breaker.CanExecute() {
		initialErr = fmt.Errorf("%s: %w", req.OperationID, domain.ErrCircuitOpen)
	} else {
		var result any
		result, initialErr = e.invoke(ctx, req.Operation, cfg.OperationTimeout, quality)
		if initialErr == nil {
			breaker.RecordSuccess()
			rctx.Succeeded = true
			rctx.Duration = time.Since(rctx.StartedAt)
			return result, rctx, nil
		}
		breaker.RecordFailure()
	}

	info := e.classifier.Describe(initialErr, e.classifyContext(req, cfg, 0))
	metrics.ErrorsClassified.WithLabelValues(string(info.Category), string(info.Severity)).Inc()

	chain := buildChain(cfg, SelectStrategy(cfg, info, initialErr))
	slog.Warn("recovery engaged",
		"operation_id", req.OperationID,
		"category", info.Category,
		"severity", info.Severity,
		"chain", chain,
		"error", initialErr,
	)
	e.sink.Emit(ctx, e.event(req, domain.EventRecoveryStarted).
		With("category", string(info.Category)).
		With("severity", string(info.Severity)).
		With("error", initialErr.Error()))

	cause := initialErr
	for _, strategy := range chain {
		if ctx.Err() != nil {
			cause = e.timeoutError(ctx, cause)
			break
		}

		result, err := e.runStrategy(ctx, strategy, req, cfg, breaker, rctx, cause, &quality)
		rctx.FinalOutcome = strategy
		if err == nil {
			rctx.Succeeded = true
			e.finish(ctx, req, rctx)
			return result, rctx, nil
		}
		cause = err
		if terminal(strategy) {
			break
		}
	}

	if cfg.EscalateOnFailure {
		rctx.Escalated = true
	}
	e.finish(ctx, req, rctx)
	return nil, rctx, fmt.Errorf("%w: %w", domain.ErrRecoveryExhausted, cause)
}

func (e *Executor) resolveConfig(req Request) domain.ErrorRecoveryConfig {
	if req.Config != nil {
		return *req.Config
	}
	if e.configs != nil {
		return e.configs.Resolve(req.OperationID)
	}
	return domain.DefaultRecoveryConfig()
}

// runStrategy executes one strategy of the chain against the failure in
// cause. A nil error means the operation has been recovered.
func (e *Executor) runStrategy(
	ctx context.Context,
	strategy domain.RecoveryStrategy,
	req Request,
	cfg domain.ErrorRecoveryConfig,
	breaker *CircuitBreaker,
	rctx *domain.RecoveryExecutionContext,
	cause error,
	quality *domain.QualityLevel,
) (any, error) {
	switch strategy {
	case domain.StrategyRetry:
		return e.runRetry(ctx, req, cfg, breaker, rctx, cause, *quality)

	case domain.StrategyFallback:
		return e.runFallback(ctx, req, cfg, rctx, cause)

	case domain.StrategyDegrade:
		return e.runDegrade(ctx, req, cfg, breaker, rctx, cause, quality)

	case domain.StrategyCircuitBreaker:
		// Trip the breaker so subsequent calls short-circuit, then hand the
		// failure to the next strategy in the chain.
		breaker.ForceOpen()
		e.record(ctx, req, rctx, strategy, "", time.Now(), cause)
		return nil, cause

	case domain.StrategyEscalate:
		rctx.Escalated = true
		e.record(ctx, req, rctx, strategy, "", time.Now(), cause)
		return nil, cause

	case domain.StrategyCompensate, domain.StrategyUserIntervention, domain.StrategyAbort:
		// Terminal for this execution; the coordinator reads FinalOutcome
		// and acts (rollback, operator alert, abort).
		e.record(ctx, req, rctx, strategy, "", time.Now(), cause)
		return nil, cause

	default:
		return nil, fmt.Errorf("%w: unknown recovery strategy %q", domain.ErrInvalidConfig, strategy)
	}
}

// runRetry re-invokes the operation under the backoff policy. It stops early
// on an open circuit, a non-retryable failure, or cancellation.
func (e *Executor) runRetry(
	ctx context.Context,
	req Request,
	cfg domain.ErrorRecoveryConfig,
	breaker *CircuitBreaker,
	rctx *domain.RecoveryExecutionContext,
	cause error,
	quality domain.QualityLevel,
) (any, error) {
	policy := cfg.Retry
	lastErr := cause

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := sleepFor(ctx, DelayFor(policy, attempt)); err != nil {
			return nil, e.timeoutError(ctx, lastErr)
		}

		if !breaker.CanExecute() {
			lastErr = fmt.Errorf("%s: %w", req.OperationID, domain.ErrCircuitOpen)
			e.record(ctx, req, rctx, domain.StrategyRetry, quality, time.Now(), lastErr)
			return nil, lastErr
		}

		start := time.Now()
		result, err := e.invoke(ctx, req.Operation, cfg.OperationTimeout, quality)
		e.record(ctx, req, rctx, domain.StrategyRetry, quality, start, err)
		if err == nil {
			breaker.RecordSuccess()
			return result, nil
		}
		breaker.RecordFailure()
		lastErr = err

		// No point rehearsing a failure that cannot change.
		if !classify.Retryable(e.classifier.Classify(err, e.classifyContext(req, cfg, attempt))) {
			break
		}
	}
	return nil, lastErr
}

// runFallback invokes the configured alternate target once.
func (e *Executor) runFallback(
	ctx context.Context,
	req Request,
	cfg domain.ErrorRecoveryConfig,
	rctx *domain.RecoveryExecutionContext,
	cause error,
) (any, error) {
	if e.fallback == nil || !cfg.Fallback.Configured() {
		return nil, fmt.Errorf("no fallback target for %s: %w", req.OperationID, cause)
	}

	fctx := ctx
	if cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, cfg.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.fallback.InvokeFallback(fctx, cfg.Fallback, req.Parameters)
	e.record(ctx, req, rctx, domain.StrategyFallback, "", start, err)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback.MergeResults {
		result = mergeResults(req.Parameters, result)
	}
	return result, nil
}

// runDegrade walks the quality ladder downward, re-invoking the operation at
// each level until the floor or the step budget is reached.
func (e *Executor) runDegrade(
	ctx context.Context,
	req Request,
	cfg domain.ErrorRecoveryConfig,
	breaker *CircuitBreaker,
	rctx *domain.RecoveryExecutionContext,
	cause error,
	quality *domain.QualityLevel,
) (any, error) {
	floor := cfg.Degradation.MinQuality
	if floor == "" {
		floor = domain.QualityEmergency
	}
	steps := cfg.Degradation.MaxSteps
	if steps <= 0 {
		steps = 3
	}

	lastErr := cause
	current := *quality
	for step := 0; step < steps; step++ {
		next := current.NextLower()
		if next == current || qualityRank(next) > qualityRank(floor) {
			break
		}
		current = next

		if !breaker.CanExecute() {
			lastErr = fmt.Errorf("%s: %w", req.OperationID, domain.ErrCircuitOpen)
			e.record(ctx, req, rctx, domain.StrategyDegrade, current, time.Now(), lastErr)
			return nil, lastErr
		}

		start := time.Now()
		result, err := e.invoke(ctx, req.Operation, cfg.OperationTimeout, current)
		e.record(ctx, req, rctx, domain.StrategyDegrade, current, start, err)
		if err == nil {
			breaker.RecordSuccess()
			*quality = current
			return result, nil
		}
		breaker.RecordFailure()
		lastErr = err
	}
	return nil, lastErr
}

// invoke runs the operation under the per-attempt timeout. A blown deadline
// comes back as a timeout-category error so it re-enters the classifier.
func (e *Executor) invoke(ctx context.Context, op Operation, timeout time.Duration, quality domain.QualityLevel) (any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := op(attemptCtx, quality)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewTransactionError(domain.CategoryTimeout, "execute", err)
	}
	return result, err
}

// record appends one attempt to the execution context and publishes it.
func (e *Executor) record(
	ctx context.Context,
	req Request,
	rctx *domain.RecoveryExecutionContext,
	strategy domain.RecoveryStrategy,
	quality domain.QualityLevel,
	start time.Time,
	err error,
) {
	attempt := domain.RecoveryAttemptResult{
		Attempt:   len(rctx.Attempts) + 1,
		Strategy:  strategy,
		Quality:   quality,
		Success:   err == nil,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	outcome := "success"
	if err != nil {
		attempt.Error = err.Error()
		outcome = "failure"
	}
	rctx.Attempts = append(rctx.Attempts, attempt)

	metrics.RecoveryAttempts.WithLabelValues(string(strategy), outcome).Inc()
	e.sink.Emit(ctx, e.event(req, domain.EventRecoveryAttemptCompleted).
		With("attempt", attempt.Attempt).
		With("strategy", string(strategy)).
		With("success", attempt.Success).
		With("error", attempt.Error))
}

// finish stamps the execution context and publishes the terminal event.
func (e *Executor) finish(ctx context.Context, req Request, rctx *domain.RecoveryExecutionContext) {
	rctx.Duration = time.Since(rctx.StartedAt)

	outcome := "failure"
	if rctx.Succeeded {
		outcome = "success"
		slog.Info("recovery succeeded",
			"operation_id", req.OperationID,
			"strategy", rctx.FinalOutcome,
			"attempts", len(rctx.Attempts),
		)
	} else {
		slog.Error("recovery exhausted",
			"operation_id", req.OperationID,
			"attempts", len(rctx.Attempts),
			"escalated", rctx.Escalated,
		)
	}

	metrics.RecoveryDuration.WithLabelValues(outcome).Observe(rctx.Duration.Seconds())
	e.sink.Emit(ctx, e.event(req, domain.EventRecoveryCompleted).
		With("succeeded", rctx.Succeeded).
		With("final_outcome", string(rctx.FinalOutcome)).
		With("escalated", rctx.Escalated).
		With("attempts", len(rctx.Attempts)))

	if e.audit != nil {
		if err := e.audit.SaveExecution(ctx, rctx); err != nil {
			slog.Warn("failed to persist recovery execution", "execution_id", rctx.ExecutionID, "error", err)
		}
	}
}

// event stamps an engine event with the request's coordinates.
func (e *Executor) event(req Request, t domain.EventType) *domain.Event {
	ev := domain.NewEvent(t)
	ev.TransactionID = req.TransactionID
	ev.ExecutionID = req.ExecutionID
	ev.OperationID = req.OperationID
	return ev
}

// timeoutError converts a cancelled or expired chain into a classified error.
func (e *Executor) timeoutError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewTransactionError(domain.CategoryTimeout, "recovery chain", cause)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("recovery cancelled: %w", cause)
	}
	return cause
}

func (e *Executor) classifyContext(req Request, cfg domain.ErrorRecoveryConfig, retryCount int) classify.Context {
	return classify.Context{
		TransactionID: req.TransactionID,
		OperationID:   req.OperationID,
		ParticipantID: req.ParticipantID,
		RetryCount:    retryCount,
		MaxRetries:    cfg.Retry.MaxAttempts,
	}
}

// mergeResults overlays a map-shaped fallback result onto the original
// parameters. Non-map results replace the input wholesale.
func mergeResults(params map[string]any, result any) any {
	resultMap, ok := result.(map[string]any)
	if !ok || params == nil {
		return result
	}
	merged := maps.Clone(params)
	maps.Copy(merged, resultMap)
	return merged
}

func qualityRank(q domain.QualityLevel) int {
	switch q {
	case domain.QualityFull:
		return 0
	case domain.QualityReduced:
		return 1
	case domain.QualityMinimal:
		return 2
	default:
		return 3
	}
}
