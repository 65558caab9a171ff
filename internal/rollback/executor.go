package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/metrics"
	"github.com/vietddude/txflow/internal/recovery"
)

// Executor runs rollback plans in dependency order. Each operation gets its
// primary undo with bounded retries, then the compensation binding if the
// operation allows it. A critical operation that cannot be undone or
// compensated aborts the rest of the plan; anything else is recorded and
// execution continues.
type Executor struct {
	sink emitter.Sink
}

// NewExecutor returns an executor publishing lifecycle events to sink.
func NewExecutor(sink emitter.Sink) *Executor {
	if sink == nil {
		sink = emitter.Nop{}
	}
	return &Executor{sink: sink}
}

// Execute runs the plan and returns the per-operation record. The error
// return covers plans that cannot be scheduled at all; operation failures
// land in the result, not the error.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*domain.RollbackExecutionResult, error) {
	order, err := plan.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	cfg := plan.Config()
	result := &domain.RollbackExecutionResult{
		PlanID:        plan.ID(),
		TransactionID: plan.TransactionID(),
		StartedAt:     time.Now().UTC(),
	}

	slog.Info("rollback started",
		"plan_id", plan.ID(),
		"transaction_id", plan.TransactionID(),
		"operations", len(order))
	e.emit(ctx, plan, domain.NewEvent(domain.EventRollbackStarted).
		With("plan_id", plan.ID()).
		With("operations", len(order)))

	abortReason := ""
	for _, id := range order {
		op := plan.Operation(id)

		var res domain.RollbackOperationResult
		switch {
		case abortReason != "":
			res = domain.RollbackOperationResult{
				OperationID: op.OperationID,
				Outcome:     domain.RollbackSkipped,
				Error:       abortReason,
			}
		case ctx.Err() != nil:
			result.Aborted = true
			abortReason = fmt.Sprintf("rollback cancelled: %v", ctx.Err())
			res = domain.RollbackOperationResult{
				OperationID: op.OperationID,
				Outcome:     domain.RollbackSkipped,
				Error:       abortReason,
			}
		default:
			res = e.runOperation(ctx, op, cfg)
			if res.Outcome == domain.RollbackFailed && op.Critical {
				result.Aborted = true
				abortReason = fmt.Sprintf("aborted after critical operation %s failed", op.OperationID)
				slog.Error("critical rollback operation failed, aborting plan",
					"plan_id", plan.ID(),
					"operation_id", op.OperationID,
					"error", res.Error)
			}
		}

		result.Operations = append(result.Operations, res)
		metrics.RollbackOperationsTotal.WithLabelValues(string(res.Outcome)).Inc()
		ev := domain.NewEvent(domain.EventRollbackOpCompleted).
			With("plan_id", plan.ID()).
			With("outcome", string(res.Outcome)).
			With("attempts", res.Attempts)
		ev.OperationID = op.OperationID
		e.emit(ctx, plan, ev)
	}

	result.Outcome = aggregate(result.Operations)
	result.Duration = time.Since(result.StartedAt)
	metrics.RollbacksTotal.WithLabelValues(string(result.Outcome)).Inc()

	if result.Succeeded() {
		slog.Info("rollback completed",
			"plan_id", plan.ID(),
			"outcome", string(result.Outcome),
			"duration", result.Duration)
	} else {
		slog.Error("rollback left transaction partially applied",
			"plan_id", plan.ID(),
			"outcome", string(result.Outcome),
			"aborted", result.Aborted,
			"duration", result.Duration)
	}
	e.emit(ctx, plan, domain.NewEvent(domain.EventRollbackCompleted).
		With("plan_id", plan.ID()).
		With("outcome", string(result.Outcome)).
		With("aborted", result.Aborted))

	return result, nil
}

func (e *Executor) runOperation(ctx context.Context, op *domain.RollbackOperation, cfg domain.RollbackConfig) (res domain.RollbackOperationResult) {
	res.OperationID = op.OperationID
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if op.Actions == nil || (op.Actions.Inverse == nil && op.Actions.Compensate == nil) {
		slog.Warn("rollback operation has no undo binding", "operation_id", op.OperationID)
		res.Outcome = domain.RollbackSkipped
		res.Error = "no undo binding"
		return res
	}

	if cfg.ValidateBeforeRollback && cfg.Validation != domain.ValidationNone && op.Actions.Validate != nil {
		if err := e.call(ctx, op.Actions.Validate, cfg.OperationTimeout); err != nil {
			res.Error = err.Error()
			if cfg.ContinueOnValidation {
				slog.Warn("rollback validation failed, skipping operation",
					"operation_id", op.OperationID, "error", err)
				res.Outcome = domain.RollbackSkipped
				return res
			}
			res.Outcome = domain.RollbackFailed
			return res
		}
	}

	// The inverse is the primary undo. Operations without one fall through
	// to their compensation directly.
	undo := op.Actions.Inverse
	compensating := false
	if undo == nil {
		undo = op.Actions.Compensate
		compensating = true
	}

	err := e.attempt(ctx, undo, cfg, &res.Attempts)
	if err == nil {
		if compensating {
			res.Outcome = domain.RollbackCompensationApplied
		} else {
			res.Outcome = domain.RollbackSuccess
		}
		return res
	}
	res.Error = err.Error()

	if !compensating && op.Compensatable && cfg.UseCompensation && op.Actions.Compensate != nil {
		slog.Warn("undo failed, applying compensation",
			"operation_id", op.OperationID, "error", err)
		if cerr := e.attempt(ctx, op.Actions.Compensate, cfg, &res.Attempts); cerr != nil {
			res.Error = fmt.Sprintf("%v; compensation failed: %v", err, cerr)
		} else {
			res.Outcome = domain.RollbackCompensationApplied
			return res
		}
	}

	res.Outcome = domain.RollbackFailed
	return res
}

// attempt invokes fn up to the policy's attempt budget with exponential
// backoff between tries, counting every invocation into *attempts.
func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error, cfg domain.RollbackConfig, attempts *int) error {
	budget := cfg.Retry.MaxAttempts
	if budget < 1 {
		budget = 1
	}
	var lastErr error
	for n := 1; n <= budget; n++ {
		if n > 1 {
			if err := sleep(ctx, recovery.DelayFor(cfg.Retry, n-1)); err != nil {
				return err
			}
		}
		*attempts++
		if err := e.call(ctx, fn, cfg.OperationTimeout); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (e *Executor) call(ctx context.Context, fn func(context.Context) error, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (e *Executor) emit(ctx context.Context, plan *Plan, ev *domain.Event) {
	ev.TransactionID = plan.TransactionID()
	e.sink.Emit(ctx, ev)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// aggregate folds per-operation outcomes into the plan outcome. A skipped
// operation was not undone, so skips and failures both downgrade the run.
func aggregate(ops []domain.RollbackOperationResult) domain.RollbackOutcome {
	if len(ops) == 0 {
		return domain.RollbackSuccess
	}
	var success, compensated, failed, skipped int
	for _, op := range ops {
		switch op.Outcome {
		case domain.RollbackSuccess:
			success++
		case domain.RollbackCompensationApplied:
			compensated++
		case domain.RollbackFailed:
			failed++
		default:
			skipped++
		}
	}
	switch {
	case failed > 0 && success+compensated == 0:
		return domain.RollbackFailed
	case failed > 0 || skipped > 0:
		return domain.RollbackPartialSuccess
	case compensated > 0:
		return domain.RollbackCompensationApplied
	default:
		return domain.RollbackSuccess
	}
}
