package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/metrics"
)

// Recover selects a checkpoint per the options, validates it, and returns a
// rehydrated execution context ready to resume from the last completed step.
// When the execution repository is wired, the recovered context is persisted
// before returning.
func (m *DefaultManager) Recover(
	ctx context.Context,
	executionID string,
	opts domain.RecoveryOptions,
) (*domain.WorkflowExecutionContext, error) {
	if opts.Strategy == "" {
		opts.Strategy = domain.RestoreFromLatest
	}

	var (
		restored *domain.WorkflowExecutionContext
		source   string
		err      error
	)
	switch opts.Strategy {
	case domain.RestartFromBeginning:
		restored, err = m.restart(ctx, executionID)
		source = "beginning"
	case domain.RestoreFromSpecific:
		restored, source, err = m.restoreSpecific(ctx, opts)
	case domain.RestoreFromLatest:
		restored, source, err = m.restoreScan(ctx, executionID, opts, func(*domain.WorkflowCheckpoint) bool { return true })
	case domain.RestoreFromBest:
		restored, source, err = m.restoreScan(ctx, executionID, opts, healthy)
	default:
		err = fmt.Errorf("unknown recovery strategy %q", opts.Strategy)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.WorkflowRecoveries.WithLabelValues(string(opts.Strategy), outcome).Inc()
	if err != nil {
		return nil, err
	}

	if m.executions != nil {
		if err := m.executions.SaveContext(ctx, restored); err != nil {
			slog.Warn("failed to persist recovered execution context",
				"execution_id", executionID, "error", err)
		}
	}

	slog.Info("workflow recovered",
		"execution_id", executionID,
		"strategy", opts.Strategy,
		"source", source)
	return restored, nil
}

// restoreScan walks the execution's checkpoints newest first and returns the
// first candidate that passes validation. Candidates beyond the first are
// only considered when fallthrough is enabled.
func (m *DefaultManager) restoreScan(
	ctx context.Context,
	executionID string,
	opts domain.RecoveryOptions,
	candidate func(*domain.WorkflowCheckpoint) bool,
) (*domain.WorkflowExecutionContext, string, error) {
	cps, err := m.repo.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var lastErr error
	seen := false
	for _, cp := range cps {
		if !candidate(cp) {
			continue
		}
		seen = true
		if err := m.ValidateForRecovery(cp, opts.ValidateCheckpoint); err != nil {
			lastErr = err
			slog.Warn("checkpoint failed validation", "checkpoint_id", cp.ID, "error", err)
			if opts.FallthroughOnInvalid {
				continue
			}
			return nil, "", fmt.Errorf("%w: checkpoint %s: %v", domain.ErrRecoveryValidationFailed, cp.ID, err)
		}
		return m.prepare(cp), cp.ID, nil
	}

	if !seen {
		return nil, "", fmt.Errorf("%w: no checkpoints for execution %s", domain.ErrNotFound, executionID)
	}
	return nil, "", fmt.Errorf("%w: no checkpoint for execution %s survived validation: %v",
		domain.ErrRecoveryValidationFailed, executionID, lastErr)
}

func (m *DefaultManager) restoreSpecific(
	ctx context.Context,
	opts domain.RecoveryOptions,
) (*domain.WorkflowExecutionContext, string, error) {
	if opts.CheckpointID == "" {
		return nil, "", errors.New("checkpoint id is required to restore from a specific checkpoint")
	}
	cp, err := m.repo.Get(ctx, opts.CheckpointID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := m.ValidateForRecovery(cp, opts.ValidateCheckpoint); err != nil {
		return nil, "", fmt.Errorf("%w: checkpoint %s: %v", domain.ErrRecoveryValidationFailed, cp.ID, err)
	}
	return m.prepare(cp), cp.ID, nil
}

// restart rebuilds a pending context from the latest checkpoint's shape: the
// step list survives, all progress is discarded.
func (m *DefaultManager) restart(ctx context.Context, executionID string) (*domain.WorkflowExecutionContext, error) {
	cp, err := m.repo.Latest(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if cp.Context == nil {
		return nil, fmt.Errorf("%w: checkpoint %s has no execution context",
			domain.ErrRecoveryValidationFailed, cp.ID)
	}

	fresh := cp.Context.Clone()
	fresh.State = domain.WorkflowCreated
	fresh.CurrentStep = ""
	fresh.Variables = nil
	for _, s := range fresh.Steps {
		s.Status = domain.StepPending
		s.Attempts = 0
		s.Output = nil
		s.Error = ""
		s.StartedAt = time.Time{}
		s.CompletedAt = time.Time{}
	}
	fresh.UpdatedAt = time.Now().UTC()
	return fresh, nil
}

// healthy reports whether a checkpoint recorded no failure at snapshot time.
func healthy(cp *domain.WorkflowCheckpoint) bool {
	if cp.Context == nil {
		return false
	}
	if cp.Context.State == domain.WorkflowFailed {
		return false
	}
	for _, s := range cp.Context.Steps {
		if s.Status == domain.StepFailed {
			return false
		}
	}
	return true
}

// ValidateForRecovery checks a checkpoint's structural integrity. When
// semantic is set it additionally requires every step reference to resolve.
func (m *DefaultManager) ValidateForRecovery(cp *domain.WorkflowCheckpoint, semantic bool) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if cp.ID == "" {
		return errors.New("checkpoint id is empty")
	}
	if cp.Context == nil {
		return errors.New("checkpoint has no execution context")
	}
	if cp.Context.ExecutionID == "" {
		return errors.New("embedded context has no execution id")
	}
	if cp.ExecutionID != cp.Context.ExecutionID {
		return fmt.Errorf("checkpoint execution id %s does not match embedded context %s",
			cp.ExecutionID, cp.Context.ExecutionID)
	}
	if !semantic {
		return nil
	}

	ectx := cp.Context
	for _, id := range ectx.StepOrder {
		if _, ok := ectx.Steps[id]; !ok {
			return fmt.Errorf("step order references unknown step %s", id)
		}
	}
	for id := range ectx.Steps {
		if !containsStep(ectx.StepOrder, id) {
			return fmt.Errorf("step %s is missing from the step order", id)
		}
	}
	if ectx.CurrentStep != "" {
		if _, ok := ectx.Steps[ectx.CurrentStep]; !ok {
			return fmt.Errorf("current step %s does not resolve", ectx.CurrentStep)
		}
	}
	return nil
}

// PrepareRecoveryContext rehydrates a checkpoint into a context that can
// continue from the last completed step. The checkpoint must pass structural
// validation.
func (m *DefaultManager) PrepareRecoveryContext(cp *domain.WorkflowCheckpoint) (*domain.WorkflowExecutionContext, error) {
	if err := m.ValidateForRecovery(cp, false); err != nil {
		return nil, err
	}
	return m.prepare(cp), nil
}

// prepare deep-copies the embedded context and resets steps caught mid-flight
// to pending; the resumed run must repeat them.
func (m *DefaultManager) prepare(cp *domain.WorkflowCheckpoint) *domain.WorkflowExecutionContext {
	ectx := cp.Context.Clone()
	for _, s := range ectx.Steps {
		if s.Status == domain.StepRunning {
			s.Status = domain.StepPending
			s.StartedAt = time.Time{}
		}
	}
	ectx.State = domain.WorkflowRunning
	ectx.CurrentStep = nextStep(ectx)
	ectx.UpdatedAt = time.Now().UTC()
	return ectx
}

// nextStep returns the first step in order that still needs to run.
func nextStep(ectx *domain.WorkflowExecutionContext) string {
	for _, id := range ectx.StepOrder {
		s, ok := ectx.Steps[id]
		if !ok {
			return id
		}
		if s.Status == domain.StepCompleted || s.Status == domain.StepSkipped {
			continue
		}
		return id
	}
	return ""
}

func containsStep(order []string, id string) bool {
	for _, s := range order {
		if s == id {
			return true
		}
	}
	return false
}
