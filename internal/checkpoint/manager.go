package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage"
	"github.com/vietddude/txflow/internal/metrics"
)

// SnapshotFunc returns the execution context to checkpoint. Automatic
// checkpointing calls it on every tick; returning nil skips the tick.
type SnapshotFunc func(ctx context.Context) (*domain.WorkflowExecutionContext, error)

// Config tunes checkpoint creation and retention.
type Config struct {
	// Interval between automatic checkpoints.
	Interval time.Duration `yaml:"interval"`
	// MaxPerWorkflow caps stored checkpoints per execution; the oldest
	// excess is evicted after every create. Zero disables the cap.
	MaxPerWorkflow int `yaml:"max_per_workflow"`
	// MaxAge is the retention horizon for CleanupOld. Zero disables.
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultConfig returns the standard checkpoint policy.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		MaxPerWorkflow: 10,
		MaxAge:         24 * time.Hour,
	}
}

// Manager creates, retains and restores workflow checkpoints.
type Manager interface {
	// Create snapshots the execution context and persists it.
	Create(ctx context.Context, ectx *domain.WorkflowExecutionContext, metadata map[string]string) (*domain.WorkflowCheckpoint, error)

	// Get returns a checkpoint by id.
	Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error)

	// List returns an execution's checkpoints, newest first.
	List(ctx context.Context, executionID string) ([]*domain.WorkflowCheckpoint, error)

	// Delete removes a single checkpoint.
	Delete(ctx context.Context, id string) error

	// StartAutomatic checkpoints the execution every Interval until the
	// given context is cancelled or StopAutomatic is called.
	StartAutomatic(ctx context.Context, executionID string, snapshot SnapshotFunc) error

	// StopAutomatic stops automatic checkpointing for an execution.
	StopAutomatic(executionID string)

	// CleanupOld deletes checkpoints older than the retention horizon.
	CleanupOld(ctx context.Context) (int, error)

	// Recover selects and validates a checkpoint per the options and
	// returns a rehydrated context ready to resume.
	Recover(ctx context.Context, executionID string, opts domain.RecoveryOptions) (*domain.WorkflowExecutionContext, error)

	// ValidateForRecovery checks a checkpoint's structural integrity and,
	// when semantic is set, that its step references resolve.
	ValidateForRecovery(cp *domain.WorkflowCheckpoint, semantic bool) error

	// PrepareRecoveryContext rehydrates a validated checkpoint into a
	// context that can continue from the last completed step.
	PrepareRecoveryContext(cp *domain.WorkflowCheckpoint) (*domain.WorkflowExecutionContext, error)
}

// DefaultManager implements Manager on a checkpoint repository.
type DefaultManager struct {
	cfg        Config
	repo       storage.CheckpointRepository
	executions storage.ExecutionRepository
	sink       emitter.Sink

	mu     sync.RWMutex
	timers map[string]context.CancelFunc
}

// Create snapshots the execution context and persists it. The context is
// deep-copied so later mutation cannot leak into the stored snapshot.
func (m *DefaultManager) Create(
	ctx context.Context,
	ectx *domain.WorkflowExecutionContext,
	metadata map[string]string,
) (*domain.WorkflowCheckpoint, error) {
	if ectx == nil {
		return nil, errors.New("execution context is nil")
	}
	if ectx.ExecutionID == "" {
		return nil, errors.New("execution id is empty")
	}

	cp := &domain.WorkflowCheckpoint{
		ID:          uuid.New().String(),
		ExecutionID: ectx.ExecutionID,
		Context:     ectx.Clone(),
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.repo.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	metrics.CheckpointsCreated.Inc()

	if m.cfg.MaxPerWorkflow > 0 {
		pruned, err := m.repo.Prune(ctx, ectx.ExecutionID, m.cfg.MaxPerWorkflow)
		if err != nil {
			slog.Warn("checkpoint pruning failed", "execution_id", ectx.ExecutionID, "error", err)
		} else if pruned > 0 {
			metrics.CheckpointsPruned.Add(float64(pruned))
		}
	}

	ev := domain.NewEvent(domain.EventCheckpointCreated)
	ev.ExecutionID = ectx.ExecutionID
	ev.With("checkpoint_id", cp.ID)
	m.sink.Emit(ctx, ev)

	slog.Debug("checkpoint created", "execution_id", ectx.ExecutionID, "checkpoint_id", cp.ID)
	return cp, nil
}

// Get returns a checkpoint by id.
func (m *DefaultManager) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	return m.repo.Get(ctx, id)
}

// List returns an execution's checkpoints, newest first.
func (m *DefaultManager) List(ctx context.Context, executionID string) ([]*domain.WorkflowCheckpoint, error) {
	return m.repo.ListByExecution(ctx, executionID)
}

// Delete removes a single checkpoint.
func (m *DefaultManager) Delete(ctx context.Context, id string) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// StartAutomatic arms a periodic checkpoint timer for an execution. A second
// call for the same execution fails until the first is stopped.
func (m *DefaultManager) StartAutomatic(ctx context.Context, executionID string, snapshot SnapshotFunc) error {
	if executionID == "" {
		return errors.New("execution id is empty")
	}
	if snapshot == nil {
		return errors.New("snapshot func is nil")
	}

	m.mu.Lock()
	if _, ok := m.timers[executionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: automatic checkpointing for %s", domain.ErrDuplicate, executionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.timers[executionID] = cancel
	m.mu.Unlock()

	go m.run(runCtx, executionID, snapshot)
	return nil
}

// StopAutomatic stops automatic checkpointing for an execution. Stopping an
// execution that has no timer is a no-op.
func (m *DefaultManager) StopAutomatic(executionID string) {
	m.mu.Lock()
	cancel, ok := m.timers[executionID]
	delete(m.timers, executionID)
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

func (m *DefaultManager) run(ctx context.Context, executionID string, snapshot SnapshotFunc) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			delete(m.timers, executionID)
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.tick(ctx, executionID, snapshot)
		}
	}
}

func (m *DefaultManager) tick(ctx context.Context, executionID string, snapshot SnapshotFunc) {
	ectx, err := snapshot(ctx)
	if err != nil {
		slog.Warn("checkpoint snapshot failed", "execution_id", executionID, "error", err)
		return
	}
	if ectx == nil {
		return
	}
	if _, err := m.Create(ctx, ectx, map[string]string{"source": "automatic"}); err != nil {
		slog.Warn("automatic checkpoint failed", "execution_id", executionID, "error", err)
	}
}

// CleanupOld deletes checkpoints older than the retention horizon across all
// executions.
func (m *DefaultManager) CleanupOld(ctx context.Context) (int, error) {
	if m.cfg.MaxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-m.cfg.MaxAge)
	pruned, err := m.repo.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old checkpoints: %w", err)
	}
	if pruned > 0 {
		metrics.CheckpointsPruned.Add(float64(pruned))
		slog.Info("pruned old checkpoints", "count", pruned)
	}
	return pruned, nil
}
