package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/txflow/internal/checkpoint"
	"github.com/vietddude/txflow/internal/core/config"
	"github.com/vietddude/txflow/internal/infra/storage"
)

// Janitor sweeps expired data on a fixed interval: archived transactions
// past their retention and checkpoints past the checkpoint horizon.
type Janitor struct {
	cfg          config.JanitorConfig
	transactions storage.TransactionRepository
	checkpoints  checkpoint.Manager
}

// NewJanitor creates a new Janitor worker.
func NewJanitor(
	cfg config.JanitorConfig,
	transactions storage.TransactionRepository,
	checkpoints checkpoint.Manager,
) *Janitor {
	return &Janitor{
		cfg:          cfg,
		transactions: transactions,
		checkpoints:  checkpoints,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	if j.cfg.Interval <= 0 {
		return // Janitor disabled
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	// Initial sweep
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	if j.cfg.ArchiveRetention > 0 && j.transactions != nil {
		cutoff := time.Now().Add(-j.cfg.ArchiveRetention)
		pruned, err := j.transactions.PruneArchived(ctx, cutoff)
		if err != nil {
			slog.Error("failed to prune archived transactions", "error", err)
		} else if pruned > 0 {
			slog.Info("pruned archived transactions", "count", pruned)
		}
	}

	if j.checkpoints != nil {
		pruned, err := j.checkpoints.CleanupOld(ctx)
		if err != nil {
			slog.Error("failed to prune checkpoints", "error", err)
		} else if pruned > 0 {
			slog.Info("pruned checkpoints", "count", pruned)
		}
	}
}
