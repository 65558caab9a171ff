package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/txflow/internal/core/domain"
)

// UnitOfWork bundles persistence operations into a single database
// transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// InsertArchived copies a terminal transaction into the archive table.
func (u *UnitOfWork) InsertArchived(ctx context.Context, tx *domain.TransactionContext) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	query := `
		INSERT INTO archived_transactions (id, state, isolation_level, execution_id, doc, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`
	_, err = u.tx.ExecContext(ctx, query,
		tx.ID, string(tx.State), string(tx.Isolation), nullIfEmpty(tx.ExecutionID),
		doc, tx.CreatedAt, tx.UpdatedAt, nullIfZero(tx.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to archive transaction: %w", err)
	}
	return nil
}

// DeleteActive removes a transaction from the active table.
func (u *UnitOfWork) DeleteActive(ctx context.Context, id string) error {
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}
