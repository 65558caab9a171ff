package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// TransactionRepo implements storage.TransactionRepository using PostgreSQL.
type TransactionRepo struct {
	db *DB
}

// NewTransactionRepo creates a new PostgreSQL transaction repository.
func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

type transactionRow struct {
	ID          string         `db:"id"`
	State       string         `db:"state"`
	Isolation   string         `db:"isolation_level"`
	ExecutionID sql.NullString `db:"execution_id"`
	Doc         []byte         `db:"doc"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r *transactionRow) toDomain() (*domain.TransactionContext, error) {
	var tx domain.TransactionContext
	if err := json.Unmarshal(r.Doc, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", r.ID, err)
	}
	return &tx, nil
}

// Save inserts or replaces a transaction context.
func (r *TransactionRepo) Save(ctx context.Context, tx *domain.TransactionContext) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	query := `
		INSERT INTO transactions (id, state, isolation_level, execution_id, doc, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			execution_id = EXCLUDED.execution_id,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`
	_, err = r.db.ExecContext(ctx, query,
		tx.ID, string(tx.State), string(tx.Isolation), nullIfEmpty(tx.ExecutionID),
		doc, tx.CreatedAt, tx.UpdatedAt, nullIfZero(tx.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// Get retrieves a transaction by id.
func (r *TransactionRepo) Get(ctx context.Context, id string) (*domain.TransactionContext, error) {
	query := `
		SELECT id, state, isolation_level, execution_id, doc, created_at, updated_at, completed_at
		FROM transactions
		WHERE id = $1
	`

	var row transactionRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return row.toDomain()
}

// ListActive retrieves every transaction not yet in a terminal state.
func (r *TransactionRepo) ListActive(ctx context.Context) ([]*domain.TransactionContext, error) {
	query := `
		SELECT id, state, isolation_level, execution_id, doc, created_at, updated_at, completed_at
		FROM transactions
		WHERE state NOT IN ('committed', 'aborted')
		ORDER BY created_at
	`

	var rows []transactionRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*domain.TransactionContext, 0, len(rows))
	for i := range rows {
		tx, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Archive moves a terminal transaction out of the active set. The copy and
// the delete land in one database transaction.
func (r *TransactionRepo) Archive(ctx context.Context, tx *domain.TransactionContext) error {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.InsertArchived(ctx, tx); err != nil {
		return err
	}
	if err := uow.DeleteActive(ctx, tx.ID); err != nil {
		return err
	}
	return uow.Commit()
}

// GetArchived retrieves an archived transaction by id.
func (r *TransactionRepo) GetArchived(ctx context.Context, id string) (*domain.TransactionContext, error) {
	query := `
		SELECT id, state, isolation_level, execution_id, doc, created_at, updated_at, completed_at
		FROM archived_transactions
		WHERE id = $1
	`

	var row transactionRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: archived transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived transaction: %w", err)
	}

	return row.toDomain()
}

// PruneArchived deletes archived transactions completed before the cutoff.
func (r *TransactionRepo) PruneArchived(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM archived_transactions WHERE coalesce(completed_at, updated_at) < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune archived transactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Delete removes a transaction from the active set.
func (r *TransactionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfZero(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
