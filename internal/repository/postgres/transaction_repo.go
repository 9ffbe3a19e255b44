package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// ExternalTransactionRepo implements ExternalTransactionRepository using PostgreSQL.
type ExternalTransactionRepo struct{ db *DB }

// NewExternalTransactionRepo constructs an external transaction repository.
func NewExternalTransactionRepo(db *DB) *ExternalTransactionRepo {
	return &ExternalTransactionRepo{db: db}
}

// Get returns the idempotency record for (contribution_id, destination).
func (r *ExternalTransactionRepo) Get(ctx context.Context, contributionID, destination string) (*model.ExternalTransaction, error) {
	const q = `
SELECT transaction_id, contribution_id, destination, amount, completed_at
FROM external_transactions WHERE contribution_id=$1 AND destination=$2`
	var (
		t  model.ExternalTransaction
		at *time.Time
	)
	err := r.db.Pool.QueryRow(ctx, q, contributionID, destination).
		Scan(&t.TransactionID, &t.ContributionID, &t.Destination, &t.Amount, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if at != nil {
		t.CompletedAt = *at
	}
	return &t, nil
}

// Create inserts a new record before any commit is attempted.
func (r *ExternalTransactionRepo) Create(ctx context.Context, t *model.ExternalTransaction) error {
	const q = `
INSERT INTO external_transactions (transaction_id, contribution_id, destination, amount)
VALUES ($1,$2,$3,$4)`
	_, err := r.db.Pool.Exec(ctx, q, t.TransactionID, t.ContributionID, t.Destination, t.Amount)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// MarkCompleted stamps the completion time on the record.
func (r *ExternalTransactionRepo) MarkCompleted(ctx context.Context, contributionID, destination string, at time.Time) error {
	const q = `
UPDATE external_transactions SET completed_at=$3
WHERE contribution_id=$1 AND destination=$2`
	tag, err := r.db.Pool.Exec(ctx, q, contributionID, destination, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
