package repository

import (
	"context"
	"time"

	"github.com/and161185/token-ledger/internal/model"
)

// ExternalTransactionRepository stores the idempotency records for custodial
// transfers, keyed on (contribution_id, destination).
type ExternalTransactionRepository interface {
	// Get returns the record for the pair, or errs.ErrNotFound.
	Get(ctx context.Context, contributionID, destination string) (*model.ExternalTransaction, error)

	// Create inserts a new record; errs.ErrAlreadyExists if the pair is
	// taken. Callers persist the record before any commit network call.
	Create(ctx context.Context, tx *model.ExternalTransaction) error

	// MarkCompleted stamps the completion time so later steps can find the
	// settled external id without re-deriving it.
	MarkCompleted(ctx context.Context, contributionID, destination string, at time.Time) error
}
