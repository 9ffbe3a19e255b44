package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-ledger/internal/model"
)

// TokenRepository stores spendable unblinded tokens and owns the reservation
// protocol that keeps two contributions from double-spending.
type TokenRepository interface {
	// InsertTokens persists a batch of freshly unblinded tokens atomically.
	InsertTokens(ctx context.Context, tokens []model.UnblindedToken) error

	// SpendableBalance sums the value of unredeemed, unreserved, unexpired
	// tokens as of now.
	SpendableBalance(ctx context.Context, now time.Time) (float64, error)

	// ReserveTokens atomically marks up to n spendable tokens (oldest
	// expiry first) as reserved by the contribution and returns them.
	// If fewer than n are free the reservation rolls back and
	// errs.ErrNotEnoughFunds is returned. Re-reserving for a contribution
	// that already holds reservations returns the existing set.
	ReserveTokens(ctx context.Context, contributionID string, n int) ([]model.UnblindedToken, error)

	// ListReserved returns the tokens currently reserved by a contribution,
	// redeemed ones excluded.
	ListReserved(ctx context.Context, contributionID string) ([]model.UnblindedToken, error)

	// MarkRedeemed records the spend time for the given reserved tokens.
	MarkRedeemed(ctx context.Context, ids []uuid.UUID, redeemedAt time.Time) error

	// ReleaseReservation frees a contribution's unredeemed reservations,
	// used when a contribution reaches a terminal failure state.
	ReleaseReservation(ctx context.Context, contributionID string) error

	// DeleteByBatch removes all tokens minted from a batch; used when the
	// corruption sweep invalidates a batch after tokens were stored.
	DeleteByBatch(ctx context.Context, batchID uuid.UUID) error
}
