package repository

import (
	"context"
	"time"

	"github.com/and161185/token-ledger/internal/model"
)

// PromotionRepository stores issuer-announced promotions.
type PromotionRepository interface {
	// Get returns a promotion by id, or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Promotion, error)

	// Upsert inserts or replaces a promotion record.
	Upsert(ctx context.Context, p *model.Promotion) error

	// SetStatus moves the promotion status.
	SetStatus(ctx context.Context, id string, status model.PromotionStatus) error

	// SetClaimID records the claim id returned by the issuer.
	SetClaimID(ctx context.Context, id, claimID string) error

	// MarkExpired moves every active or attested promotion whose expiry has
	// passed to over, returning the number of promotions moved.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// FlagRepository stores engine-level boolean flags (e.g. the once-per-install
// corruption sweep marker).
type FlagRepository interface {
	// GetFlag returns the flag value; unset flags read as false.
	GetFlag(ctx context.Context, key string) (bool, error)

	// SetFlag sets the flag value.
	SetFlag(ctx context.Context, key string, value bool) error
}
