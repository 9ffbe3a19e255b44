package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// PromotionRepo implements PromotionRepository using PostgreSQL.
// Public keys are stored as a JSONB array.
type PromotionRepo struct{ db *DB }

// NewPromotionRepo constructs a promotion repository.
func NewPromotionRepo(db *DB) *PromotionRepo { return &PromotionRepo{db: db} }

// Get returns a promotion by id.
func (r *PromotionRepo) Get(ctx context.Context, id string) (*model.Promotion, error) {
	const q = `
SELECT id, kind, status, suggestions, approximate_value, expires_at, claim_id, public_keys
FROM promotions WHERE id=$1`
	var p model.Promotion
	err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&p.ID, &p.Kind, &p.Status, &p.Suggestions, &p.ApproximateValue, &p.ExpiresAt, &p.ClaimID, &p.PublicKeys)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Upsert inserts or replaces a promotion record.
func (r *PromotionRepo) Upsert(ctx context.Context, p *model.Promotion) error {
	const q = `
INSERT INTO promotions (id, kind, status, suggestions, approximate_value, expires_at, claim_id, public_keys)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE
SET kind=EXCLUDED.kind, status=EXCLUDED.status, suggestions=EXCLUDED.suggestions,
    approximate_value=EXCLUDED.approximate_value, expires_at=EXCLUDED.expires_at,
    claim_id=EXCLUDED.claim_id, public_keys=EXCLUDED.public_keys`
	_, err := r.db.Pool.Exec(ctx, q,
		p.ID, p.Kind, string(p.Status), p.Suggestions, p.ApproximateValue, p.ExpiresAt, p.ClaimID, p.PublicKeys)
	return err
}

// SetStatus moves the promotion status.
func (r *PromotionRepo) SetStatus(ctx context.Context, id string, status model.PromotionStatus) error {
	const q = `UPDATE promotions SET status=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetClaimID records the claim id returned by the issuer.
func (r *PromotionRepo) SetClaimID(ctx context.Context, id, claimID string) error {
	const q = `UPDATE promotions SET claim_id=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, claimID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkExpired moves stale active and attested promotions to over.
func (r *PromotionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE promotions SET status='over' WHERE status IN ('active','attested') AND expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FlagRepo implements FlagRepository over a simple key/value table.
type FlagRepo struct{ db *DB }

// NewFlagRepo constructs an engine flag repository.
func NewFlagRepo(db *DB) *FlagRepo { return &FlagRepo{db: db} }

// GetFlag returns the flag value; unset flags read as false.
func (r *FlagRepo) GetFlag(ctx context.Context, key string) (bool, error) {
	const q = `SELECT value FROM engine_flags WHERE key=$1`
	var v bool
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return v, nil
}

// SetFlag sets the flag value.
func (r *FlagRepo) SetFlag(ctx context.Context, key string, value bool) error {
	const q = `
INSERT INTO engine_flags (key, value) VALUES ($1,$2)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`
	_, err := r.db.Pool.Exec(ctx, q, key, value)
	return err
}
