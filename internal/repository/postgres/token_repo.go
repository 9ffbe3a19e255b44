package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs an unblinded token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

// InsertTokens persists a batch of freshly unblinded tokens atomically.
func (r *TokenRepo) InsertTokens(ctx context.Context, tokens []model.UnblindedToken) error {
	if len(tokens) == 0 {
		return nil
	}
	const ins = `
INSERT INTO unblinded_tokens (id, token_value, public_key, value, batch_id, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	return r.db.withTx(ctx, func(tx pgx.Tx) error {
		for i := range tokens {
			t := &tokens[i]
			if _, err := tx.Exec(ctx, ins, t.ID, t.TokenValue, t.PublicKey, t.Value, t.BatchID, t.ExpiresAt); err != nil {
				return fmt.Errorf("token[%d]: %w", i, err)
			}
		}
		return nil
	})
}

// SpendableBalance sums the value of unredeemed, unreserved, unexpired tokens.
func (r *TokenRepo) SpendableBalance(ctx context.Context, now time.Time) (float64, error) {
	const q = `
SELECT COALESCE(SUM(value),0) FROM unblinded_tokens
WHERE redeemed_at IS NULL AND reserved_by='' AND expires_at > $1`
	var v float64
	if err := r.db.Pool.QueryRow(ctx, q, now).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ReserveTokens marks up to n spendable tokens as reserved by the
// contribution. The FOR UPDATE SKIP LOCKED subselect makes concurrent
// reservations take disjoint rows; fewer than n updated rows rolls the
// transaction back and maps to ErrNotEnoughFunds.
func (r *TokenRepo) ReserveTokens(ctx context.Context, contributionID string, n int) ([]model.UnblindedToken, error) {
	existing, err := r.ListReserved(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	const upd = `
UPDATE unblinded_tokens SET reserved_by=$1
WHERE id IN (
  SELECT id FROM unblinded_tokens
  WHERE redeemed_at IS NULL AND reserved_by='' AND expires_at > now()
  ORDER BY expires_at ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING id, token_value, public_key, value, batch_id, expires_at`

	var out []model.UnblindedToken
	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, upd, contributionID, n)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t model.UnblindedToken
			if err = rows.Scan(&t.ID, &t.TokenValue, &t.PublicKey, &t.Value, &t.BatchID, &t.ExpiresAt); err != nil {
				return err
			}
			t.ReservedBy = contributionID
			out = append(out, t)
		}
		if err = rows.Err(); err != nil {
			return err
		}
		if len(out) < n {
			return errs.ErrNotEnoughFunds
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListReserved returns unredeemed tokens reserved by a contribution.
func (r *TokenRepo) ListReserved(ctx context.Context, contributionID string) ([]model.UnblindedToken, error) {
	const q = `
SELECT id, token_value, public_key, value, batch_id, expires_at
FROM unblinded_tokens
WHERE reserved_by=$1 AND redeemed_at IS NULL
ORDER BY expires_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, contributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UnblindedToken
	for rows.Next() {
		var t model.UnblindedToken
		if err = rows.Scan(&t.ID, &t.TokenValue, &t.PublicKey, &t.Value, &t.BatchID, &t.ExpiresAt); err != nil {
			return nil, err
		}
		t.ReservedBy = contributionID
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRedeemed records the spend time for the given tokens.
func (r *TokenRepo) MarkRedeemed(ctx context.Context, ids []uuid.UUID, redeemedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE unblinded_tokens SET redeemed_at=$2 WHERE id = ANY($1)`
	tag, err := r.db.Pool.Exec(ctx, q, ids, redeemedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("mark redeemed: %d of %d rows updated", tag.RowsAffected(), len(ids))
	}
	return nil
}

// ReleaseReservation frees a contribution's unredeemed reservations.
func (r *TokenRepo) ReleaseReservation(ctx context.Context, contributionID string) error {
	const q = `UPDATE unblinded_tokens SET reserved_by='' WHERE reserved_by=$1 AND redeemed_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, contributionID)
	return err
}

// DeleteByBatch removes all tokens minted from a batch.
func (r *TokenRepo) DeleteByBatch(ctx context.Context, batchID uuid.UUID) error {
	const q = `DELETE FROM unblinded_tokens WHERE batch_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, batchID)
	return err
}
