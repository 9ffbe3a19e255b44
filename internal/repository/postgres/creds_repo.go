package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// CredsRepo implements CredsRepository using PostgreSQL.
type CredsRepo struct{ db *DB }

// NewCredsRepo constructs a creds batch repository.
func NewCredsRepo(db *DB) *CredsRepo { return &CredsRepo{db: db} }

const credsColumns = `batch_id, trigger_id, trigger_kind, status, claim_id,
tokens_json, blinded_tokens_json, signed_tokens_json, batch_proof, public_key, created_at`

// GetBatch returns the unique batch for (trigger_id, trigger_kind).
func (r *CredsRepo) GetBatch(ctx context.Context, triggerID string, kind model.TriggerKind) (*model.CredsBatch, error) {
	const q = `
SELECT ` + credsColumns + `
FROM creds_batches WHERE trigger_id=$1 AND trigger_kind=$2`
	row := r.db.Pool.QueryRow(ctx, q, triggerID, string(kind))
	var b model.CredsBatch
	if err := row.Scan(&b.BatchID, &b.TriggerID, &b.TriggerKind, &b.Status, &b.ClaimID,
		&b.TokensJSON, &b.BlindedTokensJSON, &b.SignedTokensJSON, &b.BatchProof,
		&b.PublicKey, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// CreateBatch inserts a fresh batch in status none.
func (r *CredsRepo) CreateBatch(ctx context.Context, b *model.CredsBatch) error {
	const q = `
INSERT INTO creds_batches (` + credsColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())`
	_, err := r.db.Pool.Exec(ctx, q,
		b.BatchID, b.TriggerID, string(b.TriggerKind), string(b.Status), b.ClaimID,
		b.TokensJSON, b.BlindedTokensJSON, b.SignedTokensJSON, b.BatchProof, b.PublicKey)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// UpdateBatch persists the mutable lifecycle fields.
func (r *CredsRepo) UpdateBatch(ctx context.Context, b *model.CredsBatch) error {
	const q = `
UPDATE creds_batches
SET status=$2, claim_id=$3, tokens_json=$4, blinded_tokens_json=$5,
    signed_tokens_json=$6, batch_proof=$7, public_key=$8
WHERE batch_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		b.BatchID, string(b.Status), b.ClaimID, b.TokensJSON, b.BlindedTokensJSON,
		b.SignedTokensJSON, b.BatchProof, b.PublicKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateStatus moves just the batch status.
func (r *CredsRepo) UpdateStatus(ctx context.Context, batchID uuid.UUID, status model.CredsBatchStatus) error {
	const q = `UPDATE creds_batches SET status=$2 WHERE batch_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, batchID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListByStatus returns all batches in any of the given statuses, oldest first.
func (r *CredsRepo) ListByStatus(ctx context.Context, statuses ...model.CredsBatchStatus) ([]model.CredsBatch, error) {
	const q = `
SELECT ` + credsColumns + `
FROM creds_batches WHERE status = ANY($1) ORDER BY created_at ASC`
	ss := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ss = append(ss, string(st))
	}
	rows, err := r.db.Pool.Query(ctx, q, ss)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CredsBatch
	for rows.Next() {
		var b model.CredsBatch
		if err = rows.Scan(&b.BatchID, &b.TriggerID, &b.TriggerKind, &b.Status, &b.ClaimID,
			&b.TokensJSON, &b.BlindedTokensJSON, &b.SignedTokensJSON, &b.BatchProof,
			&b.PublicKey, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
