package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// ContributionRepo implements ContributionRepository using PostgreSQL.
type ContributionRepo struct{ db *DB }

// NewContributionRepo constructs a contribution repository.
func NewContributionRepo(db *DB) *ContributionRepo { return &ContributionRepo{db: db} }

// Create inserts the contribution and its publishers in one transaction.
func (r *ContributionRepo) Create(ctx context.Context, c *model.Contribution) error {
	const insC = `
INSERT INTO contributions (id, amount, kind, step, retry_count, processor, created_at)
VALUES ($1,$2,$3,$4,$5,$6,now())`
	const insP = `
INSERT INTO contribution_publishers (contribution_id, publisher_key, total_amount, contributed_amount)
VALUES ($1,$2,$3,$4)`
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insC,
			c.ID, c.Amount, string(c.Kind), string(c.Step), c.RetryCount, string(c.Processor)); err != nil {
			return err
		}
		for i := range c.Publishers {
			p := &c.Publishers[i]
			if _, err := tx.Exec(ctx, insP, c.ID, p.PublisherKey, p.TotalAmount, p.ContributedAmount); err != nil {
				return fmt.Errorf("publisher[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns a contribution with its publishers.
func (r *ContributionRepo) Get(ctx context.Context, id string) (*model.Contribution, error) {
	const qc = `
SELECT id, amount, kind, step, retry_count, processor, created_at
FROM contributions WHERE id=$1`
	var c model.Contribution
	row := r.db.Pool.QueryRow(ctx, qc, id)
	if err := row.Scan(&c.ID, &c.Amount, &c.Kind, &c.Step, &c.RetryCount, &c.Processor, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	const qp = `
SELECT contribution_id, publisher_key, total_amount, contributed_amount
FROM contribution_publishers WHERE contribution_id=$1 ORDER BY publisher_key ASC`
	rows, err := r.db.Pool.Query(ctx, qp, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p model.ContributionPublisher
		if err = rows.Scan(&p.ContributionID, &p.PublisherKey, &p.TotalAmount, &p.ContributedAmount); err != nil {
			return nil, err
		}
		c.Publishers = append(c.Publishers, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetStep advances the step and resets retry_count.
func (r *ContributionRepo) SetStep(ctx context.Context, id string, step model.ContributionStep) error {
	const q = `UPDATE contributions SET step=$2, retry_count=0 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(step))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (r *ContributionRepo) IncrementRetry(ctx context.Context, id string) (int32, error) {
	const q = `UPDATE contributions SET retry_count=retry_count+1 WHERE id=$1 RETURNING retry_count`
	var n int32
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

// SavePublishers replaces the publisher partition for a contribution.
func (r *ContributionRepo) SavePublishers(ctx context.Context, id string, pubs []model.ContributionPublisher) error {
	const del = `DELETE FROM contribution_publishers WHERE contribution_id=$1`
	const ins = `
INSERT INTO contribution_publishers (contribution_id, publisher_key, total_amount, contributed_amount)
VALUES ($1,$2,$3,$4)`
	return r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, del, id); err != nil {
			return err
		}
		for i := range pubs {
			p := &pubs[i]
			if _, err := tx.Exec(ctx, ins, id, p.PublisherKey, p.TotalAmount, p.ContributedAmount); err != nil {
				return fmt.Errorf("publisher[%d]: %w", i, err)
			}
		}
		return nil
	})
}

// SetPublisherContributed records a completed publisher redemption.
func (r *ContributionRepo) SetPublisherContributed(ctx context.Context, id, publisherKey string, amount float64) error {
	const q = `
UPDATE contribution_publishers SET contributed_amount=$3
WHERE contribution_id=$1 AND publisher_key=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, publisherKey, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListResumable returns ids of contributions in a non-terminal step.
func (r *ContributionRepo) ListResumable(ctx context.Context) ([]string, error) {
	const q = `
SELECT id FROM contributions
WHERE step IN ('start','external-transaction','prepare','reserve','creds')
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
