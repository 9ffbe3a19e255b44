package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// OrderRepo implements OrderRepository using PostgreSQL.
type OrderRepo struct{ db *DB }

// NewOrderRepo constructs an SKU order repository.
func NewOrderRepo(db *DB) *OrderRepo { return &OrderRepo{db: db} }

// CreateOrder inserts an order and its items in one transaction.
func (r *OrderRepo) CreateOrder(ctx context.Context, o *model.SKUOrder) error {
	const insO = `
INSERT INTO sku_orders (id, total_price, status, location, created_at)
VALUES ($1,$2,$3,$4,now())`
	const insI = `
INSERT INTO sku_order_items (id, order_id, sku, quantity, price, total)
VALUES ($1,$2,$3,$4,$5,$6)`
	return r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insO, o.ID, o.TotalPrice, string(o.Status), o.Location); err != nil {
			return err
		}
		for i := range o.Items {
			it := &o.Items[i]
			if _, err := tx.Exec(ctx, insI, it.ID, o.ID, it.SKU, it.Quantity, it.Price, it.Total); err != nil {
				return fmt.Errorf("item[%d]: %w", i, err)
			}
		}
		return nil
	})
}

// GetOrder returns an order with its items.
func (r *OrderRepo) GetOrder(ctx context.Context, id uuid.UUID) (*model.SKUOrder, error) {
	const qo = `
SELECT id, total_price, status, location, created_at FROM sku_orders WHERE id=$1`
	var o model.SKUOrder
	if err := r.db.Pool.QueryRow(ctx, qo, id).Scan(&o.ID, &o.TotalPrice, &o.Status, &o.Location, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	const qi = `
SELECT id, order_id, sku, quantity, price, total FROM sku_order_items WHERE order_id=$1 ORDER BY sku ASC`
	rows, err := r.db.Pool.Query(ctx, qi, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.SKUOrderItem
		if err = rows.Scan(&it.ID, &it.OrderID, &it.SKU, &it.Quantity, &it.Price, &it.Total); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// SetOrderStatus moves the order status.
func (r *OrderRepo) SetOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) error {
	const q = `UPDATE sku_orders SET status=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CreateTransaction inserts a payment transaction for an order.
func (r *OrderRepo) CreateTransaction(ctx context.Context, t *model.SKUTransaction) error {
	const q = `
INSERT INTO sku_transactions (id, order_id, destination, external_id, status, amount)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.db.Pool.Exec(ctx, q, t.ID, t.OrderID, t.Destination, t.ExternalID, string(t.Status), t.Amount)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetTransaction returns the transaction for (order, destination).
func (r *OrderRepo) GetTransaction(ctx context.Context, orderID uuid.UUID, destination string) (*model.SKUTransaction, error) {
	const q = `
SELECT id, order_id, destination, external_id, status, amount
FROM sku_transactions WHERE order_id=$1 AND destination=$2`
	var t model.SKUTransaction
	err := r.db.Pool.QueryRow(ctx, q, orderID, destination).
		Scan(&t.ID, &t.OrderID, &t.Destination, &t.ExternalID, &t.Status, &t.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// SetTransactionStatus updates settlement progress and the external id.
func (r *OrderRepo) SetTransactionStatus(ctx context.Context, id uuid.UUID, status model.SKUTransactionStatus, externalID string) error {
	const q = `UPDATE sku_transactions SET status=$2, external_id=$3 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status), externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
