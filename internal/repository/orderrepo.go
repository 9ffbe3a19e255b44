package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-ledger/internal/model"
)

// OrderRepository stores SKU orders, their items and payment transactions.
type OrderRepository interface {
	// CreateOrder inserts an order and its items in one transaction.
	CreateOrder(ctx context.Context, order *model.SKUOrder) error

	// GetOrder returns an order with its items, or errs.ErrNotFound.
	GetOrder(ctx context.Context, id uuid.UUID) (*model.SKUOrder, error)

	// SetOrderStatus moves the order status. Orders only move forward,
	// except the externally driven reversal to canceled.
	SetOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) error

	// CreateTransaction inserts a payment transaction for an order;
	// errs.ErrAlreadyExists if one is already open for the
	// (order, destination) pair.
	CreateTransaction(ctx context.Context, tx *model.SKUTransaction) error

	// GetTransaction returns the transaction for (order, destination),
	// or errs.ErrNotFound.
	GetTransaction(ctx context.Context, orderID uuid.UUID, destination string) (*model.SKUTransaction, error)

	// SetTransactionStatus updates settlement progress and the external id.
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status model.SKUTransactionStatus, externalID string) error
}
