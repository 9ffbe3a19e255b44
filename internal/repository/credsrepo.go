// Package repository declares storage interfaces consumed by services.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-ledger/internal/model"
)

// CredsRepository stores the per-trigger blind-signature batches.
type CredsRepository interface {
	// GetBatch returns the batch for a trigger, or errs.ErrNotFound.
	GetBatch(ctx context.Context, triggerID string, kind model.TriggerKind) (*model.CredsBatch, error)

	// CreateBatch inserts a new batch; errs.ErrAlreadyExists if the
	// (trigger_id, trigger_kind) pair is taken.
	CreateBatch(ctx context.Context, batch *model.CredsBatch) error

	// UpdateBatch persists the mutable lifecycle fields (status, claim id,
	// token JSON blobs, proof, public key).
	UpdateBatch(ctx context.Context, batch *model.CredsBatch) error

	// UpdateStatus moves just the status; used for corruption marking and
	// the self-healing reset to none.
	UpdateStatus(ctx context.Context, batchID uuid.UUID, status model.CredsBatchStatus) error

	// ListByStatus returns all batches in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...model.CredsBatchStatus) ([]model.CredsBatch, error)
}
