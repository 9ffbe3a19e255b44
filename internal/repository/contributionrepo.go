package repository

import (
	"context"

	"github.com/and161185/token-ledger/internal/model"
)

// ContributionRepository stores contributions and their publisher partitions.
type ContributionRepository interface {
	// Create inserts the contribution and its publishers in one transaction.
	Create(ctx context.Context, c *model.Contribution) error

	// Get returns a contribution with its publishers, or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Contribution, error)

	// SetStep advances the persisted step and resets retry_count to zero.
	// Only the orchestrator calls this.
	SetStep(ctx context.Context, id string, step model.ContributionStep) error

	// IncrementRetry bumps retry_count without touching the step and
	// returns the new count.
	IncrementRetry(ctx context.Context, id string) (int32, error)

	// SavePublishers replaces the publisher partition for a contribution
	// (used when the allocator computes it during Prepare).
	SavePublishers(ctx context.Context, id string, pubs []model.ContributionPublisher) error

	// SetPublisherContributed records a completed publisher redemption.
	SetPublisherContributed(ctx context.Context, id, publisherKey string, amount float64) error

	// ListResumable returns ids of contributions in a non-terminal step,
	// oldest first; the scheduler re-dispatches these on housekeeping.
	ListResumable(ctx context.Context) ([]string, error)
}
