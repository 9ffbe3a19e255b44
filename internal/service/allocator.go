// Package service contains the credential, allocation, reconciliation and
// transfer services that make up the engine core.
package service

import (
	"github.com/and161185/token-ledger/internal/model"
)

// VoteShare is one recipient's slice of an allocation. Recipients who win no
// votes are present with Votes == 0.
type VoteShare struct {
	PublisherKey string
	Votes        uint32
	Amount       float64 // realized spend: votes/totalVotes * amount
}

// RandSource yields uniform floats in [0,1). Injected so allocations are
// reproducible under test.
type RandSource func() float64

// AllocateVotes splits totalVotes discrete votes across the weighted
// recipients. Each vote throws a dart in [0,1) and walks the recipients in
// insertion order, accumulating weight/amount; the first recipient whose
// cumulative share reaches the dart wins the vote.
//
// A dart that lands past the covered range (possible when the weights do not
// quite sum to amount, or by floating error) is dropped, so the realized
// vote total can fall short of totalVotes. That matches the long-observed
// behavior of the allocation; changing it is a product decision, not a bug
// fix here.
func AllocateVotes(totalVotes uint32, recipients []model.ContributionPublisher, amount float64, rnd RandSource) []VoteShare {
	if totalVotes == 0 || len(recipients) == 0 || amount <= 0 {
		return nil
	}

	shares := make([]VoteShare, len(recipients))
	for i := range recipients {
		shares[i].PublisherKey = recipients[i].PublisherKey
	}

	for v := uint32(0); v < totalVotes; v++ {
		dart := rnd()
		cumulative := 0.0
		for i := range recipients {
			cumulative += recipients[i].TotalAmount / amount
			if cumulative >= dart {
				shares[i].Votes++
				break
			}
		}
	}

	for i := range shares {
		shares[i].Amount = float64(shares[i].Votes) / float64(totalVotes) * amount
	}
	return shares
}
