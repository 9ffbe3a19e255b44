package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/provider"
	"github.com/and161185/token-ledger/internal/repository"
)

// feeAttempts bounds fee transfer retries before the transfer is parked for
// the next housekeeping pass.
const feeAttempts = 3

// TransferService moves value through a linked custodial wallet exactly once
// per (contribution, destination) pair.
type TransferService interface {
	// Transfer runs create-then-commit for the pair, reusing any persisted
	// transaction. Returns the settled record, errs.ErrRetryPending while
	// the provider settles, errs.ErrExpiredToken after forcing the wallet
	// to logged-out, or a failure.
	Transfer(ctx context.Context, contributionID, destination string, amount float64, proc model.Processor) (*model.ExternalTransaction, error)

	// TransferFee pays the operator fee with a bounded number of attempts.
	TransferFee(ctx context.Context, contributionID, destination string, amount float64, proc model.Processor) error
}

type TransferServiceImpl struct {
	ext       repository.ExternalTransactionRepository
	providers map[model.Processor]provider.Provider
	wallets   provider.WalletStore
	log       *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	committed map[string]bool // provider tx ids with a commit already sent
}

// NewTransferService constructs the custodial transfer service.
func NewTransferService(
	ext repository.ExternalTransactionRepository,
	providers map[model.Processor]provider.Provider,
	wallets provider.WalletStore,
	log *zap.Logger,
) *TransferServiceImpl {
	return &TransferServiceImpl{
		ext:       ext,
		providers: providers,
		wallets:   wallets,
		log:       log,
		now:       time.Now,
		committed: make(map[string]bool),
	}
}

// Transfer drives one external transfer to completion.
func (t *TransferServiceImpl) Transfer(ctx context.Context, contributionID, destination string, amount float64, proc model.Processor) (*model.ExternalTransaction, error) {
	if contributionID == "" || destination == "" {
		return nil, errors.New("validation: empty contribution id or destination")
	}
	if amount <= 0 {
		return nil, errors.New("validation: non-positive amount")
	}
	prov, ok := t.providers[proc]
	if !ok {
		return nil, fmt.Errorf("no provider for processor %q: %w", proc, errs.ErrFailed)
	}
	wallet, err := t.wallets.Get(ctx, proc)
	if err != nil {
		return nil, fmt.Errorf("wallet not linked for %q: %w", proc, errs.ErrFailed)
	}

	tx, err := t.maybeCreateTransaction(ctx, prov, wallet, contributionID, destination, amount)
	if err != nil {
		return nil, t.mapProviderErr(ctx, proc, err)
	}
	if !tx.CompletedAt.IsZero() {
		return tx, nil
	}

	if t.wasCommitted(tx.TransactionID) {
		// a commit is already in flight at the provider; poll, never re-submit
		err = prov.GetTransactionStatus(ctx, wallet.AccessToken, tx.TransactionID)
	} else {
		err = prov.CommitTransaction(ctx, wallet.AccessToken, wallet.Address, tx.TransactionID)
	}
	switch {
	case err == nil:
		t.markCommitted(tx.TransactionID)
	case errors.Is(err, errs.ErrRetryPending):
		// provider acknowledged the commit; later attempts must poll
		t.markCommitted(tx.TransactionID)
		return nil, err
	default:
		return nil, t.mapProviderErr(ctx, proc, err)
	}

	now := t.now()
	if err := t.ext.MarkCompleted(ctx, contributionID, destination, now); err != nil {
		return nil, err
	}
	tx.CompletedAt = now
	t.log.Info("external transfer settled",
		zap.String("contribution", contributionID),
		zap.String("destination", destination),
		zap.String("transaction", tx.TransactionID),
	)
	return tx, nil
}

// maybeCreateTransaction reuses the persisted record for the pair or creates
// one at the provider. The row is persisted strictly before any commit so a
// crash between create and commit resumes from storage.
func (t *TransferServiceImpl) maybeCreateTransaction(
	ctx context.Context,
	prov provider.Provider,
	wallet *provider.Wallet,
	contributionID, destination string,
	amount float64,
) (*model.ExternalTransaction, error) {
	tx, err := t.ext.Get(ctx, contributionID, destination)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	draft := model.ExternalTransaction{
		ContributionID: contributionID,
		Destination:    destination,
		Amount:         amount,
	}
	id, err := prov.CreateTransaction(ctx, wallet.AccessToken, wallet.Address, draft)
	if err != nil {
		return nil, err
	}
	draft.TransactionID = id
	if err := t.ext.Create(ctx, &draft); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// lost a race with another step for the same pair
			return t.ext.Get(ctx, contributionID, destination)
		}
		return nil, err
	}
	return &draft, nil
}

// TransferFee pays the operator fee, retrying transient failures up to
// feeAttempts total tries. Expired tokens are not retried.
func (t *TransferServiceImpl) TransferFee(ctx context.Context, contributionID, destination string, amount float64, proc model.Processor) error {
	backoff := retry.WithMaxRetries(feeAttempts-1, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := t.Transfer(ctx, contributionID+":fee", destination, amount, proc)
		if err != nil && errs.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// mapProviderErr applies the taxonomy to a provider failure, forcing the
// wallet to logged-out on token expiry.
func (t *TransferServiceImpl) mapProviderErr(ctx context.Context, proc model.Processor, err error) error {
	if errors.Is(err, errs.ErrExpiredToken) {
		t.log.Warn("access token expired, disconnecting wallet", zap.String("processor", string(proc)))
		if derr := t.wallets.MarkDisconnected(ctx, proc); derr != nil {
			t.log.Error("disconnect wallet", zap.Error(derr))
		}
		return errs.ErrExpiredToken
	}
	if errs.IsTransient(err) {
		return err
	}
	if errors.Is(err, errs.ErrFailed) {
		return err
	}
	return errors.Join(err, errs.ErrFailed)
}

func (t *TransferServiceImpl) wasCommitted(txID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[txID]
}

func (t *TransferServiceImpl) markCommitted(txID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed[txID] = true
}
