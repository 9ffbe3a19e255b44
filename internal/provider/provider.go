// Package provider defines the custodial wallet provider capability and its
// HTTP implementation. OAuth linking happens elsewhere; this package only
// consumes already-linked wallets.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

// Provider is the uniform contract over one custodial provider. One value
// exists per custodian, selected by the contribution's processor tag.
type Provider interface {
	// CreateTransaction registers a transfer and returns the provider's
	// transaction id. Nothing moves until CommitTransaction.
	CreateTransaction(ctx context.Context, token, address string, tx model.ExternalTransaction) (string, error)

	// CommitTransaction executes a previously created transfer.
	// Returns errs.ErrRetryPending while the provider is still settling.
	CommitTransaction(ctx context.Context, token, address, transactionID string) error

	// GetTransactionStatus polls a committed transfer. Returns nil once
	// settled, errs.ErrRetryPending while in flight.
	GetTransactionStatus(ctx context.Context, token, transactionID string) error

	// FetchBalance returns the wallet's available balance.
	FetchBalance(ctx context.Context, token, address string) (float64, error)
}

// Wallet is a linked custodial wallet as the engine sees it.
type Wallet struct {
	Processor   model.Processor
	AccessToken string
	Address     string // provider-side account id transfers draw from
	Linked      bool
}

// WalletStore tracks linked wallets. The transfer service forces a wallet to
// logged-out when the provider reports an expired access token.
type WalletStore interface {
	// Get returns the wallet for a processor; errs.ErrNotFound if none is
	// linked.
	Get(ctx context.Context, p model.Processor) (*Wallet, error)

	// MarkDisconnected clears the linked state so the user must re-link.
	MarkDisconnected(ctx context.Context, p model.Processor) error
}

// MemoryWalletStore is an in-process WalletStore for development and tests.
type MemoryWalletStore struct {
	mu      sync.Mutex
	wallets map[model.Processor]*Wallet
}

// NewMemoryWalletStore builds a store holding the given wallets.
func NewMemoryWalletStore(wallets ...*Wallet) *MemoryWalletStore {
	m := &MemoryWalletStore{wallets: make(map[model.Processor]*Wallet)}
	for _, w := range wallets {
		m.wallets[w.Processor] = w
	}
	return m
}

// Get returns the wallet for a processor.
func (m *MemoryWalletStore) Get(_ context.Context, p model.Processor) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[p]
	if !ok || !w.Linked {
		return nil, errs.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// MarkDisconnected clears the linked state.
func (m *MemoryWalletStore) MarkDisconnected(_ context.Context, p model.Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[p]; ok {
		w.Linked = false
	}
	return nil
}

// TokenExpired reports whether a JWT access token's exp claim has passed.
// The signature is not checked: the provider is the authority either way,
// this only lets callers fail fast before a doomed network call. Tokens that
// do not parse as JWTs are left for the provider to judge.
func TokenExpired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(now)
}

// AsProviderError maps a provider failure onto the engine taxonomy, keeping
// expiry and pending distinct from plain failure.
func AsProviderError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrExpiredToken), errors.Is(err, errs.ErrRetryPending):
		return err
	default:
		return errors.Join(err, errs.ErrFailed)
	}
}
