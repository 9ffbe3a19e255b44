// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., duplicate batch).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRetry indicates a transient failure; the operation is safe to resume later.
	ErrRetry = errors.New("retry")

	// ErrRetryShort is ErrRetry with a short suggested backoff.
	ErrRetryShort = errors.New("retry short")

	// ErrRetryLong is ErrRetry with a long suggested backoff.
	ErrRetryLong = errors.New("retry long")

	// ErrRetryPending indicates an external transaction is still settling;
	// the caller should poll status, not re-submit.
	ErrRetryPending = errors.New("retry pending")

	// ErrFailed indicates a permanent failure for this attempt. A higher
	// level (user-initiated retry) may still run the operation again.
	ErrFailed = errors.New("failed")

	// ErrNotEnoughFunds indicates the spendable token balance cannot cover
	// the requested amount.
	ErrNotEnoughFunds = errors.New("not enough funds")

	// ErrCorrupted indicates a data integrity failure (bad proof, count
	// mismatch, undecodable creds). Requires server-side reconciliation,
	// never a local retry.
	ErrCorrupted = errors.New("corrupted")

	// ErrExpiredToken indicates the custodial wallet's access token expired;
	// the wallet must be re-linked by the user.
	ErrExpiredToken = errors.New("access token expired")
)

// IsTransient reports whether err is one of the retryable classes.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetry) ||
		errors.Is(err, ErrRetryShort) ||
		errors.Is(err, ErrRetryLong) ||
		errors.Is(err, ErrRetryPending)
}

// Delay bands for the retry classes. The scheduler adds jitter on top.
const (
	DelayShort   = 30 * time.Second
	DelayDefault = 5 * time.Minute
	DelayLong    = 30 * time.Minute
	DelayPending = 15 * time.Second
)

// SuggestedDelay maps a transient error to its base backoff. Non-transient
// errors map to the default band so misuse stays harmless.
func SuggestedDelay(err error) time.Duration {
	switch {
	case errors.Is(err, ErrRetryPending):
		return DelayPending
	case errors.Is(err, ErrRetryShort):
		return DelayShort
	case errors.Is(err, ErrRetryLong):
		return DelayLong
	default:
		return DelayDefault
	}
}
