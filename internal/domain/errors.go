package domain

import "errors"

var (
	// ErrValidation marks malformed caller input. Wrapped with %w by callers.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing entity (account, channel, proxy, record).
	ErrNotFound = errors.New("not found")

	// ErrNoProxyAvailable is returned when the proxy pool cannot produce an
	// endpoint while proxying is enabled.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrChannelUnavailable gates batch admission on gateway channel health.
	ErrChannelUnavailable = errors.New("gateway channel unavailable")

	// ErrInsufficientCredits marks a refused debit. The batch is stopped, not failed.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrBatchInProgress is returned when a tenant already holds the operation lock.
	ErrBatchInProgress = errors.New("another batch is already running for this tenant")
)
