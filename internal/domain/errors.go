package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds the orchestrator distinguishes.
// Scheduler and engine policy (retry, back-off, skip) keys off these via
// errors.Is / errors.As.
var (
	// ErrAuthFailure covers revoked tokens, failed refreshes, and rejected
	// credentials. The connection is moved to error status and not retried
	// within the current tick.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrTokenRevoked is returned by the vault after Revoke. It matches
	// ErrAuthFailure via Unwrap.
	ErrTokenRevoked = fmt.Errorf("%w: token revoked", ErrAuthFailure)

	// ErrRateLimited signals a provider 429 or explicit quota exhaustion.
	// Not counted as a failure.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrLeaseContention means another worker holds the connection lease.
	// The run is skipped, not failed.
	ErrLeaseContention = errors.New("connection lease held")

	// ErrThrottled means the connection synced too recently for its
	// schedule's minimum interval.
	ErrThrottled = errors.New("sync throttled")

	// ErrTenantIsolation is returned when a principal touches a row outside
	// their tenant memberships.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrConfiguration is a startup-time configuration failure. The process
	// must not start.
	ErrConfiguration = errors.New("configuration error")
)

// ProviderNotFoundError is returned by the registry for unknown provider ids.
type ProviderNotFoundError struct {
	ProviderID string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider not found: %s", e.ProviderID)
}

// ProviderError wraps a provider API failure with retryability information.
type ProviderError struct {
	ProviderID string
	StatusCode int
	Message    string
	Retryable  bool          // false for 4xx / unsupported-feature failures
	RetryAfter int           // seconds, 0 when the provider gave no hint
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s provider error from %s (status %d): %s", kind, e.ProviderID, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TransientProviderError builds a retryable provider error (network, 5xx,
// timeout).
func TransientProviderError(providerID string, status int, msg string, err error) *ProviderError {
	return &ProviderError{ProviderID: providerID, StatusCode: status, Message: msg, Retryable: true, Err: err}
}

// PermanentProviderError builds a non-retryable provider error (malformed
// request, unsupported feature). Requires human investigation.
func PermanentProviderError(providerID string, status int, msg string) *ProviderError {
	return &ProviderError{ProviderID: providerID, StatusCode: status, Message: msg, Retryable: false}
}

// IntegrityError is a per-record canonical upsert violation. The record is
// skipped and counted; the job continues.
type IntegrityError struct {
	Entity     string
	ExternalID string
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Entity, e.ExternalID, e.Reason)
}

// AccountReferencedError is returned when deleting an account that is still
// referenced by transactions or provider accounts.
type AccountReferencedError struct {
	AccountID        string
	Transactions     int
	ProviderAccounts int
}

func (e *AccountReferencedError) Error() string {
	return fmt.Sprintf("account %s is referenced by %d transactions and %d provider accounts",
		e.AccountID, e.Transactions, e.ProviderAccounts)
}
