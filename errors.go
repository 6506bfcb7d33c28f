package metering

import "errors"

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("metering: not found")
	ErrInvalidInput = errors.New("metering: invalid input")

	// Entitlement errors
	ErrEntitlementNotFound = errors.New("metering: entitlement not found")

	// Webhook ledger errors
	ErrDuplicateEvent = errors.New("metering: event already processed")
	ErrEmptyEventID   = errors.New("metering: empty event id")

	// Quota errors
	ErrQuotaExhausted = errors.New("metering: weekly free credits exhausted")

	// Usage errors
	ErrUsageBufferFull = errors.New("metering: usage buffer full")

	// Store errors
	ErrTransactionFailed = errors.New("metering: transaction failed")
	ErrMigrationFailed   = errors.New("metering: migration failed")
)

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEntitlementNotFound)
}

// IsQuotaError returns true if the error is related to quota enforcement.
// Quota exhaustion is a user-facing denial, never a fatal error.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

// IsDuplicate returns true if the error marks an already-processed webhook
// event. Duplicate delivery is a safe no-op, not a failure.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. For webhook processing, returning a retryable failure to the
// provider is safe: nothing was committed, so redelivery is complete.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUsageBufferFull) ||
		errors.Is(err, ErrTransactionFailed)
}
