// Package store defines the unified storage interface for the metering
// core. All correctness under concurrency comes from the store's atomicity
// guarantees: a uniqueness constraint per event id and conditional updates
// per user row. Implementations never rely on application-level locks
// being valid across service instances.
package store

import (
	"context"
	"time"

	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/usage"
)

// ApplyFunc receives the current entitlement row (nil if the user has no
// row yet) and returns the new snapshot to persist. Returning (nil, nil)
// means "no mutation": the event is still admitted into the dedup ledger.
// The function runs inside the same transaction as the ledger insert, so
// it always sees non-stale state.
type ApplyFunc func(current *entitlement.Entitlement) (*entitlement.Entitlement, error)

// Store is the storage contract shared by all backends.
type Store interface {
	// ApplyEvent admits eventID into the webhook dedup ledger and applies
	// fn to the user's entitlement row in one transaction: either both the
	// ledger row and the mutation commit, or neither does. A duplicate
	// eventID returns metering.ErrDuplicateEvent with nothing applied.
	ApplyEvent(ctx context.Context, eventID, userID string, processedAt time.Time, fn ApplyFunc) error

	// HasEvent reports whether eventID is already recorded in the ledger.
	// Existence of the row is the sole proof the event was applied.
	HasEvent(ctx context.Context, eventID string) (bool, error)

	// PurgeEvents prunes ledger rows older than the given time. Retention
	// is an audit concern on a long-TTL schedule, never the hot path.
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)

	// GetEntitlement returns the user's entitlement row, or
	// metering.ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error)

	// CreateEntitlement inserts the row if the user has none. An existing
	// row is left untouched (idempotent first-touch creation).
	CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) error

	// ConsumeCredit performs the lazy weekly reset and conditional
	// decrement as one atomic operation against the user's row:
	//
	//   1. If LastWeeklyReset is nil or <= resetCutoff, the balance is
	//      reset to allotment and LastWeeklyReset set to now, in the same
	//      update.
	//   2. The balance is decremented only if the result stays >= 0.
	//
	// Zero rows affected means the balance is already zero after any
	// reset: metering.ErrQuotaExhausted. A missing row returns
	// metering.ErrEntitlementNotFound. Callers for the same user
	// serialize on the row; callers for different users never block each
	// other.
	ConsumeCredit(ctx context.Context, userID string, now, resetCutoff time.Time, allotment int) (remaining int, resetApplied bool, err error)

	// AppendUsage appends usage records. Append-only: records are never
	// mutated. Failures are the caller's to swallow; the usage log is
	// diagnostic, not authoritative.
	AppendUsage(ctx context.Context, records []*usage.Record) error

	// QueryUsage returns a user's usage records, newest first.
	QueryUsage(ctx context.Context, userID string, opts usage.QueryOpts) ([]*usage.Record, error)

	// PurgeUsage prunes usage records older than the given time.
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)

	// Migrate creates the required tables and indexes.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
