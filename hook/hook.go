// Package hook provides typed lifecycle hooks for the metering engine.
// Observers implement only the interfaces they care about; the registry
// dispatches without reflection on the hot path.
package hook

import (
	"context"
	"time"
)

// Hook is the base interface all observers implement.
type Hook interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Hook
	OnInit(ctx context.Context) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Hook
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Webhook processing
// ──────────────────────────────────────────────────

// OnEventApplied is called after a billing event mutated an entitlement.
type OnEventApplied interface {
	Hook
	OnEventApplied(ctx context.Context, eventID, userID, rawType string) error
}

// OnEventDuplicate is called when a redelivered event is dropped by the
// dedup ledger.
type OnEventDuplicate interface {
	Hook
	OnEventDuplicate(ctx context.Context, eventID string) error
}

// OnUnknownEvent is called when an event type outside the transition
// table is admitted as a no-op.
type OnUnknownEvent interface {
	Hook
	OnUnknownEvent(ctx context.Context, eventID, rawType string) error
}

// ──────────────────────────────────────────────────
// Quota metering
// ──────────────────────────────────────────────────

// OnCreditConsumed is called after a successful credit decrement.
type OnCreditConsumed interface {
	Hook
	OnCreditConsumed(ctx context.Context, userID string, remaining int) error
}

// OnQuotaExhausted is called when a consume attempt is denied.
type OnQuotaExhausted interface {
	Hook
	OnQuotaExhausted(ctx context.Context, userID string) error
}

// OnWeeklyReset is called when the lazy weekly reset fired during a
// consume.
type OnWeeklyReset interface {
	Hook
	OnWeeklyReset(ctx context.Context, userID string, allotment int) error
}

// ──────────────────────────────────────────────────
// Usage log
// ──────────────────────────────────────────────────

// OnUsageFlushed is called after a batch of usage records was written.
type OnUsageFlushed interface {
	Hook
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}
