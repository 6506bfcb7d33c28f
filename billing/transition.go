package billing

import (
	"time"

	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/plan"
)

// transition is one row of the fixed transition table.
type transition struct {
	// requireStatus, when non-nil, gates the row on the entitlement's
	// current status. A mismatch is a no-op, not an error: e.g. a late
	// payment_failed must not corrupt an already-canceled entitlement.
	requireStatus *entitlement.Status

	apply func(cur *entitlement.Entitlement, ev Event, now time.Time)
}

func statusIs(s entitlement.Status) *entitlement.Status { return &s }

// transitions is the fixed table keyed by normalized event kind.
// KindUnknown deliberately has no row; the state machine treats missing
// rows as explicit no-ops.
var transitions = map[Kind]transition{
	KindCheckoutCompleted: {
		apply: func(cur *entitlement.Entitlement, ev Event, _ time.Time) {
			if ev.Plan.Valid() {
				cur.Plan = ev.Plan
				cur.Features = ev.Plan.Features()
			}
			cur.Status = entitlement.StatusActive
			cur.ExpiresAt = cloneTime(ev.ExpiresAt)
		},
	},
	KindPaymentSucceeded: {
		requireStatus: statusIs(entitlement.StatusPastDue),
		apply: func(cur *entitlement.Entitlement, ev Event, _ time.Time) {
			cur.Status = entitlement.StatusActive
			if ev.ExpiresAt != nil {
				cur.ExpiresAt = cloneTime(ev.ExpiresAt)
			}
		},
	},
	KindPaymentFailed: {
		requireStatus: statusIs(entitlement.StatusActive),
		apply: func(cur *entitlement.Entitlement, _ Event, _ time.Time) {
			cur.Status = entitlement.StatusPastDue
		},
	},
	KindSubscriptionUpdated: {
		apply: func(cur *entitlement.Entitlement, ev Event, _ time.Time) {
			if ev.Plan.Valid() {
				cur.Plan = ev.Plan
				cur.Features = ev.Plan.Features()
			}
			cur.Status = entitlement.StatusActive
			if ev.ExpiresAt != nil {
				cur.ExpiresAt = cloneTime(ev.ExpiresAt)
			}
		},
	},
	KindSubscriptionCanceled: {
		apply: func(cur *entitlement.Entitlement, _ Event, _ time.Time) {
			cur.Status = entitlement.StatusCanceled
		},
	},
	KindSubscriptionDeleted: {
		apply: func(cur *entitlement.Entitlement, _ Event, _ time.Time) {
			cur.Plan = plan.Free
			cur.Features = plan.Free.Features()
			cur.Status = entitlement.StatusCanceled
			cur.ExpiresAt = nil
		},
	},
}

// Transition applies ev to the current entitlement and returns the new
// snapshot. The second return is false when the event produces no
// mutation: either the kind is unknown or the row's status gate did not
// match. Callers must invoke this with the row re-read inside the same
// transaction as the dedup ledger insert.
func Transition(cur *entitlement.Entitlement, ev Event, now time.Time) (*entitlement.Entitlement, bool) {
	row, ok := transitions[ev.Kind]
	if !ok {
		return nil, false
	}
	if row.requireStatus != nil && cur.Status != *row.requireStatus {
		return nil, false
	}

	next := cur.Clone()
	row.apply(next, ev, now)
	next.UpdatedAt = now
	return next, true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
