// Package billing models inbound billing-provider events and the plan
// transition state machine that applies them to entitlements.
//
// Event kinds are a closed set. Anything the provider sends that we do not
// recognize maps to KindUnknown carrying the raw type string, and is routed
// to an explicit no-op branch so provider schema drift fails safe instead
// of corrupting entitlement state.
package billing

import (
	"time"

	"github.com/resumly/metering/plan"
)

// Kind is the normalized type of a billing event.
type Kind string

const (
	KindCheckoutCompleted    Kind = "checkout_completed"
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindSubscriptionDeleted  Kind = "subscription_deleted"
	KindUnknown              Kind = "unknown"
)

// kindsByRawType maps provider event type strings to normalized kinds.
// Several raw spellings collapse onto one kind so that provider renames
// do not silently become unknown events.
var kindsByRawType = map[string]Kind{
	"checkout.session.completed":    KindCheckoutCompleted,
	"checkout_completed":            KindCheckoutCompleted,
	"invoice.payment_succeeded":     KindPaymentSucceeded,
	"invoice.paid":                  KindPaymentSucceeded,
	"payment_succeeded":             KindPaymentSucceeded,
	"invoice.payment_failed":        KindPaymentFailed,
	"payment_failed":                KindPaymentFailed,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"subscription_updated":          KindSubscriptionUpdated,
	"customer.subscription.paused":  KindSubscriptionCanceled,
	"subscription_canceled":         KindSubscriptionCanceled,
	"customer.subscription.deleted": KindSubscriptionDeleted,
	"subscription_deleted":          KindSubscriptionDeleted,
}

// ParseKind normalizes a raw provider event type. Unmapped types return
// KindUnknown; the caller keeps the raw string for logging.
func ParseKind(rawType string) Kind {
	if k, ok := kindsByRawType[rawType]; ok {
		return k
	}
	return KindUnknown
}

// Known reports whether the kind participates in the transition table.
func (k Kind) Known() bool { return k != KindUnknown && k != "" }

// Event is a normalized billing event. ID is the provider's globally
// unique event identifier and is the dedup ledger key.
type Event struct {
	ID      string
	Kind    Kind
	RawType string
	UserID  string

	// Plan and ExpiresAt are populated for kinds that carry them
	// (checkout, subscription updates). Zero values mean "unchanged".
	Plan      plan.Plan
	ExpiresAt *time.Time

	ReceivedAt time.Time
}
