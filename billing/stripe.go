package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"

	"github.com/resumly/metering/plan"
)

// Stripe adapter: turns a raw Stripe webhook payload into a normalized
// Event. Signature verification happens upstream of this core; payloads
// arriving here are treated as a trusted upstream check.

// metadataUserKey is the metadata key our checkout flow stamps on
// sessions, subscriptions and invoices to link back to our user.
const metadataUserKey = "user_id"

// plansByLookupKey maps Stripe price lookup keys to plans.
var plansByLookupKey = map[string]plan.Plan{
	"day_pass":    plan.DayPass,
	"pro_monthly": plan.ProMonthly,
	"pro_annual":  plan.ProAnnual,
}

// DecodeStripeEvent parses a Stripe webhook payload into an Event.
// Unrecognized event types decode successfully with KindUnknown so the
// caller can still admit them into the dedup ledger.
func DecodeStripeEvent(payload []byte, receivedAt time.Time) (Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return Event{}, fmt.Errorf("billing: decode stripe event: %w", err)
	}
	if se.ID == "" {
		return Event{}, fmt.Errorf("billing: stripe event has no id")
	}

	rawType := string(se.Type)
	ev := Event{
		ID:         se.ID,
		Kind:       ParseKind(rawType),
		RawType:    rawType,
		ReceivedAt: receivedAt,
	}
	if !ev.Kind.Known() {
		return ev, nil
	}

	switch ev.Kind {
	case KindCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("billing: decode checkout session: %w", err)
		}
		ev.UserID = firstNonEmpty(sess.Metadata[metadataUserKey], sess.ClientReferenceID)
		ev.Plan = planFromMetadata(sess.Metadata)

	case KindSubscriptionUpdated, KindSubscriptionCanceled, KindSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("billing: decode subscription: %w", err)
		}
		ev.UserID = sub.Metadata[metadataUserKey]
		ev.Plan = planFromSubscription(&sub)
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.ExpiresAt = &t
		}

	case KindPaymentSucceeded, KindPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("billing: decode invoice: %w", err)
		}
		ev.UserID = inv.Metadata[metadataUserKey]
		if ev.UserID == "" && inv.SubscriptionDetails != nil {
			ev.UserID = inv.SubscriptionDetails.Metadata[metadataUserKey]
		}
		if ev.Kind == KindPaymentSucceeded && inv.PeriodEnd > 0 {
			t := time.Unix(inv.PeriodEnd, 0).UTC()
			ev.ExpiresAt = &t
		}
	}

	if ev.UserID == "" {
		return Event{}, fmt.Errorf("billing: stripe event %s (%s) carries no user reference", se.ID, rawType)
	}
	return ev, nil
}

func planFromMetadata(md map[string]string) plan.Plan {
	if p, err := plan.Parse(md["plan"]); err == nil {
		return p
	}
	return ""
}

// planFromSubscription resolves the plan from subscription metadata first,
// then from the price lookup key of the first line item.
func planFromSubscription(sub *stripe.Subscription) plan.Plan {
	if p := planFromMetadata(sub.Metadata); p != "" {
		return p
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if p, ok := plansByLookupKey[item.Price.LookupKey]; ok {
				return p
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
