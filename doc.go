// Package metering provides the entitlement and usage metering core for a
// subscription SaaS: it turns at-least-once billing webhooks into
// at-most-once entitlement transitions, and enforces per-user weekly
// credit quotas under concurrent requests without losing updates.
//
// Metering is designed as a library. Import it into your Go application
// and wire your preferred store; cmd/meteringd wraps it in a small HTTP
// service.
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/resumly/metering"
//	    "github.com/resumly/metering/store/postgres"
//	)
//
//	st, err := postgres.Open(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := metering.New(st)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Billing webhooks drive the entitlement state machine. Each provider
// event carries a globally unique id; the webhook dedup ledger admits it
// exactly once, and the plan transition and ledger insert commit in one
// transaction:
//
//	ev, err := billing.DecodeStripeEvent(payload, time.Now())
//	if err != nil { ... }
//	if err := eng.ProcessEvent(ctx, ev); err != nil {
//	    // nothing was committed; report failure so the provider retries
//	}
//
// Metered routes ask the quota meter for a decision. The lazy weekly
// reset and the credit decrement are one atomic conditional update, so
// the remaining balance never goes negative under any interleaving:
//
//	d, err := eng.Consume(ctx, userID, "/api/rewrite")
//	if err != nil { ... }
//	if !d.Allowed {
//	    // d.Reason == "weekly free credits used"
//	}
//
// Entitlement reads are side-effect free:
//
//	ent, err := eng.Entitlement(ctx, userID)
//
// # Correctness Model
//
// There are two independent serialization domains: per-eventId (the
// ledger's uniqueness constraint) and per-userId (conditional updates on
// the entitlement row). Neither relies on in-process locks, so any number
// of service instances can run concurrently against the same store.
//
// The usage log is an append-only audit trail written by a background
// batching worker. It is diagnostic: a failed usage write never blocks or
// fails a quota decision.
package metering
