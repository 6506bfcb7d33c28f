// Package entitlement defines the authoritative record of a user's plan,
// billing status, and remaining metered credits.
package entitlement

import (
	"time"

	"github.com/resumly/metering/plan"
	"github.com/resumly/metering/types"
)

// Status is the billing status of an entitlement.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Entitlement is the single authoritative row per user. It is mutated
// exclusively by the plan transition state machine (on webhook) or the
// quota meter (on consumption/reset), and never deleted while the user
// exists.
//
// Invariant: FreeWeeklyCreditsRemaining >= 0 at all times.
type Entitlement struct {
	types.Entity
	UserID                     string         `json:"user_id"`
	Plan                       plan.Plan      `json:"plan"`
	Status                     Status         `json:"status"`
	Features                   map[string]any `json:"features,omitempty"`
	FreeWeeklyCreditsRemaining int            `json:"free_weekly_credits_remaining"`
	LastWeeklyReset            *time.Time     `json:"last_weekly_reset,omitempty"`
	ExpiresAt                  *time.Time     `json:"expires_at,omitempty"`
}

// NewDefault returns the entitlement created when a user first establishes
// a billing relationship: free plan, full weekly credits, no reset yet.
func NewDefault(userID string) *Entitlement {
	return &Entitlement{
		Entity:                     types.NewEntity(),
		UserID:                     userID,
		Plan:                       plan.Free,
		Status:                     StatusInactive,
		Features:                   plan.Free.Features(),
		FreeWeeklyCreditsRemaining: plan.Free.WeeklyAllotment(),
	}
}

// Expired reports whether the entitlement's paid access has lapsed by now.
// A nil ExpiresAt never expires.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// UnlimitedAt reports whether the user bypasses the weekly credit check
// at the given instant: an active, unexpired paid plan.
func (e *Entitlement) UnlimitedAt(now time.Time) bool {
	return e.Plan.Unlimited() && e.Status == StatusActive && !e.Expired(now)
}

// ResetDue reports whether the lazy weekly reset should fire: either no
// reset has ever happened, or at least seven days have elapsed.
func (e *Entitlement) ResetDue(now time.Time) bool {
	return e.LastWeeklyReset == nil || now.Sub(*e.LastWeeklyReset) >= ResetInterval
}

// ResetInterval is the weekly credit reset window.
const ResetInterval = 7 * 24 * time.Hour

// Clone returns a deep copy. Stores hand callers copies so that shared
// state never escapes the store's serialization domain.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Features != nil {
		cp.Features = make(map[string]any, len(e.Features))
		for k, v := range e.Features {
			cp.Features[k] = v
		}
	}
	if e.LastWeeklyReset != nil {
		t := *e.LastWeeklyReset
		cp.LastWeeklyReset = &t
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
