package entitlement_test

import (
	"testing"
	"time"

	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/plan"
)

func TestUnlimitedAt(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name      string
		plan      plan.Plan
		status    entitlement.Status
		expiresAt *time.Time
		want      bool
	}{
		{"active pro, no expiry", plan.ProMonthly, entitlement.StatusActive, nil, true},
		{"active pro, future expiry", plan.ProMonthly, entitlement.StatusActive, &future, true},
		{"active pro, expired", plan.ProMonthly, entitlement.StatusActive, &past, false},
		{"active pro, expiry == now", plan.ProMonthly, entitlement.StatusActive, &now, false},
		{"past_due pro", plan.ProMonthly, entitlement.StatusPastDue, nil, false},
		{"canceled pro", plan.ProMonthly, entitlement.StatusCanceled, nil, false},
		{"active free", plan.Free, entitlement.StatusActive, nil, false},
		{"active day pass, future expiry", plan.DayPass, entitlement.StatusActive, &future, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entitlement.NewDefault("user_1")
			e.Plan = tt.plan
			e.Status = tt.status
			e.ExpiresAt = tt.expiresAt
			if got := e.UnlimitedAt(now); got != tt.want {
				t.Errorf("UnlimitedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResetDue(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	e := entitlement.NewDefault("user_1")
	if !e.ResetDue(now) {
		t.Error("never-reset entitlement must be due")
	}

	recent := now.Add(-24 * time.Hour)
	e.LastWeeklyReset = &recent
	if e.ResetDue(now) {
		t.Error("reset one day ago is not due")
	}

	boundary := now.Add(-entitlement.ResetInterval)
	e.LastWeeklyReset = &boundary
	if !e.ResetDue(now) {
		t.Error("reset exactly seven days ago is due")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	e := entitlement.NewDefault("user_1")
	e.LastWeeklyReset = &now

	cp := e.Clone()
	cp.Features["ai_rewrites"] = true
	*cp.LastWeeklyReset = now.Add(time.Hour)
	cp.FreeWeeklyCreditsRemaining = 0

	if e.Features["ai_rewrites"] == true {
		t.Error("clone shares the features map")
	}
	if !e.LastWeeklyReset.Equal(now) {
		t.Error("clone shares the reset timestamp")
	}
	if e.FreeWeeklyCreditsRemaining == 0 {
		t.Error("clone shares scalar state")
	}

	var nilEnt *entitlement.Entitlement
	if nilEnt.Clone() != nil {
		t.Error("nil clone must stay nil")
	}
}
