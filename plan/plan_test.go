package plan_test

import (
	"testing"

	"github.com/resumly/metering/plan"
)

func TestParse(t *testing.T) {
	for _, p := range plan.All() {
		got, err := plan.Parse(string(p))
		if err != nil {
			t.Fatalf("Parse(%q): %v", p, err)
		}
		if got != p {
			t.Errorf("Parse(%q) = %q", p, got)
		}
	}

	if _, err := plan.Parse("enterprise"); err == nil {
		t.Error("expected error for unknown plan")
	}
}

func TestUnlimited(t *testing.T) {
	tests := []struct {
		p    plan.Plan
		want bool
	}{
		{plan.Free, false},
		{plan.DayPass, true},
		{plan.ProMonthly, true},
		{plan.ProAnnual, true},
		{plan.Plan("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.p.Unlimited(); got != tt.want {
			t.Errorf("%q.Unlimited() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestWeeklyAllotmentFallsBackToFree(t *testing.T) {
	if got := plan.Plan("bogus").WeeklyAllotment(); got != plan.Free.WeeklyAllotment() {
		t.Errorf("unknown plan allotment = %d, want free's %d", got, plan.Free.WeeklyAllotment())
	}
}

func TestFeatures(t *testing.T) {
	if plan.Free.Features()["ai_rewrites"] != false {
		t.Error("free plan must not grant ai_rewrites")
	}
	if plan.ProAnnual.Features()["ai_rewrites"] != true {
		t.Error("pro_annual must grant ai_rewrites")
	}
}
