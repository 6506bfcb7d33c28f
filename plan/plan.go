// Package plan defines the fixed plan catalog for the metering core.
//
// Plans are a closed set: the billing provider owns pricing and checkout;
// this package only describes what each plan entitles a user to. There is
// deliberately no plan CRUD.
package plan

import "fmt"

// Plan identifies a subscription plan.
type Plan string

// The full plan catalog.
const (
	Free       Plan = "free"
	DayPass    Plan = "day_pass"
	ProMonthly Plan = "pro_monthly"
	ProAnnual  Plan = "pro_annual"
)

// weeklyAllotments is the number of free metered credits each plan grants
// per 7-day window when the unlimited bypass does not apply (e.g. the
// subscription lapsed into past_due or canceled).
var weeklyAllotments = map[Plan]int{
	Free:       3,
	DayPass:    3,
	ProMonthly: 3,
	ProAnnual:  3,
}

// All returns every known plan.
func All() []Plan {
	return []Plan{Free, DayPass, ProMonthly, ProAnnual}
}

// Parse validates a plan string.
func Parse(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return "", fmt.Errorf("plan: unknown plan %q", s)
	}
	return p, nil
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := weeklyAllotments[p]
	return ok
}

// Paid reports whether p is a paid plan.
func (p Plan) Paid() bool {
	return p.Valid() && p != Free
}

// Unlimited reports whether active subscribers of p bypass credit
// metering entirely.
func (p Plan) Unlimited() bool {
	return p.Paid()
}

// WeeklyAllotment returns the number of free metered credits granted per
// 7-day window. Unknown plans fall back to the free allotment so that
// catalog drift never grants extra credits.
func (p Plan) WeeklyAllotment() int {
	if n, ok := weeklyAllotments[p]; ok {
		return n
	}
	return weeklyAllotments[Free]
}

// Features returns the default feature map for p. The map is opaque to
// the metering core; downstream surfaces read individual keys.
func (p Plan) Features() map[string]any {
	switch p {
	case DayPass, ProMonthly, ProAnnual:
		return map[string]any{
			"ai_rewrites":    true,
			"all_templates":  true,
			"export_formats": []string{"pdf", "docx", "txt"},
		}
	default:
		return map[string]any{
			"ai_rewrites":    false,
			"all_templates":  false,
			"export_formats": []string{"pdf"},
		}
	}
}

func (p Plan) String() string { return string(p) }
