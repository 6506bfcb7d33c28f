package metering_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/billing"
	"github.com/resumly/metering/plan"
	"github.com/resumly/metering/store/memory"
)

// TestDocumentationExamples verifies that the examples in the package
// documentation compile and run.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use SQLite or Postgres in production)
		store := memory.New()

		eng := metering.New(store,
			metering.WithLogger(slog.Default()),
			metering.WithUsageConfig(100, 5*time.Second),
		)

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop()

		// A checkout webhook arrives from the billing provider.
		ev := billing.Event{
			ID:      "evt_quickstart",
			Kind:    billing.KindCheckoutCompleted,
			RawType: "checkout.session.completed",
			UserID:  "user_123",
			Plan:    plan.ProMonthly,
		}
		if err := eng.ProcessEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}

		// Gate a metered call.
		decision, err := eng.Consume(ctx, "user_123", "/v1/rewrite")
		if err != nil {
			t.Fatal(err)
		}

		if decision.Allowed {
			log.Printf("call allowed (unlimited=%v, remaining=%d)", decision.Unlimited, decision.Remaining)
		} else {
			log.Printf("call denied: %s", decision.Reason)
		}

		if !decision.Allowed || !decision.Unlimited {
			t.Fatalf("active pro subscriber should be unlimited: %+v", decision)
		}
	})
}
