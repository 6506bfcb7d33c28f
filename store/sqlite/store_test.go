package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/plan"
	"github.com/resumly/metering/store/sqlite"
	"github.com/resumly/metering/usage"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "metering.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return st
}

func seedEntitlement(t *testing.T, st *sqlite.Store, userID string) {
	t.Helper()
	if err := st.CreateEntitlement(context.Background(), entitlement.NewDefault(userID)); err != nil {
		t.Fatal(err)
	}
}

func TestApplyEventTransactional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	expires := now.Add(30 * 24 * time.Hour)
	apply := func(cur *entitlement.Entitlement) (*entitlement.Entitlement, error) {
		if cur != nil {
			t.Fatalf("expected no prior row, got %+v", cur)
		}
		next := entitlement.NewDefault("user_1")
		next.Plan = plan.ProMonthly
		next.Status = entitlement.StatusActive
		next.Features = plan.ProMonthly.Features()
		next.ExpiresAt = &expires
		return next, nil
	}

	if err := st.ApplyEvent(ctx, "evt_1", "user_1", now, apply); err != nil {
		t.Fatal(err)
	}

	err := st.ApplyEvent(ctx, "evt_1", "user_1", now, apply)
	if !errors.Is(err, metering.ErrDuplicateEvent) {
		t.Fatalf("second delivery: got %v, want ErrDuplicateEvent", err)
	}

	got, err := st.GetEntitlement(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Plan != plan.ProMonthly || got.Status != entitlement.StatusActive {
		t.Errorf("round trip = %q/%q", got.Plan, got.Status)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, expires)
	}
	if got.Features["ai_rewrites"] != true {
		t.Errorf("features did not round trip: %v", got.Features)
	}
}

func TestApplyEventRollbackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := st.ApplyEvent(ctx, "evt_1", "user_1", now, func(*entitlement.Entitlement) (*entitlement.Entitlement, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}

	// The ledger row must roll back with the rest so redelivery retries
	// the whole unit.
	ok, err := st.HasEvent(ctx, "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("failed event must not be admitted to the ledger")
	}
	if _, err := st.GetEntitlement(ctx, "user_1"); !errors.Is(err, metering.ErrEntitlementNotFound) {
		t.Errorf("failed event must not create an entitlement: %v", err)
	}
}

func TestConsumeCredit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	cutoff := now.Add(-entitlement.ResetInterval)

	t.Run("missing row", func(t *testing.T) {
		st := newTestStore(t)
		_, _, err := st.ConsumeCredit(ctx, "ghost", now, cutoff, 3)
		if !errors.Is(err, metering.ErrEntitlementNotFound) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("first consume resets", func(t *testing.T) {
		st := newTestStore(t)
		seedEntitlement(t, st, "user_1")

		remaining, resetApplied, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !resetApplied || remaining != 2 {
			t.Fatalf("remaining=%d resetApplied=%v, want 2/true", remaining, resetApplied)
		}

		got, err := st.GetEntitlement(ctx, "user_1")
		if err != nil {
			t.Fatal(err)
		}
		if got.LastWeeklyReset == nil || !got.LastWeeklyReset.Equal(now) {
			t.Errorf("last_weekly_reset = %v, want %v", got.LastWeeklyReset, now)
		}
	})

	t.Run("decrement within window", func(t *testing.T) {
		st := newTestStore(t)
		seedEntitlement(t, st, "user_1")

		if _, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3); err != nil {
			t.Fatal(err)
		}
		later := now.Add(time.Hour)
		remaining, resetApplied, err := st.ConsumeCredit(ctx, "user_1", later, later.Add(-entitlement.ResetInterval), 3)
		if err != nil {
			t.Fatal(err)
		}
		if resetApplied || remaining != 1 {
			t.Fatalf("remaining=%d resetApplied=%v, want 1/false", remaining, resetApplied)
		}
	})

	t.Run("exhausted keeps balance at zero", func(t *testing.T) {
		st := newTestStore(t)
		seedEntitlement(t, st, "user_1")

		for i := 0; i < 3; i++ {
			if _, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3); err != nil {
				t.Fatal(err)
			}
		}
		_, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3)
		if !errors.Is(err, metering.ErrQuotaExhausted) {
			t.Fatalf("got %v", err)
		}

		got, err := st.GetEntitlement(ctx, "user_1")
		if err != nil {
			t.Fatal(err)
		}
		if got.FreeWeeklyCreditsRemaining != 0 {
			t.Errorf("remaining = %d, want 0", got.FreeWeeklyCreditsRemaining)
		}
	})

	t.Run("reset exactly at boundary", func(t *testing.T) {
		st := newTestStore(t)
		seedEntitlement(t, st, "user_1")

		if _, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3); err != nil {
			t.Fatal(err)
		}

		boundary := now.Add(entitlement.ResetInterval)
		remaining, resetApplied, err := st.ConsumeCredit(ctx, "user_1", boundary, boundary.Add(-entitlement.ResetInterval), 3)
		if err != nil {
			t.Fatal(err)
		}
		if !resetApplied || remaining != 2 {
			t.Fatalf("remaining=%d resetApplied=%v, want 2/true", remaining, resetApplied)
		}
	})

	t.Run("reset due with zero allotment", func(t *testing.T) {
		st := newTestStore(t)
		seedEntitlement(t, st, "user_1")

		_, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 0)
		if !errors.Is(err, metering.ErrQuotaExhausted) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestConsumeCreditConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedEntitlement(t, st, "user_1")

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	cutoff := now.Add(-entitlement.ResetInterval)

	const workers = 10
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := st.ConsumeCredit(ctx, "user_1", now, cutoff, 3)
			switch {
			case err == nil:
				granted <- struct{}{}
			case errors.Is(err, metering.ErrQuotaExhausted):
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	close(granted)

	if got := len(granted); got != 3 {
		t.Errorf("granted %d of %d concurrent consumes, want exactly 3", got, workers)
	}

	ent, err := st.GetEntitlement(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.FreeWeeklyCreditsRemaining != 0 {
		t.Errorf("remaining = %d, want 0", ent.FreeWeeklyCreditsRemaining)
	}
}

func TestUsageLogRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	var recs []*usage.Record
	for i := 0; i < 3; i++ {
		recs = append(recs, usage.New("user_1", "/v1/rewrite", base.Add(time.Duration(i)*time.Minute)))
	}
	recs = append(recs, usage.New("user_1", "/v1/export", base))
	if err := st.AppendUsage(ctx, recs); err != nil {
		t.Fatal(err)
	}

	got, err := st.QueryUsage(ctx, "user_1", usage.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("records = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatal("expected newest-first ordering")
		}
	}
	if got[0].ID.IsNil() {
		t.Error("record id did not round trip")
	}

	got, err = st.QueryUsage(ctx, "user_1", usage.QueryOpts{Route: "/v1/export"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Route != "/v1/export" {
		t.Fatalf("route filter returned %+v", got)
	}

	n, err := st.PurgeUsage(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
}
