package hook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/resumly/metering/hook"
)

// recorder implements a subset of the hook interfaces and records calls.
type recorder struct {
	name       string
	applied    []string
	duplicates []string
	exhausted  []string
	err        error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnEventApplied(_ context.Context, eventID, _, _ string) error {
	r.applied = append(r.applied, eventID)
	return r.err
}

func (r *recorder) OnEventDuplicate(_ context.Context, eventID string) error {
	r.duplicates = append(r.duplicates, eventID)
	return r.err
}

func (r *recorder) OnQuotaExhausted(_ context.Context, userID string) error {
	r.exhausted = append(r.exhausted, userID)
	return r.err
}

func newTestRegistry() *hook.Registry {
	return hook.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryDispatchesOnlyImplementedInterfaces(t *testing.T) {
	reg := newTestRegistry()
	rec := &recorder{name: "recorder"}
	if err := reg.Register(rec); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	reg.EmitEventApplied(ctx, "evt_1", "user_1", "checkout.session.completed")
	reg.EmitEventDuplicate(ctx, "evt_1")
	reg.EmitQuotaExhausted(ctx, "user_1")
	// recorder does not implement these; dispatch must be a no-op.
	reg.EmitInit(ctx)
	reg.EmitWeeklyReset(ctx, "user_1", 3)

	if len(rec.applied) != 1 || rec.applied[0] != "evt_1" {
		t.Errorf("applied = %v", rec.applied)
	}
	if len(rec.duplicates) != 1 {
		t.Errorf("duplicates = %v", rec.duplicates)
	}
	if len(rec.exhausted) != 1 {
		t.Errorf("exhausted = %v", rec.exhausted)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(&recorder{name: "same"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&recorder{name: "same"}); err == nil {
		t.Error("expected duplicate name rejection")
	}
	if got := reg.Names(); len(got) != 1 {
		t.Errorf("names = %v", got)
	}
}

func TestRegistrySwallowsHookErrors(t *testing.T) {
	reg := newTestRegistry()
	rec := &recorder{name: "failing", err: errors.New("hook boom")}
	if err := reg.Register(rec); err != nil {
		t.Fatal(err)
	}

	// A failing hook must not panic or halt dispatch.
	reg.EmitEventApplied(context.Background(), "evt_1", "user_1", "x")
	if len(rec.applied) != 1 {
		t.Errorf("applied = %v", rec.applied)
	}
}
