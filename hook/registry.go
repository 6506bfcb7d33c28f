package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry manages registered hooks and provides typed dispatch.
// Hook errors never fail the triggering operation; they are logged and
// dropped.
type Registry struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger *slog.Logger

	// Type-cached hook lists for dispatch without per-call assertions.
	onInit           []OnInit
	onShutdown       []OnShutdown
	onEventApplied   []OnEventApplied
	onEventDuplicate []OnEventDuplicate
	onUnknownEvent   []OnUnknownEvent
	onCreditConsumed []OnCreditConsumed
	onQuotaExhausted []OnQuotaExhausted
	onWeeklyReset    []OnWeeklyReset
	onUsageFlushed   []OnUsageFlushed
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a hook to the registry and caches its interfaces.
func (r *Registry) Register(h Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.hooks {
		if existing.Name() == h.Name() {
			return fmt.Errorf("hook: duplicate registration: %s", h.Name())
		}
	}
	r.hooks = append(r.hooks, h)

	if v, ok := h.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := h.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := h.(OnEventApplied); ok {
		r.onEventApplied = append(r.onEventApplied, v)
	}
	if v, ok := h.(OnEventDuplicate); ok {
		r.onEventDuplicate = append(r.onEventDuplicate, v)
	}
	if v, ok := h.(OnUnknownEvent); ok {
		r.onUnknownEvent = append(r.onUnknownEvent, v)
	}
	if v, ok := h.(OnCreditConsumed); ok {
		r.onCreditConsumed = append(r.onCreditConsumed, v)
	}
	if v, ok := h.(OnQuotaExhausted); ok {
		r.onQuotaExhausted = append(r.onQuotaExhausted, v)
	}
	if v, ok := h.(OnWeeklyReset); ok {
		r.onWeeklyReset = append(r.onWeeklyReset, v)
	}
	if v, ok := h.(OnUsageFlushed); ok {
		r.onUsageFlushed = append(r.onUsageFlushed, v)
	}
	return nil
}

// Names returns the names of all registered hooks.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.Name()
	}
	return names
}

func (r *Registry) dispatch(name, hookName string, err error) {
	if err != nil {
		r.logger.Error("hook failed", "hook", hookName, "event", name, "error", err)
	}
}

// EmitInit dispatches OnInit.
func (r *Registry) EmitInit(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onInit {
		r.dispatch("init", h.Name(), h.OnInit(ctx))
	}
}

// EmitShutdown dispatches OnShutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onShutdown {
		r.dispatch("shutdown", h.Name(), h.OnShutdown(ctx))
	}
}

// EmitEventApplied dispatches OnEventApplied.
func (r *Registry) EmitEventApplied(ctx context.Context, eventID, userID, rawType string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onEventApplied {
		r.dispatch("event_applied", h.Name(), h.OnEventApplied(ctx, eventID, userID, rawType))
	}
}

// EmitEventDuplicate dispatches OnEventDuplicate.
func (r *Registry) EmitEventDuplicate(ctx context.Context, eventID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onEventDuplicate {
		r.dispatch("event_duplicate", h.Name(), h.OnEventDuplicate(ctx, eventID))
	}
}

// EmitUnknownEvent dispatches OnUnknownEvent.
func (r *Registry) EmitUnknownEvent(ctx context.Context, eventID, rawType string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onUnknownEvent {
		r.dispatch("unknown_event", h.Name(), h.OnUnknownEvent(ctx, eventID, rawType))
	}
}

// EmitCreditConsumed dispatches OnCreditConsumed.
func (r *Registry) EmitCreditConsumed(ctx context.Context, userID string, remaining int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onCreditConsumed {
		r.dispatch("credit_consumed", h.Name(), h.OnCreditConsumed(ctx, userID, remaining))
	}
}

// EmitQuotaExhausted dispatches OnQuotaExhausted.
func (r *Registry) EmitQuotaExhausted(ctx context.Context, userID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onQuotaExhausted {
		r.dispatch("quota_exhausted", h.Name(), h.OnQuotaExhausted(ctx, userID))
	}
}

// EmitWeeklyReset dispatches OnWeeklyReset.
func (r *Registry) EmitWeeklyReset(ctx context.Context, userID string, allotment int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onWeeklyReset {
		r.dispatch("weekly_reset", h.Name(), h.OnWeeklyReset(ctx, userID, allotment))
	}
}

// EmitUsageFlushed dispatches OnUsageFlushed.
func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.onUsageFlushed {
		r.dispatch("usage_flushed", h.Name(), h.OnUsageFlushed(ctx, count, elapsed))
	}
}
