package metering

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/resumly/metering/billing"
	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/hook"
	"github.com/resumly/metering/store"
	"github.com/resumly/metering/usage"
)

// DenialReasonExhausted is the user-facing reason attached to a denied
// quota decision. Denial recovers automatically after the next 7-day
// boundary or by plan upgrade; it is never a fatal error.
const DenialReasonExhausted = "weekly free credits used"

// Decision is the outcome of a metered-call quota check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	Reason    string `json:"reason,omitempty"`
}

// Engine is the entitlement and usage metering core. All its correctness
// under concurrency comes from the store's atomicity guarantees; the
// engine itself holds no cross-request state beyond the usage buffer.
type Engine struct {
	store  store.Store
	hooks  *hook.Registry
	logger *slog.Logger
	now    func() time.Time

	// Usage log worker
	usageBuffer chan *usage.Record
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	usageBatchSize     int
	usageFlushInterval time.Duration
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		hooks:              hook.NewRegistry(),
		logger:             slog.Default(),
		now:                func() time.Time { return time.Now().UTC() },
		usageBuffer:        make(chan *usage.Record, 10000),
		stopChan:           make(chan struct{}),
		usageBatchSize:     100,
		usageFlushInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.hooks.WithLogger(logger)
	}
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) {
		if err := e.hooks.Register(h); err != nil {
			e.logger.Error("hook registration failed", "hook", h.Name(), "error", err)
		}
	}
}

// WithUsageConfig configures usage log batching.
func WithUsageConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.usageBatchSize = batchSize
		e.usageFlushInterval = flushInterval
	}
}

// WithClock overrides the engine's clock. Tests use this to cross the
// 7-day reset boundary without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Start migrates the store and begins the usage flush worker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.hooks.EmitInit(ctx)

	e.wg.Add(1)
	go e.usageFlushWorker(ctx)

	e.logger.Info("metering engine started",
		"usage_batch_size", e.usageBatchSize,
		"usage_flush_interval", e.usageFlushInterval,
	)
	return nil
}

// Stop drains the usage buffer and shuts the engine down. Calling Stop
// more than once is safe; later calls are no-ops.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()

		e.hooks.EmitShutdown(context.Background())

		err = e.store.Close()
	})
	return err
}

// ──────────────────────────────────────────────────
// Webhook processing
// ──────────────────────────────────────────────────

// ProcessEvent admits ev into the webhook dedup ledger and applies the
// plan transition state machine to the user's entitlement, as one store
// transaction. Duplicate deliveries are silent no-ops. Unknown event
// types are admitted without mutation so a redelivery of the same event
// does not re-log. A returned error means nothing was committed; the
// caller should report failure so the provider retries.
func (e *Engine) ProcessEvent(ctx context.Context, ev billing.Event) error {
	if ev.ID == "" {
		return ErrEmptyEventID
	}
	if ev.Kind.Known() && ev.UserID == "" {
		return fmt.Errorf("%w: event %s (%s) has no user", ErrInvalidInput, ev.ID, ev.RawType)
	}

	now := e.now()
	var applied, unknown bool

	err := e.store.ApplyEvent(ctx, ev.ID, ev.UserID, now, func(cur *entitlement.Entitlement) (*entitlement.Entitlement, error) {
		if !ev.Kind.Known() {
			unknown = true
			return nil, nil
		}
		if cur == nil {
			// First billing contact for this user: the transition starts
			// from the default free entitlement.
			cur = entitlement.NewDefault(ev.UserID)
			cur.CreatedAt = now
			cur.UpdatedAt = now
		}
		next, ok := billing.Transition(cur, ev, now)
		if !ok {
			return nil, nil
		}
		applied = true
		return next, nil
	})

	switch {
	case IsDuplicate(err):
		e.logger.Debug("duplicate webhook event dropped", "event_id", ev.ID)
		e.hooks.EmitEventDuplicate(ctx, ev.ID)
		return nil
	case err != nil:
		return err
	}

	switch {
	case unknown:
		e.logger.Warn("unknown billing event type admitted as no-op",
			"event_id", ev.ID, "type", ev.RawType)
		e.hooks.EmitUnknownEvent(ctx, ev.ID, ev.RawType)
	case applied:
		e.logger.Info("billing event applied",
			"event_id", ev.ID, "user_id", ev.UserID, "type", ev.RawType)
		e.hooks.EmitEventApplied(ctx, ev.ID, ev.UserID, ev.RawType)
	default:
		e.logger.Warn("billing event gated by current status, admitted as no-op",
			"event_id", ev.ID, "user_id", ev.UserID, "type", ev.RawType)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Quota metering
// ──────────────────────────────────────────────────

// Consume decides whether the user may make one metered call on the given
// route, decrementing a weekly credit when the plan is metered. Active
// unexpired paid plans bypass the credit check entirely; that policy
// lives here, not in the meter. Every allowed call is appended to the
// usage log, fire-and-forget.
func (e *Engine) Consume(ctx context.Context, userID, route string) (Decision, error) {
	if userID == "" {
		return Decision{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	now := e.now()

	ent, err := e.store.GetEntitlement(ctx, userID)
	if IsNotFound(err) {
		if err := e.EnsureEntitlement(ctx, userID); err != nil {
			return Decision{}, err
		}
		ent, err = e.store.GetEntitlement(ctx, userID)
	}
	if err != nil {
		return Decision{}, err
	}

	if ent.UnlimitedAt(now) {
		e.recordUsage(userID, route, now)
		return Decision{Allowed: true, Unlimited: true, Remaining: ent.FreeWeeklyCreditsRemaining}, nil
	}

	cutoff := now.Add(-entitlement.ResetInterval)
	remaining, resetApplied, err := e.store.ConsumeCredit(ctx, userID, now, cutoff, ent.Plan.WeeklyAllotment())
	if IsQuotaError(err) {
		e.logger.Debug("quota exhausted", "user_id", userID, "route", route)
		e.hooks.EmitQuotaExhausted(ctx, userID)
		return Decision{Allowed: false, Reason: DenialReasonExhausted}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if resetApplied {
		e.hooks.EmitWeeklyReset(ctx, userID, ent.Plan.WeeklyAllotment())
	}
	e.hooks.EmitCreditConsumed(ctx, userID, remaining)
	e.recordUsage(userID, route, now)

	return Decision{Allowed: true, Remaining: remaining}, nil
}

// ──────────────────────────────────────────────────
// Entitlement reads
// ──────────────────────────────────────────────────

// Entitlement returns the user's current entitlement snapshot. Read-only,
// no side effects.
func (e *Engine) Entitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	return e.store.GetEntitlement(ctx, userID)
}

// EnsureEntitlement creates the default entitlement row (free plan, full
// weekly credits, no reset yet) if the user has none. Idempotent.
func (e *Engine) EnsureEntitlement(ctx context.Context, userID string) error {
	ent := entitlement.NewDefault(userID)
	now := e.now()
	ent.CreatedAt = now
	ent.UpdatedAt = now
	return e.store.CreateEntitlement(ctx, ent)
}

// ──────────────────────────────────────────────────
// Usage log
// ──────────────────────────────────────────────────

// Usage returns a user's metered-call audit records, newest first.
func (e *Engine) Usage(ctx context.Context, userID string, opts usage.QueryOpts) ([]*usage.Record, error) {
	return e.store.QueryUsage(ctx, userID, opts)
}

// PurgeUsage prunes usage records older than before.
func (e *Engine) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	return e.store.PurgeUsage(ctx, before)
}

// PurgeEvents prunes webhook ledger rows older than before. Retention is
// an audit concern; pruning never runs on the webhook hot path.
func (e *Engine) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	return e.store.PurgeEvents(ctx, before)
}

// Ping checks store connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// recordUsage enqueues a usage record without blocking. A full buffer
// drops the record with a warning: the usage log is diagnostic and must
// never block or fail the quota decision.
func (e *Engine) recordUsage(userID, route string, at time.Time) {
	rec := usage.New(userID, route, at)
	select {
	case e.usageBuffer <- rec:
	default:
		e.logger.Warn("dropping usage record",
			"error", ErrUsageBufferFull, "user_id", userID, "route", route)
	}
}

// usageFlushWorker batches usage records into the store.
func (e *Engine) usageFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*usage.Record, 0, e.usageBatchSize)
	ticker := time.NewTicker(e.usageFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Drain whatever is buffered, then final flush. The engine
			// ctx is typically already canceled at this point (it is the
			// process signal ctx in a server), so the final write gets
			// its own deadline.
			for {
				select {
				case rec := <-e.usageBuffer:
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				e.flushUsageBatch(flushCtx, batch)
				cancel()
			}
			return

		case rec := <-e.usageBuffer:
			batch = append(batch, rec)
			if len(batch) >= e.usageBatchSize {
				e.flushUsageBatch(ctx, batch)
				batch = make([]*usage.Record, 0, e.usageBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushUsageBatch(ctx, batch)
				batch = make([]*usage.Record, 0, e.usageBatchSize)
			}
		}
	}
}

func (e *Engine) flushUsageBatch(ctx context.Context, batch []*usage.Record) {
	start := time.Now()

	if err := e.store.AppendUsage(ctx, batch); err != nil {
		// Diagnostic data only: log and move on.
		e.logger.Error("failed to flush usage batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.hooks.EmitUsageFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed usage batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
