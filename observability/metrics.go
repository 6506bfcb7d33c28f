// Package observability provides a Prometheus metrics hook for the
// metering engine. Register it to track webhook and quota activity.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resumly/metering/hook"
)

// Ensure Metrics implements the hook interfaces it claims to.
var (
	_ hook.Hook             = (*Metrics)(nil)
	_ hook.OnEventApplied   = (*Metrics)(nil)
	_ hook.OnEventDuplicate = (*Metrics)(nil)
	_ hook.OnUnknownEvent   = (*Metrics)(nil)
	_ hook.OnCreditConsumed = (*Metrics)(nil)
	_ hook.OnQuotaExhausted = (*Metrics)(nil)
	_ hook.OnWeeklyReset    = (*Metrics)(nil)
	_ hook.OnUsageFlushed   = (*Metrics)(nil)
)

// Metrics records engine lifecycle counters and histograms.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	eventsUnknown   prometheus.Counter

	creditsConsumed prometheus.Counter
	quotaExhausted  prometheus.Counter
	weeklyResets    prometheus.Counter

	usageFlushBatch   prometheus.Histogram
	usageFlushLatency prometheus.Histogram
}

// New creates the metrics hook and registers its collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_webhook_events_applied_total",
			Help: "Billing webhook events that mutated an entitlement.",
		}, []string{"type"}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_webhook_events_duplicate_total",
			Help: "Redelivered webhook events dropped by the dedup ledger.",
		}),
		eventsUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_webhook_events_unknown_total",
			Help: "Webhook events of unrecognized type admitted as no-ops.",
		}),
		creditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_credits_consumed_total",
			Help: "Successful weekly credit decrements.",
		}),
		quotaExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_quota_exhausted_total",
			Help: "Consume attempts denied because credits were spent.",
		}),
		weeklyResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_weekly_resets_total",
			Help: "Lazy weekly credit resets applied during consumption.",
		}),
		usageFlushBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metering_usage_flush_batch_size",
			Help:    "Usage records written per flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		usageFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metering_usage_flush_duration_seconds",
			Help:    "Latency of usage log flushes.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.eventsApplied, m.eventsDuplicate, m.eventsUnknown,
		m.creditsConsumed, m.quotaExhausted, m.weeklyResets,
		m.usageFlushBatch, m.usageFlushLatency,
	)
	return m
}

// Name implements hook.Hook.
func (m *Metrics) Name() string { return "observability.metrics" }

// OnEventApplied implements hook.OnEventApplied.
func (m *Metrics) OnEventApplied(_ context.Context, _, _, rawType string) error {
	m.eventsApplied.WithLabelValues(rawType).Inc()
	return nil
}

// OnEventDuplicate implements hook.OnEventDuplicate.
func (m *Metrics) OnEventDuplicate(context.Context, string) error {
	m.eventsDuplicate.Inc()
	return nil
}

// OnUnknownEvent implements hook.OnUnknownEvent.
func (m *Metrics) OnUnknownEvent(context.Context, string, string) error {
	m.eventsUnknown.Inc()
	return nil
}

// OnCreditConsumed implements hook.OnCreditConsumed.
func (m *Metrics) OnCreditConsumed(context.Context, string, int) error {
	m.creditsConsumed.Inc()
	return nil
}

// OnQuotaExhausted implements hook.OnQuotaExhausted.
func (m *Metrics) OnQuotaExhausted(context.Context, string) error {
	m.quotaExhausted.Inc()
	return nil
}

// OnWeeklyReset implements hook.OnWeeklyReset.
func (m *Metrics) OnWeeklyReset(context.Context, string, int) error {
	m.weeklyResets.Inc()
	return nil
}

// OnUsageFlushed implements hook.OnUsageFlushed.
func (m *Metrics) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.usageFlushBatch.Observe(float64(count))
	m.usageFlushLatency.Observe(elapsed.Seconds())
	return nil
}
