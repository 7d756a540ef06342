// Package metrics instruments the coordination runtime with OpenTelemetry.
// It uses the global MeterProvider; configure it before constructing the
// coordinator (typically via clue.ConfigureOpenTelemetry in the binary).
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records runtime measurements. A zero-value Metrics is not usable;
// construct with New. All methods are safe for concurrent use and tolerate a
// no-op global provider.
type Metrics struct {
	stageDuration metric.Float64Histogram
	stageFailures metric.Int64Counter
	stageRetries  metric.Int64Counter
	submissions   metric.Int64Counter
	backpressure  metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	breakerOpens  metric.Int64Counter
	eventsDropped metric.Int64Counter
	alertsSent    metric.Int64Counter
	conflicts     metric.Int64Counter
	annealScore   metric.Float64Histogram
}

// New constructs the runtime instrument set on the global meter.
func New() *Metrics {
	meter := otel.Meter("github.com/burnshed/burnshed/runtime")
	m := &Metrics{}
	m.stageDuration, _ = meter.Float64Histogram("burnshed.stage.duration",
		metric.WithUnit("s"))
	m.stageFailures, _ = meter.Int64Counter("burnshed.stage.failures")
	m.stageRetries, _ = meter.Int64Counter("burnshed.stage.retries")
	m.submissions, _ = meter.Int64Counter("burnshed.requests.submitted")
	m.backpressure, _ = meter.Int64Counter("burnshed.requests.backpressure")
	m.cacheHits, _ = meter.Int64Counter("burnshed.cache.hits")
	m.cacheMisses, _ = meter.Int64Counter("burnshed.cache.misses")
	m.breakerOpens, _ = meter.Int64Counter("burnshed.breaker.opens")
	m.eventsDropped, _ = meter.Int64Counter("burnshed.events.dropped")
	m.alertsSent, _ = meter.Int64Counter("burnshed.alerts.sent")
	m.conflicts, _ = meter.Int64Counter("burnshed.conflicts.detected")
	m.annealScore, _ = meter.Float64Histogram("burnshed.schedule.score")
	return m
}

// StageCompleted records one stage execution.
func (m *Metrics) StageCompleted(ctx context.Context, stage string, d time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", err == nil))
	m.stageDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// StageRetried counts one retry attempt within a stage budget.
func (m *Metrics) StageRetried(ctx context.Context, stage string) {
	m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// Submitted counts an accepted submission.
func (m *Metrics) Submitted(ctx context.Context) {
	m.submissions.Add(ctx, 1)
}

// Backpressure counts a submission rejected by a full queue.
func (m *Metrics) Backpressure(ctx context.Context) {
	m.backpressure.Add(ctx, 1)
}

// Cache records hit/miss deltas for a named cache.
func (m *Metrics) Cache(ctx context.Context, name string, hits, misses uint64) {
	attrs := metric.WithAttributes(attribute.String("cache", name))
	if hits > 0 {
		m.cacheHits.Add(ctx, int64(hits), attrs)
	}
	if misses > 0 {
		m.cacheMisses.Add(ctx, int64(misses), attrs)
	}
}

// BreakerOpened counts a breaker transition into open or latched.
func (m *Metrics) BreakerOpened(ctx context.Context, name, state string) {
	m.breakerOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", state)))
}

// EventsDropped counts events lost to slow subscribers.
func (m *Metrics) EventsDropped(ctx context.Context, n uint64) {
	if n > 0 {
		m.eventsDropped.Add(ctx, int64(n))
	}
}

// AlertSent counts one notification delivery attempt.
func (m *Metrics) AlertSent(ctx context.Context, channel string, ok bool) {
	m.alertsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("success", ok)))
}

// ConflictsDetected counts detector records by severity.
func (m *Metrics) ConflictsDetected(ctx context.Context, severity string, n int) {
	if n > 0 {
		m.conflicts.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("severity", severity)))
	}
}

// ScheduleScore records the objective value of a completed optimization.
func (m *Metrics) ScheduleScore(ctx context.Context, score float64) {
	m.annealScore.Record(ctx, score)
}
