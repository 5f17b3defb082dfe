package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/gatherkit/gatherd"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Capacity metrics
	JoinsTotal          metric.Int64Counter
	JoinConflictsTotal  metric.Int64Counter
	LeavesTotal         metric.Int64Counter
	WaitlistEnqueued    metric.Int64Counter
	PromotionsTotal     metric.Int64Counter
	PromotionFailures   metric.Int64Counter
	ConflictRetryTotal  metric.Int64Counter

	// Lifecycle metrics
	SessionsCreatedTotal metric.Int64Counter
	TransitionsTotal     metric.Int64Counter
	InvalidTransitions   metric.Int64Counter

	// Sweep metrics
	SweepRunsTotal       metric.Int64Counter
	SweepSkippedTotal    metric.Int64Counter
	SessionsExpiredTotal metric.Int64Counter
	SweepErrorsTotal     metric.Int64Counter
	SweepDuration        metric.Float64Histogram

	// Event metrics
	EventsPublishedTotal metric.Int64Counter
	EventsDroppedTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}
	m.JoinsTotal, _ = meter.Int64Counter(
		"gatherd.sessions.joins.total",
		metric.WithDescription("Total number of successful joins"),
		metric.WithUnit("{join}"),
	)

	m.JoinConflictsTotal, _ = meter.Int64Counter(
		"gatherd.sessions.join_conflicts.total",
		metric.WithDescription("Total number of joins rejected by the capacity predicate"),
		metric.WithUnit("{conflict}"),
	)

	m.LeavesTotal, _ = meter.Int64Counter(
		"gatherd.sessions.leaves.total",
		metric.WithDescription("Total number of successful leaves"),
		metric.WithUnit("{leave}"),
	)

	m.WaitlistEnqueued, _ = meter.Int64Counter(
		"gatherd.waitlist.enqueued.total",
		metric.WithDescription("Total number of waitlist entries enqueued"),
		metric.WithUnit("{entry}"),
	)

	m.PromotionsTotal, _ = meter.Int64Counter(
		"gatherd.waitlist.promotions.total",
		metric.WithDescription("Total number of waitlist entries promoted into a freed slot"),
		metric.WithUnit("{promotion}"),
	)

	m.PromotionFailures, _ = meter.Int64Counter(
		"gatherd.waitlist.promotion_failures.total",
		metric.WithDescription("Total number of promotion attempts that lost the slot"),
		metric.WithUnit("{failure}"),
	)

	m.ConflictRetryTotal, _ = meter.Int64Counter(
		"gatherd.store.conflict_retries.total",
		metric.WithDescription("Total number of conditional writes retried after contention"),
		metric.WithUnit("{retry}"),
	)

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"gatherd.sessions.created.total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)

	m.TransitionsTotal, _ = meter.Int64Counter(
		"gatherd.sessions.transitions.total",
		metric.WithDescription("Total number of committed lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)

	m.InvalidTransitions, _ = meter.Int64Counter(
		"gatherd.sessions.invalid_transitions.total",
		metric.WithDescription("Total number of rejected lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)

	m.SweepRunsTotal, _ = meter.Int64Counter(
		"gatherd.sweep.runs.total",
		metric.WithDescription("Total number of expiry sweep runs"),
		metric.WithUnit("{run}"),
	)

	m.SweepSkippedTotal, _ = meter.Int64Counter(
		"gatherd.sweep.skipped.total",
		metric.WithDescription("Total number of sweep ticks skipped because a run was in flight"),
		metric.WithUnit("{tick}"),
	)

	m.SessionsExpiredTotal, _ = meter.Int64Counter(
		"gatherd.sweep.sessions_expired.total",
		metric.WithDescription("Total number of sessions ended by the expiry sweep"),
		metric.WithUnit("{session}"),
	)

	m.SweepErrorsTotal, _ = meter.Int64Counter(
		"gatherd.sweep.errors.total",
		metric.WithDescription("Total number of per-session failures during sweeps"),
		metric.WithUnit("{error}"),
	)

	m.SweepDuration, _ = meter.Float64Histogram(
		"gatherd.sweep.duration",
		metric.WithDescription("Duration of expiry sweep runs"),
		metric.WithUnit("ms"),
	)

	m.EventsPublishedTotal, _ = meter.Int64Counter(
		"gatherd.events.published.total",
		metric.WithDescription("Total number of events published"),
		metric.WithUnit("{event}"),
	)

	m.EventsDroppedTotal, _ = meter.Int64Counter(
		"gatherd.events.dropped.total",
		metric.WithDescription("Total number of events dropped due to full subscriber channels"),
		metric.WithUnit("{event}"),
	)

	return m
}
