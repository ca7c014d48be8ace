// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/reelnotes/sessioncore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks TranscriptionClient call latency.
	TranscriptionDuration metric.Float64Histogram

	// StructuringDuration tracks StructuringClient call latency.
	StructuringDuration metric.Float64Histogram

	// NotePersistenceDuration tracks NoteStore write latency.
	NotePersistenceDuration metric.Float64Histogram

	// JobExecutionDuration tracks JobDispatcher job run latency.
	JobExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts external provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// StateTransitions counts SessionActor FSM transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// MailboxRejections counts messages dropped because a session's mailbox
	// was at its hard cap. Use with attribute:
	//   attribute.String("reason", ...)
	MailboxRejections metric.Int64Counter

	// BreakerTrips counts circuit breaker state transitions into Open. Use
	// with attribute:
	//   attribute.String("target", ...)
	BreakerTrips metric.Int64Counter

	// BusLagMarkers counts lag-marker events emitted when a subscriber's
	// queue overflows and oldest messages are dropped. Use with attribute:
	//   attribute.String("topic", ...)
	BusLagMarkers metric.Int64Counter

	// JobsDeadLettered counts jobs that exhausted retries and moved to the
	// dead-letter state. Use with attribute:
	//   attribute.String("kind", ...)
	JobsDeadLettered metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live review sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveGatewayConnections tracks the number of open gateway websocket
	// connections across all sessions.
	ActiveGatewayConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("reelnotes.transcription.duration",
		metric.WithDescription("Latency of TranscriptionClient calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StructuringDuration, err = m.Float64Histogram("reelnotes.structuring.duration",
		metric.WithDescription("Latency of StructuringClient calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NotePersistenceDuration, err = m.Float64Histogram("reelnotes.notestore.duration",
		metric.WithDescription("Latency of NoteStore writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobExecutionDuration, err = m.Float64Histogram("reelnotes.job.execution.duration",
		metric.WithDescription("Latency of JobDispatcher job execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("reelnotes.provider.requests",
		metric.WithDescription("Total external provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("reelnotes.session.state_transitions",
		metric.WithDescription("Total SessionActor FSM transitions by from/to state."),
	); err != nil {
		return nil, err
	}
	if met.MailboxRejections, err = m.Int64Counter("reelnotes.session.mailbox_rejections",
		metric.WithDescription("Total messages dropped due to mailbox hard-cap backpressure."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("reelnotes.resilience.breaker_trips",
		metric.WithDescription("Total circuit breaker transitions into the open state."),
	); err != nil {
		return nil, err
	}
	if met.BusLagMarkers, err = m.Int64Counter("reelnotes.bus.lag_markers",
		metric.WithDescription("Total lag-marker events emitted on subscriber queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.JobsDeadLettered, err = m.Int64Counter("reelnotes.job.dead_lettered",
		metric.WithDescription("Total jobs moved to the dead-letter state after exhausting retries."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("reelnotes.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("reelnotes.active_sessions",
		metric.WithDescription("Number of live review sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGatewayConnections, err = m.Int64UpDownCounter("reelnotes.active_gateway_connections",
		metric.WithDescription("Number of open gateway websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("reelnotes.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordStateTransition is a convenience method that records a SessionActor
// FSM transition counter increment.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordMailboxRejection is a convenience method that records a mailbox
// backpressure rejection.
func (m *Metrics) RecordMailboxRejection(ctx context.Context, reason string) {
	m.MailboxRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTrip is a convenience method that records a circuit breaker
// open-state transition.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, target string) {
	m.BreakerTrips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("target", target)),
	)
}

// RecordBusLagMarker is a convenience method that records a subscriber queue
// overflow on the given topic.
func (m *Metrics) RecordBusLagMarker(ctx context.Context, topic string) {
	m.BusLagMarkers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// RecordJobDeadLettered is a convenience method that records a job moving to
// the dead-letter state.
func (m *Metrics) RecordJobDeadLettered(ctx context.Context, kind string) {
	m.JobsDeadLettered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
