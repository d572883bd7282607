// Package observe provides application-wide observability primitives for
// Sahay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Sahay metrics.
const meterName = "github.com/sahayhq/sahay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long it takes to open the duplex channel,
	// including the setup handshake. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// FirstResponseDuration tracks the time between dispatching a user turn
	// and the first fragment of the reply.
	FirstResponseDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts captured audio frames written to the duplex channel.
	FramesSent metric.Int64Counter

	// FramesPlayed counts response audio frames that finished rendering.
	FramesPlayed metric.Int64Counter

	// FramesDropped counts inbound frames discarded. Use with attribute:
	//   attribute.String("reason", ...) ("decode", "fenced", "empty")
	FramesDropped metric.Int64Counter

	// Interruptions counts barge-ins. Use with attribute:
	//   attribute.String("source", ...) ("vad", "recognizer", "server")
	Interruptions metric.Int64Counter

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("role", ...) ("user", "model")
	Turns metric.Int64Counter

	// CrisisScreens counts turns withheld by the crisis screen.
	CrisisScreens metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", ...) ("connect", "channel", "permission")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("sahay.connect.duration",
		metric.WithDescription("Latency of opening the duplex model channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstResponseDuration, err = m.Float64Histogram("sahay.first_response.duration",
		metric.WithDescription("Latency from user turn dispatch to the first reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("sahay.frames.sent",
		metric.WithDescription("Captured audio frames sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("sahay.frames.played",
		metric.WithDescription("Response audio frames that finished rendering."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sahay.frames.dropped",
		metric.WithDescription("Inbound audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("sahay.interruptions",
		metric.WithDescription("Barge-ins by source."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("sahay.turns",
		metric.WithDescription("Completed conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.CrisisScreens, err = m.Int64Counter("sahay.crisis_screens",
		metric.WithDescription("User turns withheld by the crisis screen."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("sahay.session.errors",
		metric.WithDescription("Session failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sahay.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sahay.http.request.duration",
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

// RecordConnect records one connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordDropped records n dropped inbound frames.
func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int64) {
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInterruption records a barge-in from source.
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordTurn records a completed turn for role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordSessionError records a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
