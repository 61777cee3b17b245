// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks the time from Start to Active (capture
	// acquisition and transport handshake). Use with attribute:
	//   attribute.String("status", ...)
	SessionStartDuration metric.Float64Histogram

	// --- Counters ---

	// PacketsSent counts outbound PCM packets handed to the transport.
	PacketsSent metric.Int64Counter

	// PacketsDropped counts outbound packets evicted by the drop-oldest queue.
	PacketsDropped metric.Int64Counter

	// ChunksScheduled counts inbound chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts malformed inbound chunks.
	ChunksDropped metric.Int64Counter

	// PlaybackUnderruns counts chunks that arrived after the timeline had
	// already run dry.
	PlaybackUnderruns metric.Int64Counter

	// Interruptions counts barge-in flushes.
	Interruptions metric.Int64Counter

	// SessionErrors counts fatal session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// PlaybackBacklog tracks the number of scheduled sources that have not
	// finished playing.
	PlaybackBacklog metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled with
	// method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice session setup latencies.
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
	if met.SessionStartDuration, err = m.Float64Histogram("livevoice.session.start.duration",
		metric.WithDescription("Time from Start until the session is active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.PacketsSent, "livevoice.packets.sent", "Outbound PCM packets handed to the transport."},
		{&met.PacketsDropped, "livevoice.packets.dropped", "Outbound packets evicted by the bounded send queue."},
		{&met.ChunksScheduled, "livevoice.chunks.scheduled", "Inbound audio chunks scheduled for playback."},
		{&met.ChunksDropped, "livevoice.chunks.dropped", "Malformed inbound audio chunks."},
		{&met.PlaybackUnderruns, "livevoice.playback.underruns", "Chunks scheduled after the playback timeline ran dry."},
		{&met.Interruptions, "livevoice.interruptions", "Barge-in flushes of the playback timeline."},
		{&met.SessionErrors, "livevoice.session.errors", "Fatal session errors by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.PlaybackBacklog, err = m.Int64UpDownCounter("livevoice.playback.backlog",
		metric.WithDescription("Scheduled playback sources that have not finished."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordSessionStart records how long a Start attempt took. status is "ok"
// or the error kind that ended the attempt.
func (m *Metrics) RecordSessionStart(ctx context.Context, d time.Duration, status string) {
	m.SessionStartDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError increments the session error counter for kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
