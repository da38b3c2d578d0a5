// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-voice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionOpenDuration tracks the time from dialing the provider to a
	// ready duplex session.
	SessionOpenDuration metric.Float64Histogram

	// FactExtractionDuration tracks the latency of a knowledge-extraction
	// pass over a completed turn.
	FactExtractionDuration metric.Float64Histogram

	// --- Counters ---

	// CapturedFrames counts microphone frames read from the input device.
	CapturedFrames metric.Int64Counter

	// DroppedFrames counts microphone frames dropped because the session was
	// not ready to accept audio yet.
	DroppedFrames metric.Int64Counter

	// ScheduledChunks counts model audio chunks handed to the playback
	// scheduler.
	ScheduledChunks metric.Int64Counter

	// Interrupts counts barge-in interruptions that flushed queued playback.
	Interrupts metric.Int64Counter

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("mode", ...)
	Turns metric.Int64Counter

	// FactsExtracted counts knowledge facts persisted to memory.
	FactsExtracted metric.Int64Counter

	// --- Error counters ---

	// DecodeFailures counts inbound audio chunks that could not be decoded
	// and were skipped. Use with attribute:
	//   attribute.String("provider", ...)
	DecodeFailures metric.Int64Counter

	// SessionErrors counts fatal session errors by provider and kind.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
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
	if met.SessionOpenDuration, err = m.Float64Histogram("parley.session.open.duration",
		metric.WithDescription("Time from provider dial to a ready duplex session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FactExtractionDuration, err = m.Float64Histogram("parley.knowledge.extraction.duration",
		metric.WithDescription("Latency of a knowledge-extraction pass over a completed turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturedFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total microphone frames read from the input device."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.capture.frames_dropped",
		metric.WithDescription("Total microphone frames dropped before the session was ready."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledChunks, err = m.Int64Counter("parley.playback.chunks_scheduled",
		metric.WithDescription("Total model audio chunks handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("parley.playback.interrupts",
		metric.WithDescription("Total barge-in interruptions that flushed queued playback."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.conversation.turns",
		metric.WithDescription("Total completed conversation turns by mode."),
	); err != nil {
		return nil, err
	}
	if met.FactsExtracted, err = m.Int64Counter("parley.knowledge.facts_extracted",
		metric.WithDescription("Total knowledge facts persisted to memory."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeFailures, err = m.Int64Counter("parley.audio.decode_failures",
		metric.WithDescription("Total inbound audio chunks skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Total fatal session errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("parley.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordSessionOpen records the latency of establishing a provider session.
func (m *Metrics) RecordSessionOpen(ctx context.Context, provider string, d time.Duration) {
	m.SessionOpenDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordTurn records a completed conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordDecodeFailure records one skipped inbound audio chunk.
func (m *Metrics) RecordDecodeFailure(ctx context.Context, provider string) {
	m.DecodeFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordSessionError records a fatal session error.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
