// Package observe provides application-wide observability primitives for
// JARVIS: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus text format by the handler returned from [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all JARVIS metrics.
const meterName = "github.com/MrWong99/jarvis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Live link ---

	// LiveOpenDuration tracks the time from Toggle to the remote end
	// accepting the session.
	LiveOpenDuration metric.Float64Histogram

	// LiveSessions tracks the number of open live sessions (0 or 1).
	LiveSessions metric.Int64UpDownCounter

	// LiveEvents counts inbound session events. Use with attribute:
	//   attribute.String("kind", ...)
	LiveEvents metric.Int64Counter

	// LiveFailures counts failed or aborted sessions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	LiveFailures metric.Int64Counter

	// --- Audio ---

	// PlaybackChunks counts chunks placed on the output timeline.
	PlaybackChunks metric.Int64Counter

	// PlaybackDecodeFailures counts inbound chunks that could not be played.
	PlaybackDecodeFailures metric.Int64Counter

	// PlaybackInterruptions counts barge-in events that cut playback short.
	PlaybackInterruptions metric.Int64Counter

	// CaptureBlocks counts microphone blocks sent to the remote end.
	CaptureBlocks metric.Int64Counter

	// CaptureDrops counts microphone blocks that were discarded. Use with
	// attribute:
	//   attribute.String("reason", ...)
	CaptureDrops metric.Int64Counter

	// --- Providers ---

	// TTSDuration tracks one-shot speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to the voice backends.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LiveOpenDuration, err = m.Float64Histogram("jarvis.live.open.duration",
		metric.WithDescription("Time from toggle to session acceptance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("jarvis.tts.duration",
		metric.WithDescription("Latency of one-shot speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("jarvis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.LiveSessions, err = m.Int64UpDownCounter("jarvis.live.active_sessions",
		metric.WithDescription("Number of open live sessions."),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.LiveEvents, "jarvis.live.events", "Inbound live session events by kind."},
		{&met.LiveFailures, "jarvis.live.failures", "Failed live sessions by provider and stage."},
		{&met.PlaybackChunks, "jarvis.playback.chunks", "Audio chunks scheduled for playback."},
		{&met.PlaybackDecodeFailures, "jarvis.playback.decode_failures", "Inbound audio chunks that could not be decoded."},
		{&met.PlaybackInterruptions, "jarvis.playback.interruptions", "Playback interruptions caused by barge-in."},
		{&met.CaptureBlocks, "jarvis.capture.blocks", "Microphone blocks sent to the live session."},
		{&met.CaptureDrops, "jarvis.capture.drops", "Microphone blocks dropped by reason."},
		{&met.ProviderRequests, "jarvis.provider.requests", "Provider API requests by provider, kind, and status."},
		{&met.BreakerTransitions, "jarvis.breaker.transitions", "Circuit breaker state changes by breaker and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordLiveFailure records a failed session for provider at stage
// ("permission", "connect", "remote", "send").
func (m *Metrics) RecordLiveFailure(ctx context.Context, provider, stage string) {
	m.LiveFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordLiveEvent records one inbound session event.
func (m *Metrics) RecordLiveEvent(ctx context.Context, kind string) {
	m.LiveEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCaptureDrop records one dropped microphone block.
func (m *Metrics) RecordCaptureDrop(ctx context.Context, reason string) {
	m.CaptureDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
