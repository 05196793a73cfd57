// Package observe provides application-wide observability primitives for
// callcore: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all callcore metrics.
const meterName = "github.com/nexusmiracle/callcore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text transcription latency.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-of-speech to first-response-segment latency.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attribute:
	//   attribute.String("capability", ...)
	ProviderErrors metric.Int64Counter

	// BargeIns counts caller interruptions of playback.
	BargeIns metric.Int64Counter

	// Fillers counts filler utterances played. Use with attribute:
	//   attribute.String("category", ...)
	Fillers metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveStreams tracks the number of connected media WebSockets.
	ActiveStreams metric.Int64UpDownCounter

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
	if met.ASRDuration, err = m.Float64Histogram("callcore.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("callcore.llm.duration",
		metric.WithDescription("Latency of LLM completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("callcore.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("callcore.turn.duration",
		metric.WithDescription("End-to-end conversation turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("callcore.provider.requests",
		metric.WithDescription("Total provider API requests by capability and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callcore.provider.errors",
		metric.WithDescription("Total provider errors by capability."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callcore.barge_ins",
		metric.WithDescription("Total caller interruptions of assistant playback."),
	); err != nil {
		return nil, err
	}
	if met.Fillers, err = m.Int64Counter("callcore.fillers",
		metric.WithDescription("Total filler utterances played by category."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callcore.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("callcore.active_streams",
		metric.WithDescription("Number of connected media WebSockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callcore.http.request.duration",
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

// RecordProviderLatency records one provider call: its latency on the
// capability's histogram, the request counter, and the error counter when
// failed.
func (m *Metrics) RecordProviderLatency(ctx context.Context, capability string, d time.Duration, failed bool) {
	var hist metric.Float64Histogram
	switch capability {
	case "asr":
		hist = m.ASRDuration
	case "llm":
		hist = m.LLMDuration
	case "tts":
		hist = m.TTSDuration
	}
	if hist != nil {
		hist.Record(ctx, d.Seconds())
	}

	status := "ok"
	if failed {
		status = "error"
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("status", status),
		),
	)
	if failed {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("capability", capability)),
		)
	}
}

// RecordTurnLatency records one completed conversation turn.
func (m *Metrics) RecordTurnLatency(ctx context.Context, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds())
}

// CountBargeIn records one caller interruption.
func (m *Metrics) CountBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// CountFiller records one played filler utterance.
func (m *Metrics) CountFiller(ctx context.Context, category string) {
	m.Fillers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// CallStarted bumps the active call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded drops the active call gauge.
func (m *Metrics) CallEnded(ctx context.Context) {
	m.ActiveCalls.Add(ctx, -1)
}
