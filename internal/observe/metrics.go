// Package observe provides observability primitives for murmur:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping by the Prometheus exporter set up in [InitProvider]. Tests should
// build their own [Metrics] with [NewMetrics] and a ManualReader-backed
// provider instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Request outcome values for the "status" attribute.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds the application's metric instruments. The OTel types are
// safe for concurrent use.
type Metrics struct {
	// TranscriptionDuration is wall-clock time from request to final text.
	// Attributes: provider.
	TranscriptionDuration metric.Float64Histogram

	// AudioDuration is the length of the submitted recordings.
	AudioDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// Partials counts interim transcripts received.
	Partials metric.Int64Counter

	// Retries counts retry attempts after transient failures.
	Retries metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: provider, to.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks transcriptions in flight.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks API request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) cover short clips through the 60s+ final-result
// wait of long recordings.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("murmur.transcription.duration",
		metric.WithDescription("Time from request to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioDuration, err = m.Float64Histogram("murmur.audio.duration",
		metric.WithDescription("Length of submitted audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("murmur.provider.requests",
		metric.WithDescription("STT provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("murmur.provider.errors",
		metric.WithDescription("STT provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Partials, err = m.Int64Counter("murmur.transcription.partials",
		metric.WithDescription("Interim transcripts received."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("murmur.transcription.retries",
		metric.WithDescription("Retries after transient provider failures."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("murmur.provider.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.active_sessions",
		metric.WithDescription("Transcriptions in flight."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the exporting provider.
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

// RecordTranscription records a finished provider call: the request counter
// with its status, and on success the latency and audio length.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, elapsed, audio time.Duration, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	if err != nil {
		return
	}
	m.TranscriptionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
	m.AudioDuration.Record(ctx, audio.Seconds())
}

// RecordProviderError counts a provider error of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordBreakerTransition counts a breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("to", to),
	))
}
