// Package observe carries voxgate's telemetry: OpenTelemetry instruments
// exported to Prometheus, spans, correlation-scoped slog loggers, and the
// middleware that applies all three to the health endpoints.
//
// Components take a *[Metrics] through a WithMetrics option and fall back to
// [DefaultMetrics]. Tests build their own with [NewMetrics] over a private
// MeterProvider so recorded values do not leak between them.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/voxgate/voxgate"

// Metrics is the set of instruments the pipeline records to.
type Metrics struct {
	// STTDuration is the time from capture start to the first transcript.
	STTDuration metric.Float64Histogram
	// TTSDuration is the synthesis latency of one segment.
	TTSDuration metric.Float64Histogram
	// LLMDuration is the time to the first fragment of a reply.
	LLMDuration metric.Float64Histogram
	// PlaybackGap is the silence between consecutive segments of a reply.
	// Look-ahead splices record zero.
	PlaybackGap metric.Float64Histogram
	// HTTPRequestDuration is labelled by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// FramesDropped counts capture frames lost because the transport fell
	// behind.
	FramesDropped metric.Int64Counter
	// Segments is labelled by terminal status.
	Segments metric.Int64Counter
	// WakeWordDetections is labelled by keyword.
	WakeWordDetections metric.Int64Counter
	// ProviderRequests is labelled by provider, kind and status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors is labelled by provider and kind.
	ProviderErrors metric.Int64Counter

	// ActiveSessions is the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// Bucket boundaries in seconds.
var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	gapBuckets     = []float64{0, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1}
)

// instruments collects creation errors while building a Metrics.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:         b.histogram("voxgate.stt.duration", "Time from capture start to the first transcript event.", latencyBuckets),
		TTSDuration:         b.histogram("voxgate.tts.duration", "Latency of per-segment speech synthesis.", latencyBuckets),
		LLMDuration:         b.histogram("voxgate.llm.duration", "Time to the first fragment of an agent reply.", latencyBuckets),
		PlaybackGap:         b.histogram("voxgate.playback.gap", "Silence between consecutive reply segments.", gapBuckets),
		HTTPRequestDuration: b.histogram("voxgate.http.request.duration", "HTTP request latency by method and path.", nil),

		FramesDropped:      b.counter("voxgate.capture.frames_dropped", "Capture frames dropped because the transport fell behind."),
		Segments:           b.counter("voxgate.segments", "Reply segments by terminal status."),
		WakeWordDetections: b.counter("voxgate.wakeword.detections", "Wake phrase detections by keyword."),
		ProviderRequests:   b.counter("voxgate.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     b.counter("voxgate.provider.errors", "Provider errors by provider and kind."),

		ActiveSessions: b.gauge("voxgate.sessions.active", "Number of live capture sessions."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide Metrics bound to the global
// MeterProvider at first use, so [InitProvider] must run before it.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordSegment(ctx context.Context, status string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordWakeWord(ctx context.Context, keyword string) {
	m.WakeWordDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("keyword", keyword)))
}

func (m *Metrics) RecordGap(ctx context.Context, gap time.Duration) {
	m.PlaybackGap.Record(ctx, gap.Seconds())
}
