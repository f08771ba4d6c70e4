// Package observe provides application-wide observability primitives for
// scribefeed: OpenTelemetry metrics, tracing helpers, and structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all scribefeed metrics.
const meterName = "github.com/scribefeed/scribefeed"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks streaming handshake latency.
	ConnectDuration metric.Float64Histogram

	// FramesDecoded counts inbound stream frames. Use with attribute:
	//   attribute.String("kind", ...)
	FramesDecoded metric.Int64Counter

	// SegmentsMerged counts segments folded into the transcript. Use with
	// attribute:
	//   attribute.String("source", "mutable"|"finalized"|"history")
	SegmentsMerged metric.Int64Counter

	// SegmentsDropped counts segments excluded from reconciliation for
	// lacking an absolute timestamp.
	SegmentsDropped metric.Int64Counter

	// ReconnectAttempts counts scheduled transport reconnect attempts.
	ReconnectAttempts metric.Int64Counter

	// ActiveSubscriptions tracks the number of live meeting subscriptions. It
	// is observed from a count callback registered via
	// [Metrics.ObserveSubscriptions] rather than updated by deltas, so
	// idempotent re-subscribes and wholesale resets cannot drift the value.
	ActiveSubscriptions metric.Int64ObservableUpDownCounter

	meter metric.Meter
}

// connectBuckets defines histogram bucket boundaries (in seconds) sized for
// WebSocket handshakes, which are bounded by the 10s connect timeout.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.ConnectDuration, err = m.Float64Histogram("scribefeed.stream.connect.duration",
		metric.WithDescription("Latency of the streaming handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesDecoded, err = m.Int64Counter("scribefeed.stream.frames",
		metric.WithDescription("Total inbound stream frames by decoded kind."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsMerged, err = m.Int64Counter("scribefeed.reconcile.segments",
		metric.WithDescription("Total segments folded into the transcript by source."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("scribefeed.reconcile.dropped",
		metric.WithDescription("Total segments excluded for lacking an absolute timestamp."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("scribefeed.stream.reconnects",
		metric.WithDescription("Total scheduled transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscriptions, err = m.Int64ObservableUpDownCounter("scribefeed.stream.subscriptions",
		metric.WithDescription("Number of live meeting subscriptions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveSubscriptions registers count as the source of the live-subscription
// gauge. The callback is read at each collection cycle.
func (m *Metrics) ObserveSubscriptions(count func() int) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ActiveSubscriptions, int64(count()))
		return nil
	}, m.ActiveSubscriptions)
	return err
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

// RecordFrame records one decoded inbound frame.
func (m *Metrics) RecordFrame(ctx context.Context, kind string) {
	m.FramesDecoded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordMerge records a merged segment batch and the exclusions it caused.
func (m *Metrics) RecordMerge(ctx context.Context, source string, merged, dropped int64) {
	m.SegmentsMerged.Add(ctx, merged,
		metric.WithAttributes(attribute.String("source", source)),
	)
	if dropped > 0 {
		m.SegmentsDropped.Add(ctx, dropped)
	}
}

// RecordConnect records one completed streaming handshake.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds())
}
