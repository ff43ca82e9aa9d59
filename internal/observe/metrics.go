// Package observe provides the observability primitives for tabvoice:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter bridge set up by [InitProvider].
// [DefaultMetrics] returns a package-level instance bound to the global meter
// provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tabvoice/pkg/audio/ring"
)

// meterName is the instrumentation scope name used for all tabvoice metrics.
const meterName = "github.com/MrWong99/tabvoice"

// Metrics holds the metric instruments for the application. All fields are
// safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// MessagesRouted counts envelopes forwarded by a component. Attributes:
	// component, route.
	MessagesRouted metric.Int64Counter

	// MessagesDropped counts envelopes dropped at a boundary. Attributes:
	// component, reason.
	MessagesDropped metric.Int64Counter

	// CaptureStarts counts start_capture attempts. Attribute: status (ok|failed).
	CaptureStarts metric.Int64Counter

	// CaptureActive is 1 while a tab is captured.
	CaptureActive metric.Int64UpDownCounter

	// PCMChunks and PCMBytes count synthesized audio accepted for playback.
	// Attribute: source.
	PCMChunks metric.Int64Counter
	PCMBytes  metric.Int64Counter

	// ControlDuration tracks how long the mixer takes to apply a control
	// message. Attribute: op.
	ControlDuration metric.Float64Histogram

	// WebsocketConnections tracks open gateway websockets. Attribute: endpoint.
	WebsocketConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// controlBuckets are histogram boundaries (in seconds) for control-plane
// operations, which complete well within one render block on a healthy host.
var controlBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.MessagesRouted, err = m.Int64Counter("tabvoice.messages.routed",
		metric.WithDescription("Envelopes forwarded by component and route."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("tabvoice.messages.dropped",
		metric.WithDescription("Envelopes dropped by component and reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureStarts, err = m.Int64Counter("tabvoice.capture.starts",
		metric.WithDescription("Tab capture attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureActive, err = m.Int64UpDownCounter("tabvoice.capture.active",
		metric.WithDescription("Number of tabs currently captured."),
	); err != nil {
		return nil, err
	}
	if met.PCMChunks, err = m.Int64Counter("tabvoice.pcm.chunks",
		metric.WithDescription("Synthesized PCM16 chunks accepted by source."),
	); err != nil {
		return nil, err
	}
	if met.PCMBytes, err = m.Int64Counter("tabvoice.pcm.bytes",
		metric.WithDescription("Synthesized PCM16 bytes accepted by source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ControlDuration, err = m.Float64Histogram("tabvoice.control.duration",
		metric.WithDescription("Latency of applying a control message in the mixer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(controlBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebsocketConnections, err = m.Int64UpDownCounter("tabvoice.websocket.connections",
		metric.WithDescription("Open gateway websocket connections by endpoint."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("tabvoice.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRouted counts one forwarded envelope.
func (m *Metrics) RecordRouted(ctx context.Context, component, route string) {
	m.MessagesRouted.Add(ctx, 1, metric.WithAttributes(
		Attr("component", component),
		Attr("route", route),
	))
}

// RecordDrop counts one dropped envelope.
func (m *Metrics) RecordDrop(ctx context.Context, component, reason string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(
		Attr("component", component),
		Attr("reason", reason),
	))
}

// RecordCaptureStart counts a capture attempt.
func (m *Metrics) RecordCaptureStart(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.CaptureStarts.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordPCM counts one accepted chunk of n bytes.
func (m *Metrics) RecordPCM(ctx context.Context, source string, n int) {
	attrs := metric.WithAttributes(Attr("source", source))
	m.PCMChunks.Add(ctx, 1, attrs)
	m.PCMBytes.Add(ctx, int64(n), attrs)
}

// ObserveRing registers asynchronous instruments that report the ring
// processor counters on every collection. stats returns ok == false while no
// processor is loaded. Unregister the returned registration on shutdown.
func (m *Metrics) ObserveRing(stats func() (ring.Stats, bool)) (metric.Registration, error) {
	blocks, err := m.meter.Int64ObservableCounter("tabvoice.ring.blocks",
		metric.WithDescription("Render blocks processed by the ring processor."))
	if err != nil {
		return nil, err
	}
	underruns, err := m.meter.Int64ObservableCounter("tabvoice.ring.underruns",
		metric.WithDescription("Render blocks that found the ring queue empty."))
	if err != nil {
		return nil, err
	}
	consumed, err := m.meter.Int64ObservableCounter("tabvoice.ring.consumed",
		metric.WithDescription("Chunks dequeued by the render side."))
	if err != nil {
		return nil, err
	}
	dropped, err := m.meter.Int64ObservableCounter("tabvoice.ring.dropped",
		metric.WithDescription("Chunks rejected because the ring queue was full."))
	if err != nil {
		return nil, err
	}
	flushes, err := m.meter.Int64ObservableCounter("tabvoice.ring.flushes",
		metric.WithDescription("Ring queue flushes."))
	if err != nil {
		return nil, err
	}
	queued, err := m.meter.Int64ObservableGauge("tabvoice.ring.queued",
		metric.WithDescription("Chunks waiting in the ring queue."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st, ok := stats()
		if !ok {
			return nil
		}
		o.ObserveInt64(blocks, int64(st.Blocks))
		o.ObserveInt64(underruns, int64(st.Underruns))
		o.ObserveInt64(consumed, int64(st.Consumed))
		o.ObserveInt64(dropped, int64(st.Dropped))
		o.ObserveInt64(flushes, int64(st.Flushes))
		o.ObserveInt64(queued, int64(st.Queued))
		return nil
	}, blocks, underruns, consumed, dropped, flushes, queued)
}
