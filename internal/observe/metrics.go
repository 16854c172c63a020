// Package observe provides application-wide observability primitives for
// OmniMind: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all OmniMind metrics.
const meterName = "github.com/MrWong99/omnimind"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SetupDuration tracks the time from opening a voice session until the
	// remote side acknowledged the configuration.
	SetupDuration metric.Float64Histogram

	// ScheduleLead tracks how far ahead of the device clock a playback unit
	// was scheduled. Zero means the queue had run dry.
	ScheduleLead metric.Float64Histogram

	// --- Counters ---

	// Sessions counts finished voice sessions. Use with attribute:
	//   attribute.String("outcome", "closed"|"remote_closed"|"error")
	Sessions metric.Int64Counter

	// FramesSent counts realtime audio frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that never reached the remote side.
	// Use with attribute:
	//   attribute.String("reason", "overflow"|"stale"|"send_error")
	FramesDropped metric.Int64Counter

	// UnitsScheduled counts playback units scheduled on the output device.
	UnitsScheduled metric.Int64Counter

	// Interruptions counts server-signalled barge-ins.
	Interruptions metric.Int64Counter

	// Transcripts counts transcription updates. Use with attribute:
	//   attribute.String("direction", "input"|"output")
	Transcripts metric.Int64Counter

	// TurnsCompleted counts completed model turns.
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// DecodeFailures counts inbound audio payloads that could not be decoded.
	DecodeFailures metric.Int64Counter

	// TransportErrors counts fatal transport errors. Use with attribute:
	//   attribute.String("kind", "connect"|"stream"|"device")
	TransportErrors metric.Int64Counter

	// ServerErrors counts errors the live service reported without closing
	// the connection.
	ServerErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedUnits tracks the number of scheduled, unfinished playback units
	// across all sessions.
	QueuedUnits metric.Int64UpDownCounter

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
	if met.SetupDuration, err = m.Float64Histogram("omnimind.voice.setup.duration",
		metric.WithDescription("Time until a voice session is ready to listen."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("omnimind.voice.schedule.lead",
		metric.WithDescription("Distance between the device clock and a scheduled unit's start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("omnimind.voice.sessions",
		metric.WithDescription("Total finished voice sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("omnimind.voice.frames.sent",
		metric.WithDescription("Total realtime audio frames sent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("omnimind.voice.frames.dropped",
		metric.WithDescription("Total capture frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.UnitsScheduled, err = m.Int64Counter("omnimind.voice.units.scheduled",
		metric.WithDescription("Total playback units scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("omnimind.voice.interruptions",
		metric.WithDescription("Total server-signalled interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("omnimind.voice.transcripts",
		metric.WithDescription("Total transcription updates by direction."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("omnimind.voice.turns",
		metric.WithDescription("Total completed model turns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeFailures, err = m.Int64Counter("omnimind.voice.decode.failures",
		metric.WithDescription("Total inbound audio payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("omnimind.voice.transport.errors",
		metric.WithDescription("Total fatal session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ServerErrors, err = m.Int64Counter("omnimind.voice.server.errors",
		metric.WithDescription("Total in-band errors reported by the live service."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("omnimind.voice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueuedUnits, err = m.Int64UpDownCounter("omnimind.voice.queued_units",
		metric.WithDescription("Number of scheduled, unfinished playback units."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("omnimind.http.request.duration",
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

// RecordFrameDropped records a dropped capture frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.RecordFramesDropped(ctx, reason, 1)
}

// RecordFramesDropped records n dropped capture frames with the given reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int) {
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript records a transcription update for the given direction.
func (m *Metrics) RecordTranscript(ctx context.Context, direction string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordTransportError records a fatal session error of the given kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionEnd records a finished session with the given outcome.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordScheduleLead records the lead time of a scheduled playback unit.
func (m *Metrics) RecordScheduleLead(ctx context.Context, lead time.Duration) {
	m.ScheduleLead.Record(ctx, lead.Seconds())
}
