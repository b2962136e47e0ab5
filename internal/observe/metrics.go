// Package observe provides application-wide observability primitives for the
// voxwire pipeline: OpenTelemetry metrics and HTTP middleware.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// FramesSent counts encoded microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FragmentsReceived counts inbound audio fragments by the transport.
	FragmentsReceived metric.Int64Counter

	// FragmentsPlayed counts fragments played to completion.
	FragmentsPlayed metric.Int64Counter

	// FragmentsSkipped counts fragments dropped on playback failure.
	FragmentsSkipped metric.Int64Counter

	// MessagesDropped counts malformed or unknown inbound messages.
	// Use with attribute.String("reason", ...).
	MessagesDropped metric.Int64Counter

	// SessionsStarted counts widget sessions opened.
	SessionsStarted metric.Int64Counter

	// Reconnects counts controller-level reconnect attempts.
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions (at most one).
	ActiveSessions metric.Int64UpDownCounter

	// BufferedFragments tracks fragments held ahead of the play cursor.
	BufferedFragments metric.Int64UpDownCounter

	// --- Histograms ---

	// FragmentPlayDuration tracks per-fragment playback latency.
	FragmentPlayDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-fragment latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voxwire.capture.frames_sent",
		metric.WithDescription("Encoded microphone frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsReceived, err = m.Int64Counter("voxwire.playback.fragments_received",
		metric.WithDescription("Inbound audio fragments received from the remote."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsPlayed, err = m.Int64Counter("voxwire.playback.fragments_played",
		metric.WithDescription("Fragments played to completion in sequence order."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsSkipped, err = m.Int64Counter("voxwire.playback.fragments_skipped",
		metric.WithDescription("Fragments skipped after a playback failure."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("voxwire.transport.messages_dropped",
		metric.WithDescription("Malformed or unknown inbound messages dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("voxwire.sessions_started",
		metric.WithDescription("Widget sessions opened."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxwire.widget.reconnects",
		metric.WithDescription("Controller-level reconnect attempts after transport errors."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxwire.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.BufferedFragments, err = m.Int64UpDownCounter("voxwire.playback.buffered_fragments",
		metric.WithDescription("Fragments buffered ahead of the play cursor."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FragmentPlayDuration, err = m.Float64Histogram("voxwire.playback.fragment_duration",
		metric.WithDescription("Per-fragment playback latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
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

// RecordDroppedMessage records one dropped inbound message with its reason
// ("malformed", "unknown_type", "bad_payload").
func (m *Metrics) RecordDroppedMessage(ctx context.Context, reason string) {
	m.MessagesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
