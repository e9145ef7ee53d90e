// Package observe provides application-wide observability primitives for
// voxseg: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// meterName is the instrumentation scope name used for all voxseg metrics.
const meterName = "github.com/MrWong99/voxseg"

// Segmentation outcomes used as the "status" attribute.
const (
	StatusOK             = "ok"
	StatusInputError     = "input_error"
	StatusConfigError    = "config_error"
	StatusInferenceError = "inference_error"
	StatusCanceled       = "canceled"
	StatusError          = "error"
)

// SegmentStatus classifies the error returned by a segmentation call.
func SegmentStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	case errors.Is(err, segmenter.ErrInputValidation):
		return StatusInputError
	case errors.Is(err, segmenter.ErrConfiguration):
		return StatusConfigError
	case errors.Is(err, segmenter.ErrInference):
		return StatusInferenceError
	}
	return StatusError
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// SegmentDuration tracks the wall time of one segmentation call. Use with
	// attribute.String("status", ...).
	SegmentDuration metric.Float64Histogram

	// AudioProcessed accumulates the seconds of audio segmented.
	AudioProcessed metric.Float64Counter

	// Segmentations counts segmentation calls. Use with attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	Segmentations metric.Int64Counter

	// SegmentsEmitted counts speech segments returned to callers.
	SegmentsEmitted metric.Int64Counter

	// ActiveSegmentations tracks calls currently in flight.
	ActiveSegmentations metric.Int64UpDownCounter

	// BatchFiles counts files handled by the batch runner. Use with
	// attribute.String("status", ...).
	BatchFiles metric.Int64Counter

	// BreakerTransitions counts backend circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status_class", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// segmentation calls, which range from a few milliseconds for short clips to
// tens of seconds for long recordings.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SegmentDuration, err = m.Float64Histogram("voxseg.segment.duration",
		metric.WithDescription("Latency of a segmentation call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioProcessed, err = m.Float64Counter("voxseg.audio.processed",
		metric.WithDescription("Seconds of audio segmented."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Segmentations, err = m.Int64Counter("voxseg.segmentations",
		metric.WithDescription("Total segmentation calls by source and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("voxseg.segments",
		metric.WithDescription("Total speech segments emitted."),
	); err != nil {
		return nil, err
	}
	if met.BatchFiles, err = m.Int64Counter("voxseg.batch.files",
		metric.WithDescription("Total files handled by the batch runner by status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("voxseg.backend.breaker_transitions",
		metric.WithDescription("Backend circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSegmentations, err = m.Int64UpDownCounter("voxseg.active_segmentations",
		metric.WithDescription("Number of segmentation calls in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxseg.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status class."),
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

// RecordSegmentation records the outcome of one segmentation call: its
// latency, the audio length, and the number of segments on success.
func (m *Metrics) RecordSegmentation(ctx context.Context, source string, err error, elapsed time.Duration, samples, segments, sampleRate int) {
	status := SegmentStatus(err)
	m.Segmentations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
	m.SegmentDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
	if err != nil {
		return
	}
	if sampleRate > 0 {
		m.AudioProcessed.Add(ctx, float64(samples)/float64(sampleRate))
	}
	m.SegmentsEmitted.Add(ctx, int64(segments))
}

// RecordBatchFile records one file handled by the batch runner.
func (m *Metrics) RecordBatchFile(ctx context.Context, status string) {
	m.BatchFiles.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBreakerTransition records a backend circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// TrackActive increments the in-flight gauge and returns a function that
// decrements it.
func (m *Metrics) TrackActive(ctx context.Context) func() {
	m.ActiveSegmentations.Add(ctx, 1)
	return func() { m.ActiveSegmentations.Add(ctx, -1) }
}
