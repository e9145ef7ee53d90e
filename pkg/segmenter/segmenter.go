// Package segmenter converts a mono 16 kHz waveform into ordered,
// non-overlapping speech segments.
//
// The pipeline is strictly one-directional:
//
//	waveform → FrameEncoder (InferenceCursor → vad.Scorer) → probabilities
//	         → DetectSpans → candidate spans → Merger → segments
//
// Every stage is lazy; probabilities are pulled hop by hop, so a call keeps at
// most one frame and one probability in flight. The recurrent state lives in a
// per-call [InferenceCursor]; the only thing shared between calls is the
// scoring backend, which a [Segmenter] owns for its whole lifetime.
package segmenter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// tracerName is the instrumentation scope name for segmentation spans.
const tracerName = "github.com/MrWong99/voxseg/pkg/segmenter"

// Sample is the set of sample types accepted by [ToFloat32].
type Sample interface {
	float32 | float64 | int16 | int32
}

// ToFloat32 casts samples to the engine's float32 representation. Integer
// samples are scaled to [-1, 1] by their full-scale value; float samples are
// converted as-is.
func ToFloat32[S Sample](in []S) []float32 {
	out := make([]float32, len(in))
	var zero S
	switch any(zero).(type) {
	case int16:
		for i, v := range in {
			out[i] = float32(v) / 32768
		}
	case int32:
		for i, v := range in {
			out[i] = float32(float64(v) / 2147483648)
		}
	default:
		for i, v := range in {
			out[i] = float32(v)
		}
	}
	return out
}

// Segmenter runs voice-activity segmentation on top of a [vad.Scorer].
//
// A Segmenter is safe for concurrent use. Each Segment call gets its own
// recurrent state; backend calls are serialised unless the scorer reports
// [vad.ConcurrencyReporter.ConcurrentSafe].
type Segmenter struct {
	scorer vad.Scorer
	lock   sync.Locker
	logger *slog.Logger
	tracer trace.Tracer

	closeOnce sync.Once
	closeErr  error
}

// Option is a functional option for [New].
type Option func(*Segmenter)

// WithLogger sets the logger used for debug output. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.logger = l }
}

// WithTracerProvider sets the tracer provider used for per-call spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Segmenter) { s.tracer = tp.Tracer(tracerName) }
}

// New returns a Segmenter that owns scorer. If scorer implements io.Closer it
// is closed by [Segmenter.Close].
func New(scorer vad.Scorer, opts ...Option) *Segmenter {
	s := &Segmenter{
		scorer: scorer,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	if !vad.IsConcurrentSafe(scorer) {
		s.lock = &sync.Mutex{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Segment detects speech in a mono waveform sampled at cfg.SampleRate and
// returns the segments in ascending order. A nil cfg means [DefaultConfig].
//
// The waveform is only read. Errors wrap [ErrInputValidation],
// [ErrConfiguration] or [ErrInference]; no segments are returned with an
// error. Cancelling ctx aborts between hops with the context's error.
func (s *Segmenter) Segment(ctx context.Context, waveform []float32, cfg *Config) (segments []Segment, err error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(waveform) < MinWaveformLen {
		return nil, fmt.Errorf("%w: waveform has %d samples, need at least %d", ErrInputValidation, len(waveform), MinWaveformLen)
	}

	ctx, span := s.tracer.Start(ctx, "segmenter.Segment", trace.WithAttributes(
		attribute.Int("voxseg.samples", len(waveform)),
		attribute.Float64("voxseg.threshold", c.Threshold),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("voxseg.segments", len(segments)))
		}
		span.End()
	}()

	cursor := NewInferenceCursor(s.scorer, s.lock, 1, c.SampleRate)
	enc, err := NewFrameEncoder(cursor, [][]float32{waveform})
	if err != nil {
		return nil, err
	}

	candidates := 0
	spans := func(yield func(Span) bool) {
		det := NewDetector(HopSize, c.Threshold, c.EffectiveNegThreshold())
		for p := range enc.Probabilities(ctx) {
			if sp, ok := det.Feed(p[0]); ok {
				candidates++
				if !yield(sp) {
					return
				}
			}
		}
		if enc.Err() != nil {
			return
		}
		if sp, ok := det.Close(); ok {
			candidates++
			yield(sp)
			return
		}
		if start, open := det.Open(); open {
			s.logger.WarnContext(ctx, "segmenter: speech still active at end of input, dropping span",
				"start", start,
				"neg_threshold", c.EffectiveNegThreshold(),
			)
		}
	}
	out := MergeSpans(spans, len(waveform), c)
	if err := enc.Err(); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "segmenter: segmentation complete",
		"samples", len(waveform),
		"hops", cursor.Steps(),
		"candidates", candidates,
		"segments", len(out),
	)
	if out == nil {
		out = []Segment{}
	}
	return out, nil
}

// SegmentBuffer validates that buf is mono and sampled at cfg's rate, then
// calls [Segmenter.Segment].
func (s *Segmenter) SegmentBuffer(ctx context.Context, buf audio.Buffer, cfg *Config) ([]Segment, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if buf.Channels != 1 {
		return nil, fmt.Errorf("%w: expected mono audio, got %d channels", ErrInputValidation, buf.Channels)
	}
	if buf.SampleRate != 0 && buf.SampleRate != c.SampleRate {
		return nil, fmt.Errorf("%w: audio is sampled at %d Hz, configuration expects %d Hz", ErrInputValidation, buf.SampleRate, c.SampleRate)
	}
	return s.Segment(ctx, buf.Samples, &c)
}

// Close releases the scoring backend. Calling Close more than once is safe.
func (s *Segmenter) Close() error {
	s.closeOnce.Do(func() {
		if c, ok := s.scorer.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}
