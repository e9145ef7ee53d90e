package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/voxseg/pkg/audio"
	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// Segmenter is the call a [SegmenterFallback] fails over.
type Segmenter interface {
	SegmentBuffer(ctx context.Context, buf audio.Buffer, cfg *segmenter.Config) ([]segmenter.Segment, error)
}

// SegmenterFallback runs each segmentation call on the first healthy backend
// and re-runs the whole call on the next one when it fails with
// [segmenter.ErrInference]. Input and configuration errors are returned as-is:
// another backend would reject them the same way.
type SegmenterFallback struct {
	group *FallbackGroup[Segmenter]
}

// Compile-time assertion.
var _ Segmenter = (*SegmenterFallback)(nil)

// IsInferenceFailure reports whether err is a backend failure as opposed to a
// problem with the caller's input, configuration or context.
func IsInferenceFailure(err error) bool {
	return errors.Is(err, segmenter.ErrInference)
}

// NewSegmenterFallback creates a [SegmenterFallback] with primary as the
// preferred backend. Unless cfg says otherwise, only inference failures trip
// breakers and trigger failover.
func NewSegmenterFallback(primary Segmenter, primaryName string, cfg FallbackConfig) *SegmenterFallback {
	if cfg.Failover == nil {
		cfg.Failover = IsInferenceFailure
	}
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsInferenceFailure
	}
	return &SegmenterFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *SegmenterFallback) AddFallback(name string, s Segmenter) {
	f.group.AddFallback(name, s)
}

// SegmentBuffer segments buf on the first backend that succeeds. When every
// backend fails the error still matches [segmenter.ErrInference].
func (f *SegmenterFallback) SegmentBuffer(ctx context.Context, buf audio.Buffer, cfg *segmenter.Config) ([]segmenter.Segment, error) {
	segs, err := ExecuteWithResult(f.group, func(s Segmenter) ([]segmenter.Segment, error) {
		return s.SegmentBuffer(ctx, buf, cfg)
	})
	if errors.Is(err, ErrAllFailed) && !errors.Is(err, segmenter.ErrInference) {
		// Every breaker was open.
		err = fmt.Errorf("%w: %w", segmenter.ErrInference, err)
	}
	return segs, err
}

// Check reports an error when no backend can currently take work. It is meant
// for readiness probes.
func (f *SegmenterFallback) Check(context.Context) error {
	var open []string
	total := 0
	f.group.Each(func(name string, _ Segmenter, s State) {
		total++
		if s == StateOpen {
			open = append(open, name)
		}
	})
	if len(open) == total {
		return fmt.Errorf("all backends unavailable: %s", strings.Join(open, ", "))
	}
	return nil
}

// Close closes every backend that implements io.Closer.
func (f *SegmenterFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, s Segmenter, _ State) {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
